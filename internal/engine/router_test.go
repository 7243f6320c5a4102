package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/signalcore/internal/store"
)

func TestRouteIdempotent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	id := scoredSignal(t, e, "route me", 80, 80)

	first := e.Route(ctx, []string{id}, "SignalCore")
	require.Len(t, first, 1)
	assert.Empty(t, first[0].Error)
	assert.Equal(t, store.StatusRouted, first[0].Status)
	assert.False(t, first[0].Noop)

	second := e.Route(ctx, []string{id}, "SignalCore")
	require.Len(t, second, 1)
	assert.Empty(t, second[0].Error)
	assert.True(t, second[0].Noop)

	routings, err := e.DB.Routings(ctx, id)
	require.NoError(t, err)
	assert.Len(t, routings, 1)
}

func TestRouteUnknownDestination(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	id := scoredSignal(t, e, "nowhere", 80, 80)
	before := getSignal(t, e, id)

	results := e.Route(ctx, []string{id}, "Foo")
	require.Len(t, results, 1)
	assert.Equal(t, "unknown destination", results[0].Error)

	after := getSignal(t, e, id)
	assert.Equal(t, store.StatusScored, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.Destination)
}

func TestRouteAdmissionRejected(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	id := scoredSignal(t, e, "weak", 30, 90)

	results := e.Route(ctx, []string{id}, "Memory Loom")
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, "requires score >= 50")
	assert.Equal(t, store.StatusFailed, results[0].Status)

	s := getSignal(t, e, id)
	assert.Equal(t, store.StatusFailed, s.Status)
	assert.Equal(t, "Memory Loom", s.Destination)
	assert.Contains(t, s.Reason, "requires score")
}

func TestRouteRequiresGrowthType(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	id := scoredSignal(t, e, "no growth", 80, 80)

	results := e.Route(ctx, []string{id}, "Growth Team")
	assert.Contains(t, results[0].Error, "requires a growth type")
	assert.Equal(t, store.StatusScored, getSignal(t, e, id).Status)

	_, err := e.Map(ctx, id, "Retention")
	require.NoError(t, err)

	results = e.Route(ctx, []string{id}, "Growth Team")
	assert.Empty(t, results[0].Error)
	s := getSignal(t, e, id)
	assert.Equal(t, store.StatusRouted, s.Status)
	assert.Equal(t, "Retention", s.GrowthType)
}

func TestRerouteKeepsHistory(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	id := scoredSignal(t, e, "override", 80, 80)

	e.Route(ctx, []string{id}, "SignalCore")
	results := e.Route(ctx, []string{id}, "Memory Loom")
	require.Empty(t, results[0].Error)

	s := getSignal(t, e, id)
	assert.Equal(t, "Memory Loom", s.Destination)
	assert.Equal(t, store.ExportUnexported, s.ExportStatus)

	routings, err := e.DB.Routings(ctx, id)
	require.NoError(t, err)
	require.Len(t, routings, 2)
	assert.Equal(t, "SignalCore", routings[0].Destination)
	assert.NotNil(t, routings[0].SupersededAt)
	assert.Nil(t, routings[1].SupersededAt)
}

func TestRerouteRejectedKeepsRouting(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	id := scoredSignal(t, e, "override", 45, 80)

	require.Empty(t, e.Route(ctx, []string{id}, "SignalCore")[0].Error)
	results := e.Route(ctx, []string{id}, "Export Endpoint")
	assert.Contains(t, results[0].Error, "requires score >= 60")

	s := getSignal(t, e, id)
	assert.Equal(t, store.StatusRouted, s.Status)
	assert.Equal(t, "SignalCore", s.Destination)
}

func TestRouteBatchIsPerSignal(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	good := scoredSignal(t, e, "good", 80, 80)
	fresh := ingest(t, e, "Twitter", "still new")

	results := e.Route(ctx, []string{good, "missing", fresh}, "SignalCore")
	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, "signal not found", results[1].Error)
	assert.Equal(t, "signal not routable in status New", results[2].Error)

	assert.Equal(t, store.StatusRouted, getSignal(t, e, good).Status)
	assert.Equal(t, store.StatusNew, getSignal(t, e, fresh).Status)
}

func TestCanAdmit(t *testing.T) {
	score := 70
	s := &store.Signal{Source: "Twitter", Score: &score}

	assert.True(t, CanAdmit(Destination{Name: "A", MinScore: 70}, s).Allowed)
	assert.False(t, CanAdmit(Destination{Name: "A", MinScore: 71}, s).Allowed)
	assert.True(t, CanAdmit(Destination{Name: "A", AllowedSources: []string{"twitter"}}, s).Allowed)

	res := CanAdmit(Destination{Name: "A", AllowedSources: []string{"Reddit"}}, s)
	assert.False(t, res.Allowed)
	assert.Equal(t, "A does not accept source Twitter", res.Reason)

	assert.False(t, CanAdmit(Destination{Name: "A"}, &store.Signal{}).Allowed, "unscored signals are never admitted")
}
