package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/signalcore/internal/llm"
	"github.com/lazypower/signalcore/internal/store"
)

func TestScoreSetsScoreAndConfidenceTogether(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	tests := []struct {
		name                string
		score, confidence   int
		wantScore, wantConf int
	}{
		{"in range", 87, 95, 87, 95},
		{"clamped high", 150, 101, 100, 100},
		{"clamped low", -5, -1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := ingest(t, e, "Twitter", "content "+tt.name)
			e.SetScorer(fixedScorer(tt.score, tt.confidence))

			s, err := e.Score(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, store.StatusScored, s.Status)

			got := getSignal(t, e, id)
			require.NotNil(t, got.Score)
			require.NotNil(t, got.Confidence)
			assert.Equal(t, tt.wantScore, *got.Score)
			assert.Equal(t, tt.wantConf, *got.Confidence)
			assert.Equal(t, 1, got.ScoreAttempts)
		})
	}

	scored, err := e.DB.ListSignals(ctx, store.SignalFilter{Status: store.StatusScored})
	require.NoError(t, err)
	for _, s := range scored {
		require.NotNil(t, s.Score)
		require.NotNil(t, s.Confidence)
		assert.True(t, *s.Score >= 0 && *s.Score <= 100)
		assert.True(t, *s.Confidence >= 0 && *s.Confidence <= 100)
	}
}

func TestScoreEnrichment(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	voice, _, err := e.UpsertMemory(ctx, MemoryUpsert{Term: "Brand Voice", Confidence: 90})
	require.NoError(t, err)
	_, _, err = e.UpsertMemory(ctx, MemoryUpsert{Term: "Loom", Confidence: 50})
	require.NoError(t, err)

	id := ingest(t, e, "Twitter", "the brand voice guide and the loom")
	e.SetScorer(fixedScorer(60, 70, "brand  VOICE", "Loom", "Unknown", "Brand Voice"))
	s, err := e.Score(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"brand  VOICE", "Loom", "Unknown"}, s.Entities)

	refs, err := e.DB.Enrichments(ctx, id)
	require.NoError(t, err)
	require.Len(t, refs, 1, "Loom is below the enrichment threshold")
	assert.Equal(t, voice.ID, refs[0].MemoryID)
}

func TestScoreRetriesTransientFailures(t *testing.T) {
	e := testEngine(t)
	var calls atomic.Int32
	e.SetScorer(ScorerFunc(func(ctx context.Context, in ScoreInput) (ScoreResult, error) {
		if calls.Add(1) < 3 {
			return ScoreResult{}, errors.New("model overloaded")
		}
		return ScoreResult{Score: 55, Confidence: 60}, nil
	}))
	id := ingest(t, e, "Twitter", "retry me")

	s, err := e.Score(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, store.StatusScored, s.Status)
	assert.Equal(t, 3, s.ScoreAttempts)
	assert.Empty(t, s.Reason)
}

func TestScoreExhaustionFailsSignal(t *testing.T) {
	e := testEngine(t)
	var calls atomic.Int32
	e.SetScorer(ScorerFunc(func(ctx context.Context, in ScoreInput) (ScoreResult, error) {
		calls.Add(1)
		return ScoreResult{}, errors.New("scorer exploded")
	}))
	id := ingest(t, e, "Twitter", "doomed")

	_, err := e.Score(context.Background(), id)
	var terr *TerminalError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, int32(3), calls.Load())

	s := getSignal(t, e, id)
	assert.Equal(t, store.StatusFailed, s.Status)
	assert.Equal(t, 3, s.ScoreAttempts)
	assert.Contains(t, s.Reason, "scorer exploded")
	assert.Nil(t, s.Score)
	assert.Nil(t, s.Confidence)
}

func TestScoreTerminalScorerErrorFailsImmediately(t *testing.T) {
	e := testEngine(t)
	var calls atomic.Int32
	e.SetScorer(ScorerFunc(func(ctx context.Context, in ScoreInput) (ScoreResult, error) {
		calls.Add(1)
		return ScoreResult{}, &TerminalError{Op: "scorer", Err: errors.New("content rejected")}
	}))
	id := ingest(t, e, "Twitter", "rejected")

	_, err := e.Score(context.Background(), id)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, store.StatusFailed, getSignal(t, e, id).Status)
}

func TestScoreCancellationLeavesSignalUntouched(t *testing.T) {
	e := testEngine(t)
	started := make(chan struct{})
	e.SetScorer(ScorerFunc(func(ctx context.Context, in ScoreInput) (ScoreResult, error) {
		close(started)
		<-ctx.Done()
		return ScoreResult{}, ctx.Err()
	}))
	id := ingest(t, e, "Twitter", "slow")
	before := getSignal(t, e, id)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := e.Score(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)

	after := getSignal(t, e, id)
	assert.Equal(t, store.StatusNew, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Zero(t, after.ScoreAttempts)
	assert.Nil(t, after.Score)
}

func TestScoreAttemptTimeoutCountsAsFailure(t *testing.T) {
	e := testEngine(t)
	e.cfg.Pipeline.ScoreTimeout = 5 * time.Millisecond
	e.cfg.Pipeline.ScoreMaxAttempts = 2
	e.SetScorer(ScorerFunc(func(ctx context.Context, in ScoreInput) (ScoreResult, error) {
		<-ctx.Done()
		return ScoreResult{}, ctx.Err()
	}))
	id := ingest(t, e, "Twitter", "hangs")

	_, err := e.Score(context.Background(), id)
	assert.True(t, IsTerminal(err))
	s := getSignal(t, e, id)
	assert.Equal(t, store.StatusFailed, s.Status)
	assert.Contains(t, s.Reason, "deadline exceeded")
}

func TestScoreRequiresNew(t *testing.T) {
	e := testEngine(t)
	id := scoredSignal(t, e, "already scored", 50, 50)

	_, err := e.Score(context.Background(), id)
	assert.True(t, IsValidation(err))
}

func TestHeuristicScorer(t *testing.T) {
	res, err := HeuristicScorer{}.Score(context.Background(), ScoreInput{
		Source:  "Twitter",
		Content: "Honestly the new Brand Voice guide from #SignalCore is amazing, thanks @loomhq! Urgent: pricing page is broken.",
	})
	require.NoError(t, err)
	assert.Contains(t, res.Entities, "Brand Voice")
	assert.Contains(t, res.Entities, "SignalCore")
	assert.Contains(t, res.Entities, "loomhq")
	assert.True(t, res.Score > 50, "score %d", res.Score)
	assert.True(t, res.Confidence >= 40 && res.Confidence <= 100)

	quiet, err := HeuristicScorer{}.Score(context.Background(), ScoreInput{Content: "ok"})
	require.NoError(t, err)
	assert.Empty(t, quiet.Entities)
	assert.Less(t, quiet.Score, res.Score)

	again, err := HeuristicScorer{}.Score(context.Background(), ScoreInput{
		Content: "Honestly the new Brand Voice guide from #SignalCore is amazing, thanks @loomhq! Urgent: pricing page is broken.",
	})
	require.NoError(t, err)
	assert.Equal(t, res, again, "heuristic scoring is deterministic")
}

func TestParseScoreResponse(t *testing.T) {
	res, err := parseScoreResponse("```json\n{\"score\": 86.6, \"confidence\": 90, \"entities\": [\"Loom\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, 87, res.Score)
	assert.Equal(t, 90, res.Confidence)
	assert.Equal(t, []string{"Loom"}, res.Entities)

	_, err = parseScoreResponse("I cannot score this")
	assert.Error(t, err)

	_, err = parseScoreResponse(`{"score": 50}`)
	assert.Error(t, err, "confidence is required")
}

func TestLLMScorer(t *testing.T) {
	mock := &llm.MockClient{Response: &llm.Response{Content: `{"score": 70, "confidence": 80, "entities": ["Loom"]}`}}
	res, err := (&LLMScorer{Client: mock}).Score(context.Background(), ScoreInput{Source: "Reddit", Content: "the Loom"})
	require.NoError(t, err)
	assert.Equal(t, 70, res.Score)
	require.Len(t, mock.Calls(), 1)
	assert.Contains(t, mock.Calls()[0], "SOURCE: Reddit")

	rejected := &llm.MockClient{Err: &llm.StatusError{Provider: "anthropic", Code: 400, Body: "bad"}}
	_, err = (&LLMScorer{Client: rejected}).Score(context.Background(), ScoreInput{Content: "x"})
	assert.True(t, IsTerminal(err))

	overloaded := &llm.MockClient{Err: &llm.StatusError{Provider: "anthropic", Code: 529}}
	_, err = (&LLMScorer{Client: overloaded}).Score(context.Background(), ScoreInput{Content: "x"})
	assert.Error(t, err)
	assert.False(t, IsTerminal(err))
}
