package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/lazypower/signalcore/internal/engine"
	"github.com/lazypower/signalcore/internal/store"
)

func ingestSignal(t *testing.T, srv *Server, content string) string {
	t.Helper()
	w := do(t, srv, "POST", "/api/ingest", fmt.Sprintf(`{"source":"Twitter","raw_content":%q}`, content))
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d; body: %s", w.Code, w.Body.String())
	}
	var res engine.IngestResult
	decode(t, w, &res)
	return res.ID
}

func TestIngestDuplicate(t *testing.T) {
	srv, _ := testServer(t)
	body := `{"source":"Twitter","raw_content":"X","metadata":{"external_id":"SIG-A"},"collected_at":"2024-05-01T12:00:00Z"}`

	w := do(t, srv, "POST", "/api/ingest", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var first engine.IngestResult
	decode(t, w, &first)

	w = do(t, srv, "POST", "/api/ingest", body)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want %d", w.Code, http.StatusOK)
	}
	var second engine.IngestResult
	decode(t, w, &second)
	if !second.Duplicate || second.ID != first.ID {
		t.Errorf("second = %+v, want duplicate of %s", second, first.ID)
	}
}

func TestSignalLifecycle(t *testing.T) {
	srv, _ := testServer(t)
	id := ingestSignal(t, srv, "Thinking about cancelling my plan")

	w := do(t, srv, "POST", "/api/signals/"+id+"/score", "")
	if w.Code != http.StatusOK {
		t.Fatalf("score status = %d; body: %s", w.Code, w.Body.String())
	}
	var scored store.Signal
	decode(t, w, &scored)
	if scored.Status != store.StatusScored || scored.Score == nil || *scored.Score != 87 {
		t.Fatalf("scored = %+v", scored)
	}

	w = do(t, srv, "POST", "/api/signals/"+id+"/growth-type", `{"growth_type":"Retention"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("map status = %d; body: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "POST", "/api/route", fmt.Sprintf(`{"signal_ids":[%q,"missing"],"destination":"Growth Team"}`, id))
	if w.Code != http.StatusOK {
		t.Fatalf("route status = %d; body: %s", w.Code, w.Body.String())
	}
	var routed struct {
		Results []engine.RouteResult `json:"results"`
	}
	decode(t, w, &routed)
	if len(routed.Results) != 2 {
		t.Fatalf("results = %+v", routed.Results)
	}
	if routed.Results[0].Error != "" || routed.Results[0].Status != store.StatusRouted {
		t.Errorf("results[0] = %+v", routed.Results[0])
	}
	if routed.Results[1].Error == "" {
		t.Error("expected error for missing signal")
	}

	w = do(t, srv, "POST", "/api/signals/"+id+"/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d; body: %s", w.Code, w.Body.String())
	}
	var exported engine.ExportResult
	decode(t, w, &exported)
	if exported.ExportStatus != store.ExportExported {
		t.Errorf("export_status = %q, want Exported", exported.ExportStatus)
	}

	w = do(t, srv, "GET", "/api/signals/"+id, "")
	var detail struct {
		Status         string                `json:"status"`
		GrowthType     string                `json:"growth_type"`
		Routings       []store.Routing       `json:"routings"`
		GrowthMappings []store.GrowthMapping `json:"growth_mappings"`
		ExportHistory  []store.ExportAttempt `json:"export_history"`
	}
	decode(t, w, &detail)
	if detail.Status != store.StatusRouted || detail.GrowthType != "Retention" {
		t.Errorf("detail status=%q growth_type=%q", detail.Status, detail.GrowthType)
	}
	if len(detail.Routings) != 1 || len(detail.GrowthMappings) != 1 || len(detail.ExportHistory) != 1 {
		t.Errorf("history routings=%d mappings=%d attempts=%d",
			len(detail.Routings), len(detail.GrowthMappings), len(detail.ExportHistory))
	}
}

func TestRouteUnknownDestination(t *testing.T) {
	srv, e := testServer(t)
	id := ingestSignal(t, srv, "route nowhere")
	if _, err := e.Score(context.Background(), id); err != nil {
		t.Fatalf("Score: %v", err)
	}

	w := do(t, srv, "POST", "/api/route", fmt.Sprintf(`{"signal_ids":[%q],"destination":"Foo"}`, id))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	var body struct {
		Error   string               `json:"error"`
		Results []engine.RouteResult `json:"results"`
	}
	decode(t, w, &body)
	if body.Error != "unknown destination" {
		t.Errorf("error = %q, want unknown destination", body.Error)
	}
	if len(body.Results) != 1 || body.Results[0].SignalID != id || body.Results[0].Error != "unknown destination" {
		t.Errorf("results = %+v, want one unknown destination result for %s", body.Results, id)
	}

	s, err := e.DB.GetSignal(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if s.Status != store.StatusScored {
		t.Errorf("status = %q, want Scored", s.Status)
	}
}

func TestMapUnknownGrowthType(t *testing.T) {
	srv, e := testServer(t)
	id := ingestSignal(t, srv, "map me")
	if _, err := e.Score(context.Background(), id); err != nil {
		t.Fatalf("Score: %v", err)
	}

	w := do(t, srv, "POST", "/api/signals/"+id+"/growth-type", `{"growth_type":"Virality"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestListSignalsFilter(t *testing.T) {
	srv, e := testServer(t)
	a := ingestSignal(t, srv, "first")
	ingestSignal(t, srv, "second")
	if _, err := e.Score(context.Background(), a); err != nil {
		t.Fatalf("Score: %v", err)
	}

	w := do(t, srv, "GET", "/api/signals?status=Scored&min_score=80", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var page struct {
		Signals []store.Signal `json:"signals"`
		Total   int            `json:"total"`
		Limit   int            `json:"limit"`
	}
	decode(t, w, &page)
	if page.Total != 1 || len(page.Signals) != 1 || page.Signals[0].ID != a {
		t.Errorf("page = %+v", page)
	}

	w = do(t, srv, "GET", "/api/signals?status=Exported", "")
	decode(t, w, &page)
	if page.Signals == nil || len(page.Signals) != 0 {
		t.Errorf("expected empty non-nil list, got %v", page.Signals)
	}
}

func TestMemoryRoutes(t *testing.T) {
	srv, _ := testServer(t)
	body := `{"term":"Brand Voice","definition":"How we sound","confidence":92,"tags":["brand"],
		"context_examples":[{"text":"Keep the brand voice consistent."}]}`

	w := do(t, srv, "POST", "/api/memory", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	var created struct {
		ID      string `json:"id"`
		Created bool   `json:"created"`
	}
	decode(t, w, &created)

	w = do(t, srv, "POST", "/api/memory", body)
	if w.Code != http.StatusOK {
		t.Errorf("re-upsert status = %d, want %d", w.Code, http.StatusOK)
	}

	w = do(t, srv, "GET", "/api/memory/search?q=voice&min_confidence=90&tags=brand,other", "")
	var search struct {
		Count   int                  `json:"count"`
		Results []store.MemoryObject `json:"results"`
	}
	decode(t, w, &search)
	if search.Count != 1 || search.Results[0].ID != created.ID {
		t.Errorf("search = %+v", search)
	}

	w = do(t, srv, "GET", "/api/memory/"+created.ID, "")
	var m store.MemoryObject
	decode(t, w, &m)
	if m.Term != "Brand Voice" || len(m.ContextExamples) != 1 {
		t.Errorf("memory = %+v", m)
	}

	w = do(t, srv, "POST", "/api/memory", `{"term":"x","confidence":150}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("out of range confidence status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRuleRoutes(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, "POST", "/api/rules", `{"name":"hot","target_metric":"score","operator":">=","threshold":80,"outcome":"boost"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var rule store.Rule
	decode(t, w, &rule)
	if !rule.Active || rule.ID == 0 {
		t.Errorf("rule = %+v", rule)
	}

	w = do(t, srv, "POST", "/api/rules", `{"name":"bad","target_metric":"volume","operator":">=","threshold":80,"outcome":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid metric status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	id := ingestSignal(t, srv, "evaluate me")
	do(t, srv, "POST", "/api/signals/"+id+"/score", "")
	w = do(t, srv, "POST", "/api/signals/"+id+"/evaluate", "")
	var eval struct {
		Decisions []store.DecisionLog `json:"decisions"`
	}
	decode(t, w, &eval)
	if len(eval.Decisions) != 1 || eval.Decisions[0].Outcome != "boost" {
		t.Fatalf("decisions = %+v", eval.Decisions)
	}

	w = do(t, srv, "POST", fmt.Sprintf("/api/rules/%d/toggle", rule.ID), `{"active":false}`)
	decode(t, w, &rule)
	if rule.Active {
		t.Error("rule still active after toggle")
	}

	w = do(t, srv, "GET", "/api/decisions?signal_id="+id, "")
	var listed struct {
		Decisions []store.DecisionLog `json:"decisions"`
	}
	decode(t, w, &listed)
	if len(listed.Decisions) != 1 {
		t.Errorf("decisions = %+v", listed.Decisions)
	}

	w = do(t, srv, "GET", "/api/rules?active=true", "")
	var rules struct {
		Rules []store.Rule `json:"rules"`
	}
	decode(t, w, &rules)
	if rules.Rules == nil || len(rules.Rules) != 0 {
		t.Errorf("active rules = %+v", rules.Rules)
	}
}

func TestStatsRoute(t *testing.T) {
	srv, e := testServer(t)
	id := ingestSignal(t, srv, "count me")
	ingestSignal(t, srv, "and me")
	if _, err := e.Score(context.Background(), id); err != nil {
		t.Fatalf("Score: %v", err)
	}

	w := do(t, srv, "GET", "/api/stats", "")
	var stats store.Stats
	decode(t, w, &stats)
	if stats.Total != 2 || stats.ByStatus[store.StatusNew] != 1 || stats.ByStatus[store.StatusScored] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
