package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazypower/signalcore/internal/config"
	"github.com/lazypower/signalcore/internal/engine"
	"github.com/lazypower/signalcore/internal/store"
)

func testServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Pipeline.IngestRate = 0
	e := engine.New(db, cfg)
	e.SetScorer(engine.ScorerFunc(func(ctx context.Context, in engine.ScoreInput) (engine.ScoreResult, error) {
		return engine.ScoreResult{Score: 87, Confidence: 95}, nil
	}))
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.SetLogger(discard)

	srv := New(e, "test-version")
	srv.SetLogger(discard)
	return srv, e
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]any
	decode(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["db"] != true {
		t.Errorf("db = %v, want true", body["db"])
	}
	if body["pipeline"] != false {
		t.Errorf("pipeline = %v, want false", body["pipeline"])
	}
	if _, ok := body["queues"]; !ok {
		t.Error("expected queues in health body")
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	srv, e := testServer(t)
	e.DB.Close()

	w := do(t, srv, "GET", "/api/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["status"] != "unavailable" {
		t.Errorf("status = %v, want unavailable", body["status"])
	}
	if body["db"] != false {
		t.Errorf("db = %v, want false", body["db"])
	}
}

func TestEnumerationRoutes(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, "GET", "/api/destinations", "")
	var dests struct {
		Destinations []engine.Destination `json:"destinations"`
	}
	decode(t, w, &dests)
	if len(dests.Destinations) != 4 || dests.Destinations[0].Name != "SignalCore" {
		t.Errorf("destinations = %+v", dests.Destinations)
	}

	w = do(t, srv, "GET", "/api/growth-types", "")
	var gts struct {
		GrowthTypes []string `json:"growth_types"`
	}
	decode(t, w, &gts)
	if len(gts.GrowthTypes) != 6 {
		t.Errorf("growth_types = %v", gts.GrowthTypes)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid json", "POST", "/api/ingest", `{nope`, http.StatusBadRequest},
		{"schema violation", "POST", "/api/ingest", `{"source":"Twitter"}`, http.StatusBadRequest},
		{"unknown source", "POST", "/api/ingest", `{"source":"Myspace","raw_content":"hi"}`, http.StatusBadRequest},
		{"missing signal", "GET", "/api/signals/nope", "", http.StatusNotFound},
		{"missing memory", "GET", "/api/memory/mem_000000000000", "", http.StatusNotFound},
		{"bad min_score", "GET", "/api/signals?min_score=high", "", http.StatusBadRequest},
		{"bad page", "GET", "/api/signals?page=0", "", http.StatusBadRequest},
		{"bad rule id", "POST", "/api/rules/abc/toggle", `{"active":true}`, http.StatusBadRequest},
		{"missing rule", "POST", "/api/rules/42/toggle", `{"active":true}`, http.StatusNotFound},
		{"export missing", "POST", "/api/signals/nope/export", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
			var body map[string]string
			decode(t, w, &body)
			if body["error"] == "" {
				t.Error("expected error message in body")
			}
		})
	}
}
