package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/signalcore/internal/engine"
	"github.com/lazypower/signalcore/internal/store"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req engine.IngestRequest
	if err := decodeBody(r, ingestSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.Ingest(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	limit, offset, page, err := pageParams(r, 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minScore, err := intParam(r, "min_score")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	maxScore, err := intParam(r, "max_score")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	f := store.SignalFilter{
		Status:       q.Get("status"),
		Source:       q.Get("source"),
		Destination:  q.Get("destination"),
		GrowthType:   q.Get("growth_type"),
		ExportStatus: q.Get("export_status"),
		MinScore:     minScore,
		MaxScore:     maxScore,
		Limit:        limit,
		Offset:       offset,
	}

	signals, err := s.db.ListSignals(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.db.CountSignals(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if signals == nil {
		signals = []store.Signal{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"signals": signals,
		"total":   total,
		"page":    page,
		"limit":   limit,
	})
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	sig, err := s.engine.Score(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrowthType string `json:"growth_type"`
	}
	if err := decodeBody(r, mapSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sig, err := s.engine.Map(r.Context(), chi.URLParam(r, "id"), req.GrowthType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          sig.ID,
		"status":      sig.Status,
		"growth_type": sig.GrowthType,
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignalIDs   []string `json:"signal_ids"`
		Destination string   `json:"destination"`
	}
	if err := decodeBody(r, routeSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	results := s.engine.Route(r.Context(), req.SignalIDs, req.Destination)
	if _, ok := s.engine.Destination(req.Destination); !ok {
		// Per-signal results still carry the error so batch callers can
		// read them the same way either way.
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   engine.ErrUnknownDestination.Error(),
			"results": results,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Export(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	logs, err := s.engine.Evaluate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": logs})
}
