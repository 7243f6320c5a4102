package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/signalcore/internal/engine"
	"github.com/lazypower/signalcore/internal/store"
)

func (s *Server) handleSearchMemory(w http.ResponseWriter, r *http.Request) {
	limit, offset, page, err := pageParams(r, 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minConf, err := intParam(r, "min_confidence")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	query := store.MemoryQuery{
		Query:  q.Get("q"),
		Tags:   splitTags(q["tags"]),
		Limit:  limit,
		Offset: offset,
	}
	if minConf != nil {
		query.MinConfidence = *minConf
	}

	results, err := s.engine.SearchMemory(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query.Query,
		"count":   len(results),
		"page":    page,
		"results": results,
	})
}

// splitTags accepts repeated and comma-separated tag parameters.
func splitTags(values []string) []string {
	var tags []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}

func (s *Server) handleUpsertMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Term            string                 `json:"term"`
		Definition      string                 `json:"definition"`
		Confidence      int                    `json:"confidence"`
		Source          string                 `json:"source"`
		Tags            []string               `json:"tags"`
		ContextExamples []store.ContextExample `json:"context_examples"`
	}
	if err := decodeBody(r, memorySchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	m, created, err := s.engine.UpsertMemory(r.Context(), engine.MemoryUpsert{
		Term:            req.Term,
		Definition:      req.Definition,
		Confidence:      req.Confidence,
		Source:          req.Source,
		Tags:            req.Tags,
		ContextExamples: req.ContextExamples,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"id": m.ID, "created": created})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.db.GetMemory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := s.db.ListRules(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []store.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		TargetMetric string `json:"target_metric"`
		Operator     string `json:"operator"`
		Threshold    int    `json:"threshold"`
		Outcome      string `json:"outcome"`
		Active       *bool  `json:"active"`
	}
	if err := decodeBody(r, ruleSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	rule := &store.Rule{
		Name:         req.Name,
		TargetMetric: req.TargetMetric,
		Operator:     req.Operator,
		Threshold:    req.Threshold,
		Outcome:      req.Outcome,
		Active:       req.Active == nil || *req.Active,
	}
	if err := s.engine.CreateRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, &engine.ValidationError{Field: "id", Msg: "must be an integer"})
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeBody(r, toggleSchema, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	rule, err := s.engine.SetRuleActive(r.Context(), id, req.Active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit, offset, page, err := pageParams(r, 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	logs, err := s.db.ListDecisions(r.Context(), store.DecisionFilter{
		SignalID: q.Get("signal_id"),
		RuleName: q.Get("rule_name"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []store.DecisionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": logs, "page": page})
}
