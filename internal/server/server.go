package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/signalcore/internal/engine"
	"github.com/lazypower/signalcore/internal/store"
)

// Server is the signalcore HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	router  chi.Router
	log     *slog.Logger
	version string
	started time.Time
}

// New creates a new Server over the engine and its database.
func New(e *engine.Engine, version string) *Server {
	s := &Server{
		db:      e.DB,
		engine:  e,
		log:     slog.Default().With("component", "server"),
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// SetLogger configures the structured logger.
func (s *Server) SetLogger(l *slog.Logger) {
	s.log = l.With("component", "server")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/destinations", s.handleDestinations)
		r.Get("/growth-types", s.handleGrowthTypes)

		r.Post("/ingest", s.handleIngest)
		r.Post("/route", s.handleRoute)

		r.Get("/signals", s.handleListSignals)
		r.Route("/signals/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSignal)
			r.Post("/score", s.handleScore)
			r.Post("/growth-type", s.handleMap)
			r.Post("/export", s.handleExport)
			r.Post("/evaluate", s.handleEvaluate)
		})

		r.Get("/memory/search", s.handleSearchMemory)
		r.Post("/memory", s.handleUpsertMemory)
		r.Get("/memory/{id}", s.handleGetMemory)

		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleCreateRule)
		r.Post("/rules/{id}/toggle", s.handleToggleRule)
		r.Get("/decisions", s.handleListDecisions)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
		s.log.Warn("health: database ping failed", "err", err)
	}

	code, state := http.StatusOK, "ok"
	if !dbOK {
		code, state = http.StatusServiceUnavailable, "unavailable"
	}
	writeJSON(w, code, map[string]any{
		"status":   state,
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"db":       dbOK,
		"db_path":  s.db.Path,
		"pipeline": s.engine.Running(),
		"queues":   s.engine.QueueDepths(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"destinations": s.engine.Destinations()})
}

func (s *Server) handleGrowthTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"growth_types": engine.GrowthTypes})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine and store errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case engine.IsValidation(err), errors.Is(err, engine.ErrUnknownDestination):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, engine.ErrExportInFlight):
		status = http.StatusConflict
	case engine.IsTerminal(err):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// pageParams reads 1-based page and limit query parameters.
func pageParams(r *http.Request, defaultLimit int) (limit, offset, page int, err error) {
	page, limit = 1, defaultLimit
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 {
			return 0, 0, 0, &engine.ValidationError{Field: "limit", Msg: "must be a positive integer"}
		}
		limit = n
	}
	if v := q.Get("page"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n <= 0 {
			return 0, 0, 0, &engine.ValidationError{Field: "page", Msg: "must be a positive integer"}
		}
		page = n
	}
	return limit, (page - 1) * limit, page, nil
}

func intParam(r *http.Request, name string) (*int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, &engine.ValidationError{Field: name, Msg: "must be an integer"}
	}
	return &n, nil
}
