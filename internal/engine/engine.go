package engine

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lazypower/signalcore/internal/config"
	"github.com/lazypower/signalcore/internal/store"
)

const tracerName = "github.com/lazypower/signalcore/internal/engine"

// Engine orchestrates the signal pipeline: intake, scoring, growth mapping,
// routing, export, rule evaluation and the memory store.
type Engine struct {
	DB *store.DB

	cfg          config.Config
	scorer       Scorer
	deliverer    Deliverer
	log          *slog.Logger
	tracer       trace.Tracer
	limiter      *rate.Limiter
	sources      map[string]string // lowercased -> canonical
	destinations []Destination
	now          func() time.Time

	fingerprints *keyLock
	terms        *keyLock
	exporting    sync.Map // signal id -> struct{}

	mu  sync.Mutex
	run *pipelineRun
}

// New creates a new Engine using the heuristic scorer and HTTP deliverer.
// Use SetScorer and SetDeliverer to swap either.
func New(db *store.DB, cfg config.Config) *Engine {
	e := &Engine{
		DB:           db,
		cfg:          cfg,
		scorer:       &HeuristicScorer{},
		deliverer:    NewHTTPDeliverer(),
		log:          slog.Default(),
		tracer:       otel.Tracer(tracerName),
		sources:      make(map[string]string, len(cfg.Sources)),
		now:          time.Now,
		fingerprints: newKeyLock(),
		terms:        newKeyLock(),
	}
	for _, s := range cfg.Sources {
		e.sources[strings.ToLower(strings.TrimSpace(s))] = s
	}
	for _, d := range cfg.Destinations {
		e.destinations = append(e.destinations, destinationFromConfig(d, cfg.Export.Timeout))
	}
	if cfg.Pipeline.IngestRate > 0 {
		burst := cfg.Pipeline.IngestBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.Pipeline.IngestRate), burst)
	}
	return e
}

// SetScorer configures the scoring backend.
func (e *Engine) SetScorer(s Scorer) {
	e.scorer = s
}

// SetDeliverer configures the export transport.
func (e *Engine) SetDeliverer(d Deliverer) {
	e.deliverer = d
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	e.log = l
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

func (e *Engine) logger(component string) *slog.Logger {
	return e.log.With("component", component)
}

func (e *Engine) startSpan(ctx context.Context, name, signalID string) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if signalID != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("signal.id", signalID)))
	}
	return e.tracer.Start(ctx, name, opts...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// backoff waits base*2^attempt, capped at the configured maximum.
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(float64(e.cfg.Pipeline.RetryBaseDelay) * math.Pow(2, float64(attempt)))
	if ceiling := e.cfg.Pipeline.RetryMaxDelay; ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

// truncate shortens s to at most n bytes for storage in reason fields.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
