package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lazypower/signalcore/internal/store"
)

// ErrExportInFlight is returned when an export for the signal is already running.
var ErrExportInFlight = errors.New("export already in progress")

// Payload is the document delivered to a destination endpoint.
type Payload struct {
	SignalID    string             `json:"signal_id"`
	Source      string             `json:"source"`
	RawContent  string             `json:"raw_content"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	CollectedAt int64              `json:"collected_at"`
	Score       int                `json:"score"`
	Confidence  int                `json:"confidence"`
	Entities    []string           `json:"entities,omitempty"`
	GrowthType  string             `json:"growth_type,omitempty"`
	Destination string             `json:"destination"`
	Enrichments []store.Enrichment `json:"enrichments,omitempty"`
}

// Deliverer sends a payload to a destination. Implementations return a
// TransientError for failures worth retrying and a TerminalError for hard
// rejections.
type Deliverer interface {
	Deliver(ctx context.Context, d Destination, p Payload) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, d Destination, p Payload) error

func (f DelivererFunc) Deliver(ctx context.Context, d Destination, p Payload) error {
	return f(ctx, d, p)
}

// HTTPDeliverer POSTs payloads as JSON to the destination endpoint.
type HTTPDeliverer struct {
	client *http.Client
}

// NewHTTPDeliverer creates a deliverer. Per-destination timeouts are applied
// through the request context.
func NewHTTPDeliverer() *HTTPDeliverer {
	return &HTTPDeliverer{client: &http.Client{}}
}

// Deliver classifies network errors, timeouts, 429 and 5xx as transient and
// any other non-2xx status as a hard rejection.
func (h *HTTPDeliverer) Deliver(ctx context.Context, d Destination, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return &TerminalError{Op: "encode payload", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, "POST", d.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &TerminalError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.SignalID)

	resp, err := h.client.Do(req)
	if err != nil {
		// Network failures and timeouts.
		return &TransientError{Op: "deliver", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Op: "deliver", Err: fmt.Errorf("endpoint status %d", resp.StatusCode)}
	default:
		return &TerminalError{Op: "deliver", Err: fmt.Errorf("endpoint rejected signal: status %d", resp.StatusCode)}
	}
}

// ExportResult reports the delivery state of a signal.
type ExportResult struct {
	SignalID       string `json:"signal_id"`
	Destination    string `json:"destination"`
	ExportStatus   string `json:"export_status"`
	Attempts       int    `json:"attempts"`
	LastExportedAt *int64 `json:"last_exported_at,omitempty"`
	Error          string `json:"error,omitempty"`
}

func exportResult(s *store.Signal) *ExportResult {
	return &ExportResult{
		SignalID:       s.ID,
		Destination:    s.Destination,
		ExportStatus:   s.ExportStatus,
		Attempts:       s.ExportAttempts,
		LastExportedAt: s.LastExportedAt,
		Error:          s.Reason,
	}
}

// Export delivers a Routed signal to its destination, retrying transient
// failures up to the configured attempt cap. An Exported signal is returned
// as-is without redelivery; a Failed export is retried from a fresh attempt
// budget. Delivery failure is reported in the result, not as an error.
// Cancelling ctx leaves the signal as it was before the interrupted attempt.
func (e *Engine) Export(ctx context.Context, id string) (*ExportResult, error) {
	ctx, span := e.startSpan(ctx, "engine.Export", id)
	res, err := e.export(ctx, id, true)
	endSpan(span, err)
	return res, err
}

// exportAuto is the export stage's entry point. It only delivers signals
// still Unexported and never resets the attempt counter, so a signal queued
// twice cannot earn a second attempt budget in the background.
func (e *Engine) exportAuto(ctx context.Context, id string) (*ExportResult, error) {
	ctx, span := e.startSpan(ctx, "engine.exportAuto", id)
	res, err := e.export(ctx, id, false)
	endSpan(span, err)
	return res, err
}

func (e *Engine) export(ctx context.Context, id string, manual bool) (*ExportResult, error) {
	log := e.logger("export").With("id", id)

	// The guard is held before the read so no caller delivers from a
	// snapshot taken while another delivery was in flight.
	if _, busy := e.exporting.LoadOrStore(id, struct{}{}); busy {
		return nil, ErrExportInFlight
	}
	defer e.exporting.Delete(id)

	s, err := e.DB.GetSignal(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != store.StatusRouted {
		return nil, invalidf("status", "signal not exportable in status %s", s.Status)
	}
	if s.ExportStatus == store.ExportExported {
		return exportResult(s), nil
	}
	if s.ExportStatus == store.ExportFailed && !manual {
		return exportResult(s), nil
	}
	d, ok := e.Destination(s.Destination)
	if !ok {
		return nil, invalidf("destination", "destination %q is no longer configured", s.Destination)
	}

	payload, err := e.payload(ctx, s)
	if err != nil {
		return nil, err
	}

	attempts := s.ExportAttempts
	if attempts >= e.cfg.Export.MaxAttempts && !manual {
		return exportResult(s), nil
	}
	if s.ExportStatus == store.ExportFailed {
		log.Info("manual re-export, attempt counter reset", "previous_attempts", attempts)
		attempts = 0
	}

	maxAttempts := e.cfg.Export.MaxAttempts
	for {
		attempts++
		deliverErr := e.deliverOnce(ctx, d, payload)
		if deliverErr != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		next := *s
		next.ExportAttempts = attempts
		attempt := &store.ExportAttempt{SignalID: id, Destination: d.Name, Attempt: attempts}
		terminal := false

		switch {
		case deliverErr == nil:
			now := e.nowMillis()
			next.ExportStatus = store.ExportExported
			next.LastExportedAt = &now
			next.Reason = ""
			attempt.Outcome = store.AttemptDelivered
			terminal = true
		case IsTerminal(deliverErr) || attempts >= maxAttempts:
			now := e.nowMillis()
			next.ExportStatus = store.ExportFailed
			next.LastExportedAt = &now
			next.Reason = truncate(deliverErr.Error(), 500)
			attempt.Outcome = store.AttemptTransient
			if IsTerminal(deliverErr) {
				attempt.Outcome = store.AttemptRejected
			}
			attempt.Error = next.Reason
			terminal = true
		default:
			next.ExportStatus = store.ExportUnexported
			next.Reason = truncate(deliverErr.Error(), 500)
			attempt.Outcome = store.AttemptTransient
			attempt.Error = next.Reason
		}

		if err := e.DB.UpdateSignal(ctx, s, &next); err != nil {
			return nil, err
		}
		if err := e.DB.AddExportAttempt(ctx, attempt); err != nil {
			log.Warn("record export attempt", "err", err)
		}
		s = &next

		if terminal {
			if next.ExportStatus == store.ExportExported {
				log.Info("signal exported", "destination", d.Name, "attempts", attempts)
			} else {
				log.Warn("export failed", "destination", d.Name, "attempts", attempts, "reason", next.Reason)
			}
			return exportResult(s), nil
		}

		log.Debug("export attempt failed", "attempt", attempts, "err", deliverErr)
		if err := e.backoff(ctx, attempts-1); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) deliverOnce(ctx context.Context, d Destination, p Payload) error {
	if d.Endpoint == "" {
		return nil
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = exportTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.deliverer.Deliver(ctx, d, p)
}

func (e *Engine) payload(ctx context.Context, s *store.Signal) (Payload, error) {
	enrichments, err := e.DB.Enrichments(ctx, s.ID)
	if err != nil {
		return Payload{}, err
	}
	p := Payload{
		SignalID:    s.ID,
		Source:      s.Source,
		RawContent:  s.RawContent,
		Metadata:    s.Metadata,
		CollectedAt: s.CollectedAt,
		Entities:    s.Entities,
		GrowthType:  s.GrowthType,
		Destination: s.Destination,
		Enrichments: enrichments,
	}
	if s.Score != nil {
		p.Score = *s.Score
	}
	if s.Confidence != nil {
		p.Confidence = *s.Confidence
	}
	return p, nil
}

// exportTimeout is the fallback per-attempt timeout for destinations without one.
const exportTimeout = 10 * time.Second
