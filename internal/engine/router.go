package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/signalcore/internal/config"
	"github.com/lazypower/signalcore/internal/store"
)

// ErrUnknownDestination is reported for routes to a name outside the
// configured destination set.
var ErrUnknownDestination = errors.New("unknown destination")

// Destination is a configured routing target.
type Destination struct {
	Name               string        `json:"name"`
	MinScore           int           `json:"min_score"`
	AllowedSources     []string      `json:"allowed_sources,omitempty"`
	RequiresGrowthType bool          `json:"requires_growth_type"`
	Endpoint           string        `json:"endpoint,omitempty"`
	Timeout            time.Duration `json:"timeout"`
}

func destinationFromConfig(d config.DestinationConfig, defaultTimeout time.Duration) Destination {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return Destination{
		Name:               d.Name,
		MinScore:           d.MinScore,
		AllowedSources:     d.AllowedSources,
		RequiresGrowthType: d.RequiresGrowthType,
		Endpoint:           d.Endpoint,
		Timeout:            timeout,
	}
}

// RouteResult is the per-signal outcome of a Route call.
type RouteResult struct {
	SignalID    string `json:"signal_id"`
	Destination string `json:"destination"`
	Status      string `json:"status,omitempty"`
	Noop        bool   `json:"noop,omitempty"`
	Error       string `json:"error,omitempty"`
}

// GuardResult represents the outcome of an admission check.
type GuardResult struct {
	Allowed bool
	Reason  string // populated when not allowed
}

// Destinations returns the configured destinations in declaration order.
func (e *Engine) Destinations() []Destination {
	return append([]Destination(nil), e.destinations...)
}

// Destination looks up a destination by exact name.
func (e *Engine) Destination(name string) (Destination, bool) {
	for _, d := range e.destinations {
		if d.Name == name {
			return d, true
		}
	}
	return Destination{}, false
}

// CanAdmit evaluates a destination's admission rules for a signal.
// Rule: score at or above MinScore, source on the allow list when one is set.
func CanAdmit(d Destination, s *store.Signal) GuardResult {
	if s.Score == nil || *s.Score < d.MinScore {
		score := "none"
		if s.Score != nil {
			score = fmt.Sprint(*s.Score)
		}
		return GuardResult{Reason: fmt.Sprintf("%s requires score >= %d (have %s)", d.Name, d.MinScore, score)}
	}
	if len(d.AllowedSources) > 0 {
		allowed := false
		for _, src := range d.AllowedSources {
			if strings.EqualFold(src, s.Source) {
				allowed = true
				break
			}
		}
		if !allowed {
			return GuardResult{Reason: fmt.Sprintf("%s does not accept source %s", d.Name, s.Source)}
		}
	}
	return GuardResult{Allowed: true}
}

// Route sends each signal to destination independently; one signal's failure
// never blocks another. An unknown destination fails every signal without
// touching any of them.
func (e *Engine) Route(ctx context.Context, ids []string, destination string) []RouteResult {
	ctx, span := e.startSpan(ctx, "engine.Route", "")
	defer span.End()

	results := make([]RouteResult, 0, len(ids))
	d, ok := e.Destination(destination)
	if !ok {
		for _, id := range ids {
			results = append(results, RouteResult{SignalID: id, Destination: destination, Error: ErrUnknownDestination.Error()})
		}
		return results
	}
	for _, id := range ids {
		results = append(results, e.routeOne(ctx, id, d))
	}
	return results
}

func (e *Engine) routeOne(ctx context.Context, id string, d Destination) RouteResult {
	log := e.logger("router").With("id", id, "destination", d.Name)
	res := RouteResult{SignalID: id, Destination: d.Name}

	for attempt := 0; ; attempt++ {
		s, err := e.DB.GetSignal(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			res.Error = "signal not found"
			return res
		}
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Status = s.Status

		if s.Status == store.StatusRouted && s.Destination == d.Name {
			res.Noop = true
			return res
		}
		switch s.Status {
		case store.StatusScored, store.StatusMapped, store.StatusRouted:
		default:
			res.Error = fmt.Sprintf("signal not routable in status %s", s.Status)
			return res
		}
		if d.RequiresGrowthType && s.GrowthType == "" {
			res.Error = fmt.Sprintf("destination %s requires a growth type", d.Name)
			return res
		}

		next := *s
		if guard := CanAdmit(d, s); !guard.Allowed {
			if s.Status == store.StatusRouted {
				// A rejected override keeps the current routing.
				res.Error = guard.Reason
				return res
			}
			next.Status = store.StatusFailed
			next.Destination = d.Name
			next.Reason = guard.Reason
			err = e.DB.UpdateSignal(ctx, s, &next)
			if err == nil {
				log.Warn("destination rejected signal", "reason", guard.Reason)
				res.Status = next.Status
				res.Error = guard.Reason
				return res
			}
		} else {
			next.Status = store.StatusRouted
			next.Destination = d.Name
			next.ExportStatus = store.ExportUnexported
			next.ExportAttempts = 0
			next.Reason = ""
			err = e.DB.RouteSignal(ctx, s, &next)
			if err == nil {
				log.Info("signal routed", "previous", s.Destination)
				res.Status = next.Status
				if e.cfg.Pipeline.AutoExport {
					if err := e.enqueue(ctx, stageExport, id); err != nil {
						log.Warn("enqueue for export", "err", err)
					}
				}
				return res
			}
		}

		// Lost a race: re-read and decide again.
		if errors.Is(err, store.ErrConflict) && attempt < 3 {
			continue
		}
		res.Error = err.Error()
		return res
	}
}
