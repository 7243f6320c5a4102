package engine

import (
	"context"

	"github.com/lazypower/signalcore/internal/store"
)

// SignalDetail is a signal with its full pipeline history.
type SignalDetail struct {
	*store.Signal
	Enrichments    []store.Enrichment    `json:"enrichments"`
	Routings       []store.Routing       `json:"routings"`
	GrowthMappings []store.GrowthMapping `json:"growth_mappings"`
	ExportHistory  []store.ExportAttempt `json:"export_history"`
	Decisions      []store.DecisionLog   `json:"decisions"`
}

// Detail loads a signal and its history.
func (e *Engine) Detail(ctx context.Context, id string) (*SignalDetail, error) {
	s, err := e.DB.GetSignal(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &SignalDetail{Signal: s}
	if d.Enrichments, err = e.DB.Enrichments(ctx, id); err != nil {
		return nil, err
	}
	if d.Routings, err = e.DB.Routings(ctx, id); err != nil {
		return nil, err
	}
	if d.GrowthMappings, err = e.DB.GrowthMappings(ctx, id); err != nil {
		return nil, err
	}
	if d.ExportHistory, err = e.DB.ExportAttempts(ctx, id); err != nil {
		return nil, err
	}
	if d.Decisions, err = e.DB.ListDecisions(ctx, store.DecisionFilter{SignalID: id, Limit: 500}); err != nil {
		return nil, err
	}
	return d, nil
}
