package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/lazypower/signalcore/internal/store"
)

// Growth signal types.
const (
	GrowthAwareness   = "Awareness"
	GrowthAcquisition = "Acquisition"
	GrowthActivation  = "Activation"
	GrowthRetention   = "Retention"
	GrowthReferral    = "Referral"
	GrowthRevenue     = "Revenue"
)

// GrowthTypes is the fixed set of canonical growth signal types.
var GrowthTypes = []string{
	GrowthAwareness, GrowthAcquisition, GrowthActivation,
	GrowthRetention, GrowthReferral, GrowthRevenue,
}

// ParseGrowthType returns the canonical growth type for s, matched
// case-insensitively.
func ParseGrowthType(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, gt := range GrowthTypes {
		if strings.EqualFold(gt, s) {
			return gt, true
		}
	}
	return "", false
}

// growthRules are checked in order; the first match wins.
var growthRules = []struct {
	growthType string
	pattern    *regexp.Regexp
}{
	{GrowthRetention, regexp.MustCompile(`\b(cancel\w*|churn\w*|renew\w*|unsubscrib\w*|refund\w*|switching|still using)\b`)},
	{GrowthRevenue, regexp.MustCompile(`\b(pricing|price|purchase[ds]?|buy|bought|upgrade[ds]?|invoice|subscription|paid|pay)\b`)},
	{GrowthReferral, regexp.MustCompile(`\b(recommend\w*|referr?\w*|told my friends?|invit\w*|word of mouth)\b`)},
	{GrowthActivation, regexp.MustCompile(`\b(onboarding|signed up|sign up|setup|set up|first time|getting started|tutorial)\b`)},
	{GrowthAcquisition, regexp.MustCompile(`\b(free trial|trial|demo|alternative to|looking for|compared? to|vs\.?)\b`)},
	{GrowthAwareness, regexp.MustCompile(`\b(heard (of|about)|announc(e|ed|ement)|launch(ed|es)?|news|trending|mentioned)\b`)},
}

// classifyGrowth maps content and metadata to a growth type. A valid
// growth_type metadata hint wins over keyword rules. Returns "" when nothing
// matches.
func classifyGrowth(content string, metadata map[string]string) string {
	if gt, ok := ParseGrowthType(metadata["growth_type"]); ok {
		return gt
	}
	lower := strings.ToLower(content)
	for _, r := range growthRules {
		if r.pattern.MatchString(lower) {
			return r.growthType
		}
	}
	return ""
}

func mappable(status string) bool {
	switch status {
	case store.StatusScored, store.StatusMapped, store.StatusRouted:
		return true
	}
	return false
}

// Map assigns growthType to a signal (manual mode). Re-mapping is allowed and
// the last write wins; every assignment is appended to the mapping audit.
func (e *Engine) Map(ctx context.Context, id, growthType string) (*store.Signal, error) {
	ctx, span := e.startSpan(ctx, "engine.Map", id)
	s, err := e.assignGrowth(ctx, id, growthType, "manual")
	endSpan(span, err)
	return s, err
}

// AutoMap classifies a signal by keyword rules. A signal that already has a
// growth type is left alone. Returns mapped=false when no rule matches.
func (e *Engine) AutoMap(ctx context.Context, id string) (growthType string, mapped bool, err error) {
	s, err := e.DB.GetSignal(ctx, id)
	if err != nil {
		return "", false, err
	}
	if s.GrowthType != "" {
		return s.GrowthType, false, nil
	}
	gt := classifyGrowth(s.RawContent, s.Metadata)
	if gt == "" {
		return "", false, nil
	}
	if _, err := e.assignGrowth(ctx, id, gt, "auto"); err != nil {
		return "", false, err
	}
	return gt, true, nil
}

func (e *Engine) assignGrowth(ctx context.Context, id, growthType, mode string) (*store.Signal, error) {
	gt, ok := ParseGrowthType(growthType)
	if !ok {
		return nil, invalidf("growth_type", "unknown growth type %q", growthType)
	}

	for attempt := 0; ; attempt++ {
		s, err := e.DB.GetSignal(ctx, id)
		if err != nil {
			return nil, err
		}
		if !mappable(s.Status) {
			return nil, invalidf("status", "signal not mappable in status %s", s.Status)
		}
		next := *s
		next.GrowthType = gt
		if s.Status == store.StatusScored {
			next.Status = store.StatusMapped
		}
		err = e.DB.MapSignal(ctx, s, &next, mode)
		if errors.Is(err, store.ErrConflict) && attempt < 3 {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.logger("mapper").Info("growth type assigned", "id", id, "growth_type", gt, "mode", mode)
		return &next, nil
	}
}
