package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/signalcore/internal/store"
)

var validMetrics = map[string]bool{"score": true, "confidence": true}

var validOperators = map[string]bool{">=": true, ">": true, "<=": true, "<": true, "==": true}

// ValidateRule checks a rule definition.
func ValidateRule(r *store.Rule) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return invalidf("name", "must not be empty")
	}
	if !validMetrics[r.TargetMetric] {
		return invalidf("target_metric", "must be score or confidence, got %q", r.TargetMetric)
	}
	if !validOperators[r.Operator] {
		return invalidf("operator", "unsupported operator %q", r.Operator)
	}
	if r.Threshold < 0 || r.Threshold > 100 {
		return invalidf("threshold", "must be within 0..100, got %d", r.Threshold)
	}
	if strings.TrimSpace(r.Outcome) == "" {
		return invalidf("outcome", "must not be empty")
	}
	return nil
}

// ruleMatches reports whether r fires for s. Signals without the target
// metric never match.
func ruleMatches(r store.Rule, s *store.Signal) bool {
	var v *int
	switch r.TargetMetric {
	case "score":
		v = s.Score
	case "confidence":
		v = s.Confidence
	}
	if v == nil {
		return false
	}
	switch r.Operator {
	case ">=":
		return *v >= r.Threshold
	case ">":
		return *v > r.Threshold
	case "<=":
		return *v <= r.Threshold
	case "<":
		return *v < r.Threshold
	case "==":
		return *v == r.Threshold
	}
	return false
}

// Evaluate runs the active rules against one signal.
func (e *Engine) Evaluate(ctx context.Context, id string) ([]store.DecisionLog, error) {
	return e.EvaluateCycle(ctx, []string{id})
}

// EvaluateCycle runs one evaluation cycle: active rules are snapshotted once,
// in id order, and applied to every signal. Toggling a rule while the cycle
// runs takes effect on the next cycle. Each matching (signal, rule) pair
// yields exactly one decision log; every evaluated rule has last_run stamped.
func (e *Engine) EvaluateCycle(ctx context.Context, ids []string) ([]store.DecisionLog, error) {
	ctx, span := e.startSpan(ctx, "engine.Evaluate", "")
	logs, err := e.evaluateCycle(ctx, ids)
	endSpan(span, err)
	return logs, err
}

func (e *Engine) evaluateCycle(ctx context.Context, ids []string) ([]store.DecisionLog, error) {
	signals := make([]*store.Signal, 0, len(ids))
	for _, id := range ids {
		s, err := e.DB.GetSignal(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Score == nil {
			return nil, invalidf("status", "signal %s has no score (status %s)", id, s.Status)
		}
		signals = append(signals, s)
	}

	rules, err := e.DB.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return []store.DecisionLog{}, nil
	}

	now := e.nowMillis()
	var logs []store.DecisionLog
	for _, s := range signals {
		for _, r := range rules {
			if ruleMatches(r, s) {
				logs = append(logs, store.DecisionLog{
					Timestamp: now,
					SignalID:  s.ID,
					RuleName:  r.Name,
					Outcome:   r.Outcome,
				})
			}
		}
	}

	ruleIDs := make([]int64, len(rules))
	for i, r := range rules {
		ruleIDs[i] = r.ID
	}
	logs, err = e.DB.RecordEvaluation(ctx, ruleIDs, logs)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []store.DecisionLog{}
	}
	e.logger("decisions").Debug("evaluation cycle", "signals", len(signals), "rules", len(rules), "decisions", len(logs))
	return logs, nil
}

// CreateRule validates and stores a new rule.
func (e *Engine) CreateRule(ctx context.Context, r *store.Rule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	existing, err := e.DB.GetRuleByName(ctx, r.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return invalidf("name", "rule %q already exists", r.Name)
	}
	return e.DB.CreateRule(ctx, r)
}

// SetRuleActive enables or disables a rule from the next cycle on.
func (e *Engine) SetRuleActive(ctx context.Context, id int64, active bool) (*store.Rule, error) {
	if err := e.DB.SetRuleActive(ctx, id, active); err != nil {
		return nil, err
	}
	e.logger("decisions").Info("rule toggled", "rule", id, "active", active)
	return e.DB.GetRule(ctx, id)
}

type rulesFile struct {
	Rules []ruleSeed `yaml:"rules"`
}

type ruleSeed struct {
	Name         string `yaml:"name"`
	TargetMetric string `yaml:"target_metric"`
	Operator     string `yaml:"operator"`
	Threshold    int    `yaml:"threshold"`
	Outcome      string `yaml:"outcome"`
	Active       *bool  `yaml:"active"` // defaults to true
}

// ParseRules decodes a YAML rules document.
func ParseRules(data []byte) ([]store.Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	rules := make([]store.Rule, 0, len(f.Rules))
	for i, seed := range f.Rules {
		r := store.Rule{
			Name:         seed.Name,
			TargetMetric: seed.TargetMetric,
			Operator:     seed.Operator,
			Threshold:    seed.Threshold,
			Outcome:      seed.Outcome,
			Active:       seed.Active == nil || *seed.Active,
		}
		if err := ValidateRule(&r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// SeedRules upserts the rules in a YAML file by name, in file order, so new
// rules get ids in declaration order.
func (e *Engine) SeedRules(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return 0, err
	}
	for i := range rules {
		if err := e.DB.UpsertRule(ctx, &rules[i]); err != nil {
			return i, err
		}
	}
	e.logger("decisions").Info("rules seeded", "path", path, "count", len(rules))
	return len(rules), nil
}
