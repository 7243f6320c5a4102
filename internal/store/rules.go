package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Rule is a named optimization rule evaluated by the decision engine.
type Rule struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	TargetMetric string `json:"target_metric"` // "score" or "confidence"
	Operator     string `json:"operator"`
	Threshold    int    `json:"threshold"`
	Outcome      string `json:"outcome"`
	Active       bool   `json:"active"`
	LastRun      *int64 `json:"last_run,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// DecisionLog is an append-only record of a rule's effect on a signal.
type DecisionLog struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	SignalID  string `json:"signal_id"`
	RuleName  string `json:"rule_name"`
	Outcome   string `json:"outcome"`
}

// DecisionFilter filters decision log listings.
type DecisionFilter struct {
	SignalID string
	RuleName string
	Limit    int
	Offset   int
}

const ruleCols = `id, name, target_metric, operator, threshold, outcome, active, last_run, created_at`

func scanRule(scanner interface{ Scan(dest ...any) error }) (*Rule, error) {
	var r Rule
	var active int
	var lastRun sql.NullInt64
	if err := scanner.Scan(&r.ID, &r.Name, &r.TargetMetric, &r.Operator, &r.Threshold, &r.Outcome,
		&active, &lastRun, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Active = active != 0
	if lastRun.Valid {
		r.LastRun = &lastRun.Int64
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateRule inserts a rule. Rule ids increase in declaration order.
func (db *DB) CreateRule(ctx context.Context, r *Rule) error {
	now := time.Now().UnixMilli()
	result, err := db.ExecContext(ctx, `
		INSERT INTO rules (name, target_metric, operator, threshold, outcome, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Name, r.TargetMetric, r.Operator, r.Threshold, r.Outcome, boolInt(r.Active), now)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	r.ID, _ = result.LastInsertId()
	r.CreatedAt = now
	return nil
}

// UpsertRule creates a rule or updates the definition of an existing rule with
// the same name. The existing id (and thus evaluation order) is kept.
func (db *DB) UpsertRule(ctx context.Context, r *Rule) error {
	existing, err := db.GetRuleByName(ctx, r.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		return db.CreateRule(ctx, r)
	}
	_, err = db.ExecContext(ctx, `
		UPDATE rules SET target_metric = ?, operator = ?, threshold = ?, outcome = ?, active = ?
		WHERE id = ?
	`, r.TargetMetric, r.Operator, r.Threshold, r.Outcome, boolInt(r.Active), existing.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	r.ID = existing.ID
	r.CreatedAt = existing.CreatedAt
	r.LastRun = existing.LastRun
	return nil
}

// GetRule returns a rule by id, or ErrNotFound.
func (db *DB) GetRule(ctx context.Context, id int64) (*Rule, error) {
	r, err := scanRule(db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// GetRuleByName returns a rule by name, or nil.
func (db *DB) GetRuleByName(ctx context.Context, name string) (*Rule, error) {
	r, err := scanRule(db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM rules WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rule by name: %w", err)
	}
	return r, nil
}

// ListRules returns rules in declaration (id) order. With activeOnly, inactive
// rules are skipped.
func (db *DB) ListRules(ctx context.Context, activeOnly bool) ([]Rule, error) {
	query := `SELECT ` + ruleCols + ` FROM rules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetRuleActive toggles a rule. The change is picked up by the next
// evaluation cycle.
func (db *DB) SetRuleActive(ctx context.Context, id int64, active bool) error {
	result, err := db.ExecContext(ctx, `UPDATE rules SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecordEvaluation stamps last_run on the evaluated rules and appends the
// produced decision logs in one transaction.
func (db *DB) RecordEvaluation(ctx context.Context, ruleIDs []int64, logs []DecisionLog) ([]DecisionLog, error) {
	now := time.Now().UnixMilli()
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ruleIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE rules SET last_run = ? WHERE id = ?`, now, id); err != nil {
				return fmt.Errorf("stamp rule %d: %w", id, err)
			}
		}
		for i := range logs {
			if logs[i].Timestamp == 0 {
				logs[i].Timestamp = now
			}
			result, err := tx.ExecContext(ctx, `
				INSERT INTO decision_logs (timestamp, signal_id, rule_name, outcome) VALUES (?, ?, ?, ?)
			`, logs[i].Timestamp, logs[i].SignalID, logs[i].RuleName, logs[i].Outcome)
			if err != nil {
				return fmt.Errorf("insert decision log: %w", err)
			}
			logs[i].ID, _ = result.LastInsertId()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// ListDecisions returns decision logs matching the filter, newest first.
func (db *DB) ListDecisions(ctx context.Context, f DecisionFilter) ([]DecisionLog, error) {
	query := `SELECT id, timestamp, signal_id, rule_name, outcome FROM decision_logs WHERE 1=1`
	var args []any
	if f.SignalID != "" {
		query += ` AND signal_id = ?`
		args = append(args, f.SignalID)
	}
	if f.RuleName != "" {
		query += ` AND rule_name = ?`
		args = append(args, f.RuleName)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionLog
	for rows.Next() {
		var d DecisionLog
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.SignalID, &d.RuleName, &d.Outcome); err != nil {
			return nil, fmt.Errorf("scan decision log: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
