package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Routing is one routing decision for a signal. Re-routing supersedes the
// previous record instead of overwriting it.
type Routing struct {
	ID           int64  `json:"id"`
	SignalID     string `json:"signal_id"`
	Destination  string `json:"destination"`
	RoutedAt     int64  `json:"routed_at"`
	SupersededAt *int64 `json:"superseded_at,omitempty"`
}

// GrowthMapping is one growth type assignment for a signal.
type GrowthMapping struct {
	ID         int64  `json:"id"`
	SignalID   string `json:"signal_id"`
	GrowthType string `json:"growth_type"`
	Previous   string `json:"previous,omitempty"`
	Mode       string `json:"mode"` // "manual" or "auto"
	MappedAt   int64  `json:"mapped_at"`
}

// Export attempt outcomes.
const (
	AttemptDelivered = "delivered"
	AttemptTransient = "transient"
	AttemptRejected  = "rejected"
)

// ExportAttempt records a single delivery attempt.
type ExportAttempt struct {
	ID          int64  `json:"id"`
	SignalID    string `json:"signal_id"`
	Destination string `json:"destination"`
	Attempt     int    `json:"attempt"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	AttemptedAt int64  `json:"attempted_at"`
}

// Routings returns the routing history for a signal, oldest first.
func (db *DB) Routings(ctx context.Context, signalID string) ([]Routing, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, signal_id, destination, routed_at, superseded_at
		FROM routings WHERE signal_id = ? ORDER BY routed_at, id
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("get routings: %w", err)
	}
	defer rows.Close()

	var out []Routing
	for rows.Next() {
		r, err := scanRouting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ActiveRouting returns the current (non-superseded) routing record, or nil.
func (db *DB) ActiveRouting(ctx context.Context, signalID string) (*Routing, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, signal_id, destination, routed_at, superseded_at
		FROM routings WHERE signal_id = ? AND superseded_at IS NULL
		ORDER BY id DESC LIMIT 1
	`, signalID)
	r, err := scanRouting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanRouting(scanner interface{ Scan(dest ...any) error }) (*Routing, error) {
	var r Routing
	var superseded sql.NullInt64
	if err := scanner.Scan(&r.ID, &r.SignalID, &r.Destination, &r.RoutedAt, &superseded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan routing: %w", err)
	}
	if superseded.Valid {
		r.SupersededAt = &superseded.Int64
	}
	return &r, nil
}

// GrowthMappings returns the mapping audit for a signal, oldest first.
func (db *DB) GrowthMappings(ctx context.Context, signalID string) ([]GrowthMapping, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, signal_id, growth_type, previous, mode, mapped_at
		FROM growth_mappings WHERE signal_id = ? ORDER BY mapped_at, id
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("get growth mappings: %w", err)
	}
	defer rows.Close()

	var out []GrowthMapping
	for rows.Next() {
		var m GrowthMapping
		var previous sql.NullString
		if err := rows.Scan(&m.ID, &m.SignalID, &m.GrowthType, &previous, &m.Mode, &m.MappedAt); err != nil {
			return nil, fmt.Errorf("scan growth mapping: %w", err)
		}
		m.Previous = previous.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddExportAttempt appends a delivery attempt record.
func (db *DB) AddExportAttempt(ctx context.Context, a *ExportAttempt) error {
	if a.AttemptedAt == 0 {
		a.AttemptedAt = time.Now().UnixMilli()
	}
	result, err := db.ExecContext(ctx, `
		INSERT INTO export_attempts (signal_id, destination, attempt, outcome, error, attempted_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)
	`, a.SignalID, a.Destination, a.Attempt, a.Outcome, a.Error, a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("add export attempt: %w", err)
	}
	a.ID, _ = result.LastInsertId()
	return nil
}

// ExportAttempts returns all delivery attempts for a signal, oldest first.
func (db *DB) ExportAttempts(ctx context.Context, signalID string) ([]ExportAttempt, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, signal_id, destination, attempt, outcome, error, attempted_at
		FROM export_attempts WHERE signal_id = ? ORDER BY attempted_at, id
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("get export attempts: %w", err)
	}
	defer rows.Close()

	var out []ExportAttempt
	for rows.Next() {
		var a ExportAttempt
		var errText sql.NullString
		if err := rows.Scan(&a.ID, &a.SignalID, &a.Destination, &a.Attempt, &a.Outcome, &errText, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan export attempt: %w", err)
		}
		a.Error = errText.String
		out = append(out, a)
	}
	return out, rows.Err()
}
