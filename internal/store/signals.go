package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signal statuses.
const (
	StatusNew      = "New"
	StatusScored   = "Scored"
	StatusMapped   = "Mapped"
	StatusRouted   = "Routed"
	StatusExported = "Exported"
	StatusFailed   = "Failed"
)

// Export statuses.
const (
	ExportUnexported = "Unexported"
	ExportExported   = "Exported"
	ExportFailed     = "Failed"
)

// Signal is a unit of collected data moving through the pipeline.
type Signal struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	RawContent     string            `json:"raw_content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Fingerprint    string            `json:"fingerprint"`
	CollectedAt    int64             `json:"collected_at"`
	IngestedAt     int64             `json:"ingested_at"`
	Status         string            `json:"status"`
	Score          *int              `json:"score"`
	Confidence     *int              `json:"confidence"`
	Entities       []string          `json:"entities,omitempty"`
	ScoreAttempts  int               `json:"score_attempts"`
	GrowthType     string            `json:"growth_type,omitempty"`
	Destination    string            `json:"destination,omitempty"`
	ExportStatus   string            `json:"export_status"`
	ExportAttempts int               `json:"export_attempts"`
	LastExportedAt *int64            `json:"last_exported_at,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Version        int64             `json:"version"`
	UpdatedAt      int64             `json:"updated_at"`
}

// Enrichment references a MemoryObject a signal was enriched with.
type Enrichment struct {
	SignalID  string `json:"signal_id"`
	MemoryID  string `json:"memory_id"`
	Term      string `json:"term"`
	CreatedAt int64  `json:"created_at"`
}

// SignalFilter is a composable predicate set for listing signals.
// Zero values mean "no constraint".
type SignalFilter struct {
	Status       string
	Source       string
	Destination  string
	GrowthType   string
	ExportStatus string
	MinScore     *int
	MaxScore     *int
	Limit        int
	Offset       int
}

func (f SignalFilter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	if f.Limit > 500 {
		return 500
	}
	return f.Limit
}

// where renders the filter as a SQL WHERE clause and its arguments.
func (f SignalFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		conds = append(conds, "source = ? COLLATE NOCASE")
		args = append(args, f.Source)
	}
	if f.Destination != "" {
		conds = append(conds, "destination = ?")
		args = append(args, f.Destination)
	}
	if f.GrowthType != "" {
		conds = append(conds, "growth_type = ?")
		args = append(args, f.GrowthType)
	}
	if f.ExportStatus != "" {
		conds = append(conds, "export_status = ?")
		args = append(args, f.ExportStatus)
	}
	if f.MinScore != nil {
		conds = append(conds, "score >= ?")
		args = append(args, *f.MinScore)
	}
	if f.MaxScore != nil {
		conds = append(conds, "score <= ?")
		args = append(args, *f.MaxScore)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

const signalCols = `id, source, raw_content, metadata, fingerprint, collected_at, ingested_at, status, score, confidence,
	entities, score_attempts, growth_type, destination, export_status, export_attempts, last_exported_at,
	reason, version, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanSignal(scanner interface{ Scan(dest ...any) error }) (*Signal, error) {
	var (
		s                        Signal
		metadata, entities       string
		score, confidence        sql.NullInt64
		growthType, dest, reason sql.NullString
		lastExported             sql.NullInt64
	)
	err := scanner.Scan(&s.ID, &s.Source, &s.RawContent, &metadata, &s.Fingerprint, &s.CollectedAt,
		&s.IngestedAt, &s.Status, &score, &confidence, &entities, &s.ScoreAttempts, &growthType, &dest,
		&s.ExportStatus, &s.ExportAttempts, &lastExported, &reason, &s.Version, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &s.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", s.ID, err)
		}
	}
	if entities != "" && entities != "[]" {
		if err := json.Unmarshal([]byte(entities), &s.Entities); err != nil {
			return nil, fmt.Errorf("decode entities for %s: %w", s.ID, err)
		}
	}
	if score.Valid {
		v := int(score.Int64)
		s.Score = &v
	}
	if confidence.Valid {
		v := int(confidence.Int64)
		s.Confidence = &v
	}
	if lastExported.Valid {
		s.LastExportedAt = &lastExported.Int64
	}
	s.GrowthType = growthType.String
	s.Destination = dest.String
	s.Reason = reason.String
	return &s, nil
}

func scanSignals(rows *sql.Rows) ([]Signal, error) {
	var signals []Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, *s)
	}
	return signals, rows.Err()
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// InsertSignal persists a new signal in a single statement.
func (db *DB) InsertSignal(ctx context.Context, s *Signal) error {
	now := time.Now().UnixMilli()
	if s.IngestedAt == 0 {
		s.IngestedAt = now
	}
	if s.CollectedAt == 0 {
		s.CollectedAt = s.IngestedAt
	}
	if s.Status == "" {
		s.Status = StatusNew
	}
	if s.ExportStatus == "" {
		s.ExportStatus = ExportUnexported
	}
	metadata, err := marshalJSON(s.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	entities, err := marshalJSON(s.Entities, "[]")
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO signals (id, source, raw_content, metadata, fingerprint, collected_at, ingested_at,
			status, entities, export_status, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`, s.ID, s.Source, s.RawContent, metadata, s.Fingerprint, s.CollectedAt, s.IngestedAt, s.Status,
		entities, s.ExportStatus, now)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	s.Version = 1
	s.UpdatedAt = now
	return nil
}

// GetSignal returns a signal by id, or ErrNotFound.
func (db *DB) GetSignal(ctx context.Context, id string) (*Signal, error) {
	row := db.QueryRowContext(ctx, `SELECT `+signalCols+` FROM signals WHERE id = ?`, id)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return s, nil
}

// FindLiveByFingerprint returns the most recent non-failed signal with the given
// fingerprint ingested at or after since, or nil if none. Collector timestamps
// play no part: a replayed historical record is still a duplicate.
func (db *DB) FindLiveByFingerprint(ctx context.Context, fingerprint string, since int64) (*Signal, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+signalCols+` FROM signals
		WHERE fingerprint = ? AND ingested_at >= ? AND status != 'Failed'
		ORDER BY ingested_at DESC LIMIT 1
	`, fingerprint, since)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by fingerprint: %w", err)
	}
	return s, nil
}

// ListSignals returns signals matching the filter, newest first.
func (db *DB) ListSignals(ctx context.Context, f SignalFilter) ([]Signal, error) {
	where, args := f.where()
	args = append(args, f.limit(), f.Offset)
	rows, err := db.QueryContext(ctx, `
		SELECT `+signalCols+` FROM signals `+where+`
		ORDER BY collected_at DESC, id LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()
	return scanSignals(rows)
}

// CountSignals returns the number of signals matching the filter (ignoring paging).
func (db *DB) CountSignals(ctx context.Context, f SignalFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return n, nil
}

// SignalIDsByStatus returns ids in the given status, oldest first. An empty
// exportStatus matches any export status.
func (db *DB) SignalIDsByStatus(ctx context.Context, status, exportStatus string) ([]string, error) {
	query := `SELECT id FROM signals WHERE status = ?`
	args := []any{status}
	if exportStatus != "" {
		query += ` AND export_status = ?`
		args = append(args, exportStatus)
	}
	query += ` ORDER BY collected_at`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("signal ids by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan signal id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// casSignal writes next's mutable fields iff the row still matches prev's
// status and version. On success next.Version and next.UpdatedAt are advanced.
func casSignal(ctx context.Context, ex execer, prev, next *Signal) error {
	entities, err := marshalJSON(next.Entities, "[]")
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	now := time.Now().UnixMilli()
	result, err := ex.ExecContext(ctx, `
		UPDATE signals SET status = ?, score = ?, confidence = ?, entities = ?, score_attempts = ?,
			growth_type = NULLIF(?, ''), destination = NULLIF(?, ''), export_status = ?, export_attempts = ?,
			last_exported_at = ?, reason = NULLIF(?, ''), version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
	`, next.Status, nullInt(next.Score), nullInt(next.Confidence), entities, next.ScoreAttempts,
		next.GrowthType, next.Destination, next.ExportStatus, next.ExportAttempts,
		nullInt64(next.LastExportedAt), next.Reason, now,
		prev.ID, prev.Status, prev.Version)
	if err != nil {
		return fmt.Errorf("update signal %s: %w", prev.ID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("signal %s (%s v%d): %w", prev.ID, prev.Status, prev.Version, ErrConflict)
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return nil
}

// UpdateSignal applies a compare-and-swap transition from prev to next.
// Returns ErrConflict if another writer moved the signal first.
func (db *DB) UpdateSignal(ctx context.Context, prev, next *Signal) error {
	return casSignal(ctx, db, prev, next)
}

// ScoreSignal applies a scoring transition and records its enrichment
// references in one transaction.
func (db *DB) ScoreSignal(ctx context.Context, prev, next *Signal, enrichments []Enrichment) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := casSignal(ctx, tx, prev, next); err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		for _, e := range enrichments {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO signal_enrichments (signal_id, memory_id, term, created_at)
				VALUES (?, ?, ?, ?)
			`, prev.ID, e.MemoryID, e.Term, now); err != nil {
				return fmt.Errorf("insert enrichment: %w", err)
			}
		}
		return nil
	})
}

// RouteSignal applies a routing transition. When the destination changes, a new
// routing record is appended and the prior one is marked superseded.
func (db *DB) RouteSignal(ctx context.Context, prev, next *Signal) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := casSignal(ctx, tx, prev, next); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE routings SET superseded_at = ? WHERE signal_id = ? AND superseded_at IS NULL
		`, next.UpdatedAt, prev.ID); err != nil {
			return fmt.Errorf("supersede routing: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO routings (signal_id, destination, routed_at) VALUES (?, ?, ?)
		`, prev.ID, next.Destination, next.UpdatedAt); err != nil {
			return fmt.Errorf("insert routing: %w", err)
		}
		return nil
	})
}

// MapSignal applies a growth type assignment and appends it to the mapping audit.
func (db *DB) MapSignal(ctx context.Context, prev, next *Signal, mode string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := casSignal(ctx, tx, prev, next); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO growth_mappings (signal_id, growth_type, previous, mode, mapped_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?)
		`, prev.ID, next.GrowthType, prev.GrowthType, mode, next.UpdatedAt); err != nil {
			return fmt.Errorf("insert growth mapping: %w", err)
		}
		return nil
	})
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Enrichments returns the memory references recorded for a signal.
func (db *DB) Enrichments(ctx context.Context, signalID string) ([]Enrichment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT signal_id, memory_id, term, created_at FROM signal_enrichments
		WHERE signal_id = ? ORDER BY term
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("get enrichments: %w", err)
	}
	defer rows.Close()

	var out []Enrichment
	for rows.Next() {
		var e Enrichment
		if err := rows.Scan(&e.SignalID, &e.MemoryID, &e.Term, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan enrichment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates pipeline state for dashboards.
type Stats struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByExportStatus map[string]int `json:"by_export_status"`
	AvgScore       float64        `json:"avg_score"`
	AvgConfidence  float64        `json:"avg_confidence"`
	HighScore      int            `json:"high_score"`
}

// GetStats returns counts per status and export status plus score averages.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByStatus:       make(map[string]int),
		ByExportStatus: make(map[string]int),
	}

	rows, err := db.QueryContext(ctx, `SELECT status, export_status, COUNT(*) FROM signals GROUP BY status, export_status`)
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var status, export string
		var n int
		if err := rows.Scan(&status, &export, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.ByStatus[status] += n
		st.ByExportStatus[export] += n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(score), 0), COALESCE(AVG(confidence), 0),
			COALESCE(SUM(CASE WHEN score >= 70 THEN 1 ELSE 0 END), 0)
		FROM signals WHERE score IS NOT NULL
	`).Scan(&st.AvgScore, &st.AvgConfidence, &st.HighScore)
	if err != nil {
		return nil, fmt.Errorf("stats averages: %w", err)
	}
	return st, nil
}
