package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MemoryObject is a semantic term in the brand lexicon.
type MemoryObject struct {
	ID              string           `json:"id"`
	Term            string           `json:"term"`
	TermKey         string           `json:"-"`
	Definition      string           `json:"definition"`
	Confidence      int              `json:"confidence"`
	Source          string           `json:"source"`
	Tags            []string         `json:"tags"`
	ContextExamples []ContextExample `json:"context_examples"`
	CreatedAt       int64            `json:"created_at"`
	UpdatedAt       int64            `json:"updated_at"`
}

// ContextExample is a quoted snippet showing a term in use.
type ContextExample struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// MemoryQuery filters a memory search. Tags match if the object carries at
// least one of them.
type MemoryQuery struct {
	Query         string
	MinConfidence int
	Tags          []string
	Limit         int
	Offset        int
}

func (q MemoryQuery) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	if q.Limit > 200 {
		return 200
	}
	return q.Limit
}

// searchFold lowercases text for substring search. SQLite's lower() only folds
// ASCII, so the folded copies are written alongside the originals.
func searchFold(s string) string {
	return strings.ToLower(s)
}

// TermKey normalizes a term for lookup: lowercase, trimmed, single-spaced.
func TermKey(term string) string {
	return strings.Join(strings.Fields(strings.ToLower(term)), " ")
}

// NormalizeTags lowercases, trims, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MergeContextExamples appends incoming examples to existing ones, skipping
// any whose text is already present. Order of first appearance is kept.
func MergeContextExamples(existing, incoming []ContextExample) []ContextExample {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]ContextExample, 0, len(existing)+len(incoming))
	for _, list := range [][]ContextExample{existing, incoming} {
		for _, ex := range list {
			if strings.TrimSpace(ex.Text) == "" || seen[ex.Text] {
				continue
			}
			seen[ex.Text] = true
			out = append(out, ex)
		}
	}
	return out
}

const memoryCols = `id, term, term_key, definition, confidence, source, tags, context_examples, created_at, updated_at`

func scanMemory(scanner interface{ Scan(dest ...any) error }) (*MemoryObject, error) {
	var m MemoryObject
	var tags, examples string
	if err := scanner.Scan(&m.ID, &m.Term, &m.TermKey, &m.Definition, &m.Confidence, &m.Source,
		&tags, &examples, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(examples), &m.ContextExamples); err != nil {
		return nil, fmt.Errorf("decode context examples for %s: %w", m.ID, err)
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if m.ContextExamples == nil {
		m.ContextExamples = []ContextExample{}
	}
	return &m, nil
}

// GetMemory returns a memory object by id, or ErrNotFound.
func (db *DB) GetMemory(ctx context.Context, id string) (*MemoryObject, error) {
	row := db.QueryRowContext(ctx, `SELECT `+memoryCols+` FROM memory_objects WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory object %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// GetMemoryByTerm returns the memory object for a term (normalized), or nil.
func (db *DB) GetMemoryByTerm(ctx context.Context, term string) (*MemoryObject, error) {
	return getMemoryByKey(ctx, db, TermKey(term))
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMemoryByKey(ctx context.Context, q queryRower, key string) (*MemoryObject, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memoryCols+` FROM memory_objects WHERE term_key = ?`, key)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory by term: %w", err)
	}
	return m, nil
}

// BestMemoryMatch returns the highest-confidence object whose normalized term
// equals key and whose confidence is at least minConfidence, or nil.
func (db *DB) BestMemoryMatch(ctx context.Context, key string, minConfidence int) (*MemoryObject, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+memoryCols+` FROM memory_objects
		WHERE term_key = ? AND confidence >= ?
		ORDER BY confidence DESC, term LIMIT 1
	`, key, minConfidence)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("best memory match: %w", err)
	}
	return m, nil
}

// UpsertMemory creates the object for in.Term or merges into the existing one.
// Definition, confidence, source and tags are replaced; context examples are
// appended and deduplicated by exact text. The update is guarded by the
// previously read updated_at, so a concurrent writer yields ErrConflict.
// On return in holds the stored object.
func (db *DB) UpsertMemory(ctx context.Context, in *MemoryObject) (created bool, err error) {
	in.TermKey = TermKey(in.Term)
	in.Tags = NormalizeTags(in.Tags)

	existing, err := getMemoryByKey(ctx, db, in.TermKey)
	if err != nil {
		return false, err
	}

	now := time.Now().UnixMilli()
	if existing == nil {
		return true, db.insertMemory(ctx, in, now)
	}

	merged := *existing
	merged.Term = in.Term
	merged.Definition = in.Definition
	merged.Confidence = in.Confidence
	merged.Source = in.Source
	merged.Tags = in.Tags
	merged.ContextExamples = MergeContextExamples(existing.ContextExamples, in.ContextExamples)
	merged.UpdatedAt = now
	if merged.UpdatedAt <= existing.UpdatedAt {
		merged.UpdatedAt = existing.UpdatedAt + 1
	}

	if err := db.replaceMemory(ctx, &merged, existing.UpdatedAt); err != nil {
		return false, err
	}
	*in = merged
	return false, nil
}

func (db *DB) insertMemory(ctx context.Context, m *MemoryObject, now int64) error {
	if m.ID == "" {
		m.ID = "mem_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	}
	m.ContextExamples = MergeContextExamples(nil, m.ContextExamples)
	tags, examples, err := memoryJSON(m)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO memory_objects (`+memoryCols+`, term_search, definition_search)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Term, m.TermKey, m.Definition, m.Confidence, m.Source, tags, examples, now, now,
		searchFold(m.Term), searchFold(m.Definition))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			// Lost an insert race for the same term; caller retries as an update.
			return fmt.Errorf("insert memory %q: %w", m.Term, ErrConflict)
		}
		return fmt.Errorf("insert memory: %w", err)
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (db *DB) replaceMemory(ctx context.Context, m *MemoryObject, expectUpdatedAt int64) error {
	tags, examples, err := memoryJSON(m)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, `
		UPDATE memory_objects SET term = ?, definition = ?, confidence = ?, source = ?,
			tags = ?, context_examples = ?, updated_at = ?, term_search = ?, definition_search = ?
		WHERE id = ? AND updated_at = ?
	`, m.Term, m.Definition, m.Confidence, m.Source, tags, examples, m.UpdatedAt,
		searchFold(m.Term), searchFold(m.Definition), m.ID, expectUpdatedAt)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("memory %s: %w", m.ID, ErrConflict)
	}
	return nil
}

func memoryJSON(m *MemoryObject) (string, string, error) {
	tags, err := marshalJSON(m.Tags, "[]")
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	examples, err := marshalJSON(m.ContextExamples, "[]")
	if err != nil {
		return "", "", fmt.Errorf("encode context examples: %w", err)
	}
	return tags, examples, nil
}

// SearchMemory matches q.Query as a case-insensitive substring of term or
// definition, filtered by minimum confidence and tag intersection, ordered by
// confidence descending then term ascending.
func (db *DB) SearchMemory(ctx context.Context, q MemoryQuery) ([]MemoryObject, error) {
	conds := []string{"confidence >= ?"}
	args := []any{q.MinConfidence}

	if query := strings.TrimSpace(q.Query); query != "" {
		pattern := "%" + escapeLike(searchFold(query)) + "%"
		conds = append(conds, `(term_search LIKE ? ESCAPE '\' OR definition_search LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	if tags := NormalizeTags(q.Tags); len(tags) > 0 {
		conds = append(conds, `EXISTS (SELECT 1 FROM json_each(memory_objects.tags) WHERE json_each.value IN (`+placeholders(len(tags))+`))`)
		for _, t := range tags {
			args = append(args, t)
		}
	}

	args = append(args, q.limit(), q.Offset)
	rows, err := db.QueryContext(ctx, `
		SELECT `+memoryCols+` FROM memory_objects
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY confidence DESC, term ASC LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var out []MemoryObject
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
