package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/lazypower/signalcore/internal/store"
)

// MemoryUpsert is a request to create or merge a memory object.
type MemoryUpsert struct {
	Term            string
	Definition      string
	Confidence      int
	Source          string
	Tags            []string
	ContextExamples []store.ContextExample
}

// UpsertMemory creates or merges the memory object for a term. Writes to the
// same term never interleave; a lost update guard is retried from a fresh read.
func (e *Engine) UpsertMemory(ctx context.Context, in MemoryUpsert) (*store.MemoryObject, bool, error) {
	ctx, span := e.startSpan(ctx, "engine.UpsertMemory", "")
	m, created, err := e.upsertMemory(ctx, in)
	endSpan(span, err)
	return m, created, err
}

func (e *Engine) upsertMemory(ctx context.Context, in MemoryUpsert) (*store.MemoryObject, bool, error) {
	term := strings.TrimSpace(in.Term)
	if term == "" {
		return nil, false, invalidf("term", "must not be empty")
	}
	if in.Confidence < 0 || in.Confidence > 100 {
		return nil, false, invalidf("confidence", "must be within 0..100, got %d", in.Confidence)
	}

	unlock := e.terms.Lock(store.TermKey(term))
	defer unlock()

	for attempt := 0; ; attempt++ {
		m := &store.MemoryObject{
			Term:            term,
			Definition:      strings.TrimSpace(in.Definition),
			Confidence:      in.Confidence,
			Source:          in.Source,
			Tags:            in.Tags,
			ContextExamples: in.ContextExamples,
		}
		created, err := e.DB.UpsertMemory(ctx, m)
		if errors.Is(err, store.ErrConflict) && attempt < 5 {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		e.logger("memory").Info("memory upserted", "id", m.ID, "term", m.Term, "created", created)
		return m, created, nil
	}
}

// SearchMemory queries the lexicon.
func (e *Engine) SearchMemory(ctx context.Context, q store.MemoryQuery) ([]store.MemoryObject, error) {
	if q.MinConfidence < 0 || q.MinConfidence > 100 {
		return nil, invalidf("min_confidence", "must be within 0..100, got %d", q.MinConfidence)
	}
	out, err := e.DB.SearchMemory(ctx, q)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []store.MemoryObject{}
	}
	return out, nil
}
