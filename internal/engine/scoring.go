package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/lazypower/signalcore/internal/llm"
	"github.com/lazypower/signalcore/internal/store"
)

// ScoreInput is what a Scorer sees of a signal.
type ScoreInput struct {
	Source  string
	Content string
}

// ScoreResult is a scorer's verdict. Values outside 0..100 are clamped by the
// engine.
type ScoreResult struct {
	Score      int      `json:"score"`
	Confidence int      `json:"confidence"`
	Entities   []string `json:"entities"`
}

// Scorer computes a score, a confidence and extracted entities for content.
// Implementations must be safe for concurrent use.
type Scorer interface {
	Score(ctx context.Context, in ScoreInput) (ScoreResult, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, in ScoreInput) (ScoreResult, error)

func (f ScorerFunc) Score(ctx context.Context, in ScoreInput) (ScoreResult, error) {
	return f(ctx, in)
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Score runs the scorer against a New signal and applies New -> Scored. Failed
// attempts leave the signal New with the attempt count and reason recorded,
// and are retried with backoff until the attempt budget is spent, at which
// point the signal moves to Failed and a TerminalError is returned.
// Cancelling ctx aborts the current attempt without changing the signal.
func (e *Engine) Score(ctx context.Context, id string) (*store.Signal, error) {
	ctx, span := e.startSpan(ctx, "engine.Score", id)
	s, err := e.score(ctx, id)
	endSpan(span, err)
	return s, err
}

func (e *Engine) score(ctx context.Context, id string) (*store.Signal, error) {
	log := e.logger("scoring").With("id", id)
	maxAttempts := e.cfg.Pipeline.ScoreMaxAttempts

	for {
		s, err := e.DB.GetSignal(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Status != store.StatusNew {
			return s, invalidf("status", "signal not scorable in status %s", s.Status)
		}

		result, enrichments, scoreErr := e.scoreOnce(ctx, s)
		if scoreErr == nil {
			next := *s
			next.Status = store.StatusScored
			next.Score = &result.Score
			next.Confidence = &result.Confidence
			next.Entities = result.Entities
			next.ScoreAttempts = s.ScoreAttempts + 1
			next.Reason = ""
			if err := e.DB.ScoreSignal(ctx, s, &next, enrichments); err != nil {
				return nil, err
			}
			log.Info("signal scored", "score", result.Score, "confidence", result.Confidence,
				"entities", len(result.Entities), "enrichments", len(enrichments))
			return &next, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		next := *s
		next.ScoreAttempts = s.ScoreAttempts + 1
		next.Reason = truncate(scoreErr.Error(), 500)
		exhausted := next.ScoreAttempts >= maxAttempts || IsTerminal(scoreErr)
		if exhausted {
			next.Status = store.StatusFailed
		}
		if err := e.DB.UpdateSignal(ctx, s, &next); err != nil {
			return nil, err
		}

		if exhausted {
			log.Warn("scoring failed", "attempts", next.ScoreAttempts, "reason", next.Reason)
			return &next, &TerminalError{Op: "score", Err: fmt.Errorf("after %d attempts: %w", next.ScoreAttempts, scoreErr)}
		}
		log.Debug("scoring attempt failed", "attempt", next.ScoreAttempts, "err", scoreErr)
		if err := e.backoff(ctx, next.ScoreAttempts-1); err != nil {
			return nil, err
		}
	}
}

// scoreOnce runs one scoring attempt under the per-attempt timeout and
// resolves memory enrichment for the extracted entities. Nothing is written.
func (e *Engine) scoreOnce(ctx context.Context, s *store.Signal) (ScoreResult, []store.Enrichment, error) {
	if timeout := e.cfg.Pipeline.ScoreTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := e.scorer.Score(ctx, ScoreInput{Source: s.Source, Content: s.RawContent})
	if err != nil {
		if IsTerminal(err) {
			return ScoreResult{}, nil, err
		}
		return ScoreResult{}, nil, &TransientError{Op: "scorer", Err: err}
	}
	result.Score = clampPercent(result.Score)
	result.Confidence = clampPercent(result.Confidence)
	result.Entities = dedupeEntities(result.Entities)

	enrichments, err := e.enrich(ctx, result.Entities)
	if err != nil {
		return ScoreResult{}, nil, &TransientError{Op: "enrichment lookup", Err: err}
	}
	return result, enrichments, nil
}

// enrich looks up each entity by normalized term and keeps the best match
// at or above the enrichment threshold.
func (e *Engine) enrich(ctx context.Context, entities []string) ([]store.Enrichment, error) {
	var out []store.Enrichment
	seen := make(map[string]bool)
	for _, ent := range entities {
		m, err := e.DB.BestMemoryMatch(ctx, store.TermKey(ent), e.cfg.Memory.MinEnrichmentConfidence)
		if err != nil {
			return nil, err
		}
		if m == nil || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, store.Enrichment{MemoryID: m.ID, Term: m.Term})
	}
	return out, nil
}

func dedupeEntities(entities []string) []string {
	seen := make(map[string]bool, len(entities))
	out := make([]string, 0, len(entities))
	for _, ent := range entities {
		ent = strings.TrimSpace(ent)
		key := store.TermKey(ent)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ent)
	}
	return out
}

// LLMScorer asks a language model to score a signal.
type LLMScorer struct {
	Client llm.Client
}

// Score prompts the model and parses its JSON verdict. Provider errors that
// will not succeed on retry are returned as TerminalError.
func (l *LLMScorer) Score(ctx context.Context, in ScoreInput) (ScoreResult, error) {
	resp, err := l.Client.Complete(ctx, llm.ScoringPrompt(in.Source, in.Content))
	if err != nil {
		var se *llm.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return ScoreResult{}, &TerminalError{Op: "llm scorer", Err: err}
		}
		return ScoreResult{}, err
	}
	return parseScoreResponse(resp.Content)
}

func parseScoreResponse(content string) (ScoreResult, error) {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ScoreResult{}, fmt.Errorf("no JSON object found in response")
	}

	var raw struct {
		Score      *float64 `json:"score"`
		Confidence *float64 `json:"confidence"`
		Entities   []string `json:"entities"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return ScoreResult{}, fmt.Errorf("unmarshal score: %w", err)
	}
	if raw.Score == nil || raw.Confidence == nil {
		return ScoreResult{}, fmt.Errorf("response missing score or confidence")
	}
	return ScoreResult{
		Score:      int(math.Round(*raw.Score)),
		Confidence: int(math.Round(*raw.Confidence)),
		Entities:   raw.Entities,
	}, nil
}
