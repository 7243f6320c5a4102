package engine

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

var (
	hashtagRe = regexp.MustCompile(`#([\p{L}\p{N}_]{2,})`)
	mentionRe = regexp.MustCompile(`@([\p{L}\p{N}_]{2,})`)
	wordRe    = regexp.MustCompile(`[\p{L}\p{N}'’-]+`)
)

// intensityTerms raise the score of a signal that asks for action.
var intensityTerms = map[string]int{
	"urgent": 8, "broken": 8, "outage": 8, "down": 5, "bug": 5,
	"cancel": 8, "refund": 8, "churn": 8, "switching": 6,
	"love": 5, "hate": 6, "amazing": 4, "terrible": 6,
	"pricing": 6, "buy": 6, "upgrade": 6, "recommend": 5,
}

// capitalStop lists capitalized words that do not name anything.
var capitalStop = map[string]bool{
	"i": true, "the": true, "a": true, "an": true, "this": true, "that": true,
	"it": true, "we": true, "my": true, "our": true, "you": true, "and": true,
	"but": true, "so": true, "just": true, "if": true, "when": true, "is": true,
}

// HeuristicScorer is the default rule-based scorer. Entities are hashtags,
// mentions, and runs of capitalized words; the score rewards entity density,
// action words, and substance.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(ctx context.Context, in ScoreInput) (ScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return ScoreResult{}, err
	}
	entities := extractEntities(in.Content)

	score := 20 + min(len(entities)*10, 40)
	words := wordRe.FindAllString(strings.ToLower(in.Content), -1)
	intensity := 0
	for _, w := range words {
		intensity += intensityTerms[w]
	}
	score += min(intensity, 25)
	score += min(len(words)/5, 15)

	confidence := 40 + min(len(entities)*10, 40)
	if len(words) >= 12 {
		confidence += 10
	}

	return ScoreResult{
		Score:      clampPercent(score),
		Confidence: clampPercent(confidence),
		Entities:   entities,
	}, nil
}

func extractEntities(content string) []string {
	var out []string
	for _, m := range hashtagRe.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	for _, m := range mentionRe.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}

	// Runs of capitalized words form one entity ("Brand Voice").
	var run []string
	flush := func() {
		if len(run) > 0 {
			out = append(out, strings.Join(run, " "))
			run = run[:0]
		}
	}
	for _, field := range strings.Fields(content) {
		if strings.HasPrefix(field, "#") || strings.HasPrefix(field, "@") {
			flush()
			continue
		}
		word := strings.TrimFunc(field, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		r := []rune(word)
		if len(r) >= 2 && unicode.IsUpper(r[0]) && !capitalStop[strings.ToLower(word)] {
			run = append(run, word)
		} else {
			flush()
		}
		// Sentence punctuation ends a run.
		if strings.ContainsAny(field[len(field)-1:], ".,!?;:") {
			flush()
		}
	}
	flush()
	return dedupeEntities(out)
}
