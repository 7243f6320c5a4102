package llm

import (
	"fmt"
	"strings"
)

// maxPromptContent bounds the signal text embedded in a prompt.
const maxPromptContent = 4000

// ScoringPrompt generates the prompt asking a model to score a collected signal.
func ScoringPrompt(source, content string) string {
	content = strings.TrimSpace(content)
	if len(content) > maxPromptContent {
		content = content[:maxPromptContent]
	}
	return fmt.Sprintf(`You are a signal scoring system for a brand intelligence pipeline.
Rate how relevant and actionable this collected signal is for the brand team.

SOURCE: %s

SIGNAL:
%s

Return:
- score: 0-100, how actionable the signal is (100 = act now)
- confidence: 0-100, how sure you are of that score
- entities: brand terms, products, people or organizations mentioned, as written

Rules:
- Use integers only
- Entities must appear in the signal text
- Return ONLY a JSON object, no other text

{"score": 0, "confidence": 0, "entities": ["..."]}`, source, content)
}
