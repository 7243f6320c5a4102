package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/signalcore/internal/config"
)

// Client is a text completion backend used by the scorer.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// Response is one completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// StatusError is a non-200 reply from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}

// Retryable reports whether repeating the call could succeed: rate limits and
// server side failures are, malformed requests and auth failures are not.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// ErrNoProvider is returned when scoring is configured for the model but no
// provider is named.
var ErrNoProvider = errors.New("no llm provider configured")

const (
	defaultAnthropicModel = "claude-haiku-4-5-20251001"
	defaultOllamaURL      = "http://localhost:11434"
	defaultOllamaModel    = "llama3.2"
)

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// NewClient builds the provider named by cfg.Provider.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "":
		return nil, ErrNoProvider
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic: api key missing (set ANTHROPIC_API_KEY or llm.anthropic_key)")
		}
		return NewAnthropic(cfg.AnthropicKey, or(cfg.Model, defaultAnthropicModel)), nil
	case "ollama":
		return NewOllama(or(cfg.OllamaURL, defaultOllamaURL), or(cfg.OllamaModel, defaultOllamaModel)), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
