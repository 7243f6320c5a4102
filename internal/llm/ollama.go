package llm

import (
	"context"
	"net/http"
	"strings"
)

// Ollama scores through a local Ollama daemon's generate endpoint.
type Ollama struct {
	base  string
	model string
	hc    *http.Client
}

// NewOllama returns a client for the daemon at base (e.g. http://localhost:11434).
func NewOllama(base, model string) *Ollama {
	return &Ollama{
		base:  strings.TrimRight(base, "/"),
		model: model,
		hc:    newHTTPClient(),
	}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	System  string        `json:"system,omitempty"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format"`
	Options ollamaOptions `json:"options"`
}

type ollamaReply struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Complete runs a non-streaming generation constrained to JSON output.
func (o *Ollama) Complete(ctx context.Context, prompt string) (*Response, error) {
	var reply ollamaReply
	err := postJSON(ctx, o.hc, "ollama", o.base+"/api/generate", nil, ollamaRequest{
		Model:   o.model,
		System:  scoringSystem,
		Prompt:  prompt,
		Format:  "json",
		Options: ollamaOptions{NumPredict: 512},
	}, &reply)
	if err != nil {
		return nil, err
	}
	return &Response{
		Content:    reply.Response,
		Provider:   "ollama",
		TokensUsed: reply.PromptEvalCount + reply.EvalCount,
	}, nil
}
