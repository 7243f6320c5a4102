package llm

import (
	"context"
	"net/http"
	"strings"
)

const (
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
)

// Anthropic scores through the Messages API.
type Anthropic struct {
	key       string
	model     string
	endpoint  string
	maxTokens int
	hc        *http.Client
}

// NewAnthropic returns a Messages API client for model.
func NewAnthropic(key, model string) *Anthropic {
	return &Anthropic{
		key:       key,
		model:     model,
		endpoint:  anthropicEndpoint,
		maxTokens: 512,
		hc:        newHTTPClient(),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicReply struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends prompt as a single user turn. Temperature is pinned to 0 so
// the same signal text scores the same way twice.
func (a *Anthropic) Complete(ctx context.Context, prompt string) (*Response, error) {
	header := http.Header{}
	header.Set("x-api-key", a.key)
	header.Set("anthropic-version", anthropicVersion)

	var reply anthropicReply
	err := postJSON(ctx, a.hc, "anthropic", a.endpoint, header, anthropicRequest{
		Model:     a.model,
		System:    scoringSystem,
		MaxTokens: a.maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}, &reply)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range reply.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Content:    text.String(),
		Provider:   "anthropic",
		TokensUsed: reply.Usage.InputTokens + reply.Usage.OutputTokens,
	}, nil
}
