package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazypower/signalcore/internal/config"
)

func TestNewClientAnthropic(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic", AnthropicKey: "test-key", Model: "claude-haiku-4-5-20251001"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", client)
	}
}

func TestNewClientAnthropicMissingKey(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic"}
	_, err := NewClient(cfg)
	if err == nil {
		t.Error("expected error for missing API key")
	}
	if _, err := NewClient(config.LLMConfig{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestNewClientOllama(t *testing.T) {
	cfg := config.LLMConfig{Provider: "ollama", OllamaModel: "llama3.2"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Ollama); !ok {
		t.Errorf("expected *Ollama, got %T", client)
	}
}

func TestNewClientUnknown(t *testing.T) {
	for _, provider := range []string{"gpt", ""} {
		_, err := NewClient(config.LLMConfig{Provider: provider})
		if err == nil {
			t.Errorf("expected error for provider %q", provider)
		}
	}
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q, want /api/generate", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["format"] != "json" {
			t.Errorf("format = %v, want json", body["format"])
		}
		json.NewEncoder(w).Encode(map[string]string{"response": `{"score": 50}`})
	}))
	defer srv.Close()

	resp, err := NewOllama(srv.URL, "llama3.2").Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"score": 50}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", resp.Provider)
	}
}

func TestAnthropicStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		http.Error(w, "overloaded", 529)
	}))
	defer srv.Close()

	a := NewAnthropic("k", "m")
	a.endpoint = srv.URL
	_, err := a.Complete(context.Background(), "prompt")

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Code != 529 || !se.Retryable() {
		t.Errorf("code = %d retryable = %v", se.Code, se.Retryable())
	}
	if (&StatusError{Code: 400}).Retryable() {
		t.Error("400 should not be retryable")
	}
}

func TestAnthropicJoinsTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["system"] == "" || body["system"] == nil {
			t.Error("system prompt not sent")
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"{\"score\":"},{"type":"text","text":" 61}"}],` +
			`"usage":{"input_tokens":10,"output_tokens":4}}`))
	}))
	defer srv.Close()

	a := NewAnthropic("k", "m")
	a.endpoint = srv.URL
	resp, err := a.Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"score": 61}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TokensUsed != 14 {
		t.Errorf("tokens = %d, want 14", resp.TokensUsed)
	}
}

func TestProviderMessage(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, "overloaded_error: Overloaded"},
		{`{"error":"model 'nope' not found"}`, "model 'nope' not found"},
		{"  bad gateway\n", "bad gateway"},
	}
	for _, tt := range tests {
		if got := providerMessage([]byte(tt.raw)); got != tt.want {
			t.Errorf("providerMessage(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestScoringPrompt(t *testing.T) {
	p := ScoringPrompt("Twitter", "  loving the new Loom release  ")
	if !strings.Contains(p, "SOURCE: Twitter") {
		t.Error("prompt missing source")
	}
	if !strings.Contains(p, "loving the new Loom release\n") {
		t.Error("prompt missing trimmed content")
	}

	long := ScoringPrompt("RSS", strings.Repeat("x", maxPromptContent+100))
	if strings.Count(long, "x") > maxPromptContent+10 {
		t.Error("content not truncated")
	}
}

func TestMockClient(t *testing.T) {
	mock := &MockClient{
		Response: &Response{Content: "test response", Provider: "mock"},
	}

	resp, err := mock.Complete(context.Background(), "test prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "test response" {
		t.Errorf("content = %q, want %q", resp.Content, "test response")
	}
	calls := mock.Calls()
	if len(calls) != 1 {
		t.Errorf("expected 1 call, got %d", len(calls))
	}
	if calls[0] != "test prompt" {
		t.Errorf("call[0] = %q, want %q", calls[0], "test prompt")
	}
}
