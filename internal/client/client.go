package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lazypower/signalcore/internal/engine"
	"github.com/lazypower/signalcore/internal/store"
)

const (
	defaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 2 * time.Minute
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// Client talks to a running signalcore server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL falls back to
// SIGNALCORE_URL, then http://127.0.0.1:37780.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("SIGNALCORE_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.serverURL
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: string(data)}
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, "GET", "/api/health", nil, nil) == nil
}

// Ingest submits one raw signal.
func (c *Client) Ingest(ctx context.Context, req engine.IngestRequest) (engine.IngestResult, error) {
	var body struct {
		Source      string            `json:"source"`
		RawContent  string            `json:"raw_content"`
		Metadata    map[string]string `json:"metadata,omitempty"`
		CollectedAt string            `json:"collected_at,omitempty"`
	}
	body.Source = req.Source
	body.RawContent = req.RawContent
	body.Metadata = req.Metadata
	if !req.CollectedAt.IsZero() {
		body.CollectedAt = req.CollectedAt.UTC().Format(time.RFC3339)
	}

	var res engine.IngestResult
	err := c.do(ctx, "POST", "/api/ingest", body, &res)
	return res, err
}

// Route routes signals to a destination.
func (c *Client) Route(ctx context.Context, ids []string, destination string) ([]engine.RouteResult, error) {
	in := map[string]any{"signal_ids": ids, "destination": destination}
	var out struct {
		Results []engine.RouteResult `json:"results"`
	}
	err := c.do(ctx, "POST", "/api/route", in, &out)
	return out.Results, err
}

// Export delivers a routed signal.
func (c *Client) Export(ctx context.Context, id string) (*engine.ExportResult, error) {
	var out engine.ExportResult
	if err := c.do(ctx, "POST", "/api/signals/"+url.PathEscape(id)+"/export", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Map assigns a growth type.
func (c *Client) Map(ctx context.Context, id, growthType string) error {
	in := map[string]string{"growth_type": growthType}
	return c.do(ctx, "POST", "/api/signals/"+url.PathEscape(id)+"/growth-type", in, nil)
}

// Score synchronously scores a New signal.
func (c *Client) Score(ctx context.Context, id string) (*store.Signal, error) {
	var out store.Signal
	if err := c.do(ctx, "POST", "/api/signals/"+url.PathEscape(id)+"/score", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertMemory creates or merges a memory object and returns its id.
func (c *Client) UpsertMemory(ctx context.Context, in engine.MemoryUpsert) (id string, created bool, err error) {
	body := map[string]any{
		"term":       in.Term,
		"definition": in.Definition,
		"confidence": in.Confidence,
		"source":     in.Source,
	}
	if len(in.Tags) > 0 {
		body["tags"] = in.Tags
	}
	if len(in.ContextExamples) > 0 {
		body["context_examples"] = in.ContextExamples
	}
	var out struct {
		ID      string `json:"id"`
		Created bool   `json:"created"`
	}
	err = c.do(ctx, "POST", "/api/memory", body, &out)
	return out.ID, out.Created, err
}

// CreateRule adds a decision rule.
func (c *Client) CreateRule(ctx context.Context, r store.Rule) (*store.Rule, error) {
	in := map[string]any{
		"name":          r.Name,
		"target_metric": r.TargetMetric,
		"operator":      r.Operator,
		"threshold":     r.Threshold,
		"outcome":       r.Outcome,
		"active":        r.Active,
	}
	var out store.Rule
	if err := c.do(ctx, "POST", "/api/rules", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToggleRule enables or disables a rule.
func (c *Client) ToggleRule(ctx context.Context, id int64, active bool) (*store.Rule, error) {
	var out store.Rule
	path := "/api/rules/" + strconv.FormatInt(id, 10) + "/toggle"
	if err := c.do(ctx, "POST", path, map[string]bool{"active": active}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
