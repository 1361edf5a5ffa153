// Package sentinelmcp exposes the sentinel's admin HTTP surface as a pair
// of read-only Model-Context-Protocol tools, so an LLM operator console can
// ask "what level are we at" or "what do the gauges say" without being
// handed any control surface — there is no escalate/override/pay tool here,
// only GET.
//
// Grounded on the teacher's internal/mcpserver/client.go: a pure HTTP
// client wrapping the platform's own HTTP API, no direct database or
// in-process access.
package sentinelmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config points the client at a running sentinel admin server.
type Config struct {
	APIURL string // base URL, e.g. "http://localhost:8090"
}

// Client is a pure HTTP client for the sentinel's admin server.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a client for the sentinel admin server.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetStatus fetches and decodes the admin server's /status response.
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	body, err := c.get(ctx, "/status")
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return out, nil
}

// GetMetrics fetches the raw Prometheus text exposition from /metrics.
func (c *Client) GetMetrics(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/metrics")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}
