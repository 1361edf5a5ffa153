package sentinelmcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL})
	h := NewHandlers(client)
	return h, ts.Close
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func TestHandleGetStatus_FormatsLevelAndBudget(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"level": "L2_ALERT",
			"budget": {
				"limit_micro_usdc": "10000000",
				"spent_micro_usdc": "2500000",
				"reserved_micro_usdc": "0",
				"remaining_micro_usdc": "7500000",
				"blocked": false
			},
			"websocket": {"connected_clients": 2},
			"recent_transitions": [
				{"FromLevel": "L1_MONITOR", "ToLevel": "L2_ALERT", "Trigger": "risk-threshold"}
			]
		}`))
	}))
	defer closeFn()

	result, err := h.HandleGetStatus(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Escalation level: L2_ALERT")
	assert.Contains(t, text, "Remaining: 7500000 micro-USDC")
	assert.Contains(t, text, "Connected admin consoles: 2")
	assert.Contains(t, text, "L1_MONITOR -> L2_ALERT (risk-threshold)")
}

func TestHandleGetStatus_FlagsBlockedBudget(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"level": "BUDGET_BLOCKED",
			"budget": {"limit_micro_usdc": "10000000", "spent_micro_usdc": "10000000",
				"reserved_micro_usdc": "0", "remaining_micro_usdc": "0", "blocked": true}
		}`))
	}))
	defer closeFn()

	result, err := h.HandleGetStatus(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "BLOCKED: out of budget headroom")
}

func TestHandleGetStatus_ErrorOnServerFailure(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer closeFn()

	result, err := h.HandleGetStatus(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleGetMetrics_ReturnsRawExposition(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/metrics", r.URL.Path)
		_, _ = w.Write([]byte("sentinel_current_level 2\n"))
	}))
	defer closeFn()

	result, err := h.HandleGetMetrics(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "sentinel_current_level 2")
}
