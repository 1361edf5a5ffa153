package sentinelmcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetStatus returns the sentinel's current level, recent transitions,
// and budget headroom as a formatted summary.
func (h *Handlers) HandleGetStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := h.client.GetStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to fetch status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatus(status)), nil
}

// HandleGetMetrics returns the sentinel's raw Prometheus metrics text.
func (h *Handlers) HandleGetMetrics(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metrics, err := h.client.GetMetrics(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to fetch metrics: %v", err)), nil
	}
	return mcp.NewToolResultText(metrics), nil
}

func formatStatus(status map[string]any) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Escalation level: %s\n", getString(status, "level"))

	if budget, ok := status["budget"].(map[string]any); ok {
		sb.WriteString("\nBudget:\n")
		fmt.Fprintf(&sb, "  Limit:     %s micro-USDC\n", getString(budget, "limit_micro_usdc"))
		fmt.Fprintf(&sb, "  Spent:     %s micro-USDC\n", getString(budget, "spent_micro_usdc"))
		fmt.Fprintf(&sb, "  Reserved:  %s micro-USDC\n", getString(budget, "reserved_micro_usdc"))
		fmt.Fprintf(&sb, "  Remaining: %s micro-USDC\n", getString(budget, "remaining_micro_usdc"))
		if blocked, ok := budget["blocked"].(bool); ok && blocked {
			sb.WriteString("  BLOCKED: out of budget headroom\n")
		}
	}

	if ws, ok := status["websocket"].(map[string]any); ok {
		fmt.Fprintf(&sb, "\nConnected admin consoles: %v\n", ws["connected_clients"])
	}

	transitions, _ := status["recent_transitions"].([]any)
	if len(transitions) > 0 {
		sb.WriteString("\nRecent transitions (most recent first):\n")
		for _, raw := range transitions {
			t, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "  %s -> %s (%s)\n",
				getString(t, "from_level", "FromLevel"),
				getString(t, "to_level", "ToLevel"),
				getString(t, "trigger", "Trigger"))
		}
	}

	return sb.String()
}

// getString extracts a string value from a map, trying multiple key names
// and tolerating a non-string value by formatting it.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}
