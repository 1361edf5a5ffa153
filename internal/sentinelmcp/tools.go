package sentinelmcp

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the sentinel's read-only MCP surface. Descriptions
// are what the LLM reads to decide which tool to use.

var ToolGetStatus = mcp.NewTool("get_status",
	mcp.WithDescription(
		"Get the treasury sentinel's current escalation level, recent state "+
			"transitions, and budget headroom. Use this to check whether the "+
			"sentinel has escalated and why, and whether it is still able to "+
			"pay for market data."),
)

var ToolGetMetrics = mcp.NewTool("get_metrics",
	mcp.WithDescription(
		"Fetch the sentinel's raw Prometheus metrics (admin HTTP request "+
			"counts, RPC retry counts, DB pool and goroutine gauges, websocket "+
			"client count). "+
			"Use this for a lower-level or historical view than get_status."),
)
