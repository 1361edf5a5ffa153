package sentinelmcp

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server exposing the sentinel's two
// read-only tools.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("treasury-sentinel", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetStatus, h.HandleGetStatus)
	s.AddTool(ToolGetMetrics, h.HandleGetMetrics)

	return s
}
