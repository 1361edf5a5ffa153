// Command sentinelmcp exposes the treasury sentinel's admin server as a
// read-only Model-Context-Protocol server over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/treasury-sentinel/internal/sentinelmcp"
)

func main() {
	cfg := sentinelmcp.Config{
		APIURL: envOrDefault("SENTINEL_API_URL", "http://localhost:8090"),
	}

	s := sentinelmcp.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "sentinelmcp: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
