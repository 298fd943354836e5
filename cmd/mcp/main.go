// tiltguard MCP server - exposes trade readiness checks as MCP tools for LLM trading agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/tiltguard/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("TILTGUARD_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("TILTGUARD_API_KEY"),
		ActorID: os.Getenv("TILTGUARD_ACTOR_ID"),
	}

	if cfg.ActorID == "" {
		fmt.Fprintln(os.Stderr, "TILTGUARD_ACTOR_ID is not set; every tool call must pass actor_id")
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
