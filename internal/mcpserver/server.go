package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with the readiness tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("tiltguard", Version)
	client := NewTiltguardClient(cfg)
	h := NewHandlers(client, cfg.ActorID)

	s.AddTool(ToolCheckTradeReadiness, h.HandleCheckTradeReadiness)
	s.AddTool(ToolGetAssessment, h.HandleGetAssessment)
	s.AddTool(ToolRecordTradeOutcome, h.HandleRecordTradeOutcome)
	s.AddTool(ToolRecentAssessments, h.HandleRecentAssessments)

	return s
}
