package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/captcharelay/pkg/relayclient"
)

// Config holds the connection settings for the relay behind the tools.
type Config struct {
	RelayURL    string // Base URL, e.g. "http://localhost:3000"
	AdminSecret string // Optional; enables verification_stats
}

// NewMCPServer creates an MCP server with the relay tools registered.
// verification_stats is only offered when an admin secret is configured.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("captcharelay", version)
	client := relayclient.New(cfg.RelayURL, relayclient.WithAdminSecret(cfg.AdminSecret))
	h := NewHandlers(client)

	s.AddTool(ToolRelayHealth, h.HandleRelayHealth)
	s.AddTool(ToolVerifyToken, h.HandleVerifyToken)
	if cfg.AdminSecret != "" {
		s.AddTool(ToolVerificationStats, h.HandleVerificationStats)
	}

	return s
}
