package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Clinscale tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("clinscale", "1.0.0")
	client := NewClinscaleClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckAccess, h.HandleCheckAccess)
	s.AddTool(ToolGetTeamBilling, h.HandleGetTeamBilling)
	s.AddTool(ToolGetUsage, h.HandleGetUsage)
	s.AddTool(ToolListPlans, h.HandleListPlans)
	s.AddTool(ToolRequiredPlan, h.HandleRequiredPlan)

	return s
}
