package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with every settlement tool registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("taskescrow", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCreatePayment, h.HandleCreatePayment)
	s.AddTool(ToolAuthorizePayment, h.HandleAuthorizePayment)
	s.AddTool(ToolReleasePayment, h.HandleReleasePayment)
	s.AddTool(ToolRefundPayment, h.HandleRefundPayment)
	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolListTaskPayments, h.HandleListTaskPayments)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)

	return s
}
