// Package mcpserver exposes the escrowd HTTP API as MCP tools so agents can
// hold funds in escrow and request refunds.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolCancelEscrow, h.HandleCancelEscrow)
	s.AddTool(ToolRequestRefund, h.HandleRequestRefund)
	s.AddTool(ToolGetRefund, h.HandleGetRefund)
	s.AddTool(ToolListRefunds, h.HandleListRefunds)
	s.AddTool(ToolRefundStats, h.HandleRefundStats)
	if cfg.AdminIdentity != "" {
		s.AddTool(ToolDecideRefund, h.HandleDecideRefund)
	}

	return s
}
