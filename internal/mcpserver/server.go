package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all lockdrop tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("lockdrop", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCheckLockedBalance, h.HandleCheckLockedBalance)
	s.AddTool(ToolGetLock, h.HandleGetLock)
	s.AddTool(ToolGetTotalLocked, h.HandleGetTotalLocked)
	s.AddTool(ToolLockFunds, h.HandleLockFunds)
	s.AddTool(ToolReleaseFunds, h.HandleReleaseFunds)
	s.AddTool(ToolListLockEvents, h.HandleListLockEvents)

	return s
}
