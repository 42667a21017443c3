// Package server exposes facilitator operations as MCP tools.
//
// Agents that speak the Model Context Protocol can verify, settle and poll
// payments without an HTTP client of their own. Tool errors carry the same
// x402.ErrorResponse body as the HTTP surface.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mark3labs/x402-gate/facilitator"
)

// Tool names.
const (
	ToolVerify    = "x402_verify"
	ToolSettle    = "x402_settle"
	ToolStatus    = "x402_status"
	ToolSupported = "x402_supported"
)

// Config holds configuration for the MCP facilitator server.
type Config struct {
	// Facilitator serves every tool call.
	Facilitator facilitator.Interface

	// Logger is the logger for the server.
	// If not set, slog.Default() is used.
	Logger *slog.Logger
}

// X402Server wraps an MCP server exposing the facilitator tools.
type X402Server struct {
	mcpServer *mcpserver.MCPServer
	fac       facilitator.Interface
	logger    *slog.Logger
}

// NewX402Server creates an MCP server with the x402 facilitator tools registered.
func NewX402Server(name, version string, config Config) (*X402Server, error) {
	if config.Facilitator == nil {
		return nil, fmt.Errorf("facilitator is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &X402Server{
		mcpServer: mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(false)),
		fac:       config.Facilitator,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

func (s *X402Server) registerTools() {
	s.mcpServer.AddTool(mcpproto.NewTool(ToolVerify,
		mcpproto.WithDescription("Verify a payment transaction and cache it for settlement. Returns the entry id."),
		mcpproto.WithString("transaction", mcpproto.Required(), mcpproto.Description("Base64 serialized Solana transaction")),
	), s.handleVerify)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolSettle,
		mcpproto.WithDescription("Broadcast a verified transaction. Each id is broadcast at most once."),
		mcpproto.WithString("id", mcpproto.Required(), mcpproto.Description("Entry id returned by x402_verify")),
	), s.handleSettle)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolStatus,
		mcpproto.WithDescription("Report the lifecycle state of a cached transaction."),
		mcpproto.WithString("id", mcpproto.Required(), mcpproto.Description("Entry id returned by x402_verify")),
	), s.handleStatus)

	s.mcpServer.AddTool(mcpproto.NewTool(ToolSupported,
		mcpproto.WithDescription("Describe the facilitator: protocol version, scheme, network and fee payer."),
	), s.handleSupported)
}

// Handler returns the streamable HTTP handler for the server.
func (s *X402Server) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server (for advanced usage).
func (s *X402Server) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
