package server

import (
	"context"
	"encoding/json"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/encoding"
)

func (s *X402Server) handleVerify(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	encoded, err := req.RequireString("transaction")
	if err != nil {
		return s.toolError(ToolVerify, x402.NewPaymentError(x402.ErrCodeInvalidRequest, err.Error(), nil))
	}
	raw, err := encoding.DecodeTransaction(encoded)
	if err != nil {
		return s.toolError(ToolVerify, err)
	}
	resp, err := s.fac.Verify(ctx, raw)
	if err != nil {
		return s.toolError(ToolVerify, err)
	}
	return s.toolResult(resp)
}

func (s *X402Server) handleSettle(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return s.toolError(ToolSettle, x402.NewPaymentError(x402.ErrCodeInvalidRequest, err.Error(), nil))
	}
	resp, err := s.fac.Settle(ctx, id)
	if err != nil {
		return s.toolError(ToolSettle, err)
	}
	return s.toolResult(resp)
}

func (s *X402Server) handleStatus(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return s.toolError(ToolStatus, x402.NewPaymentError(x402.ErrCodeInvalidRequest, err.Error(), nil))
	}
	resp, err := s.fac.Status(ctx, id)
	if err != nil {
		return s.toolError(ToolStatus, err)
	}
	return s.toolResult(resp)
}

func (s *X402Server) handleSupported(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	caps, err := s.fac.Supported(ctx)
	if err != nil {
		return s.toolError(ToolSupported, err)
	}
	return s.toolResult(caps)
}

// toolResult returns v as JSON text.
func (s *X402Server) toolResult(v any) (*mcpproto.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcpproto.NewToolResultText(string(data)), nil
}

// toolError reports err as a tool-level error so the calling agent sees the code and hint.
func (s *X402Server) toolError(tool string, err error) (*mcpproto.CallToolResult, error) {
	s.logger.Info("tool call failed", "tool", tool, "code", x402.CodeOf(err), "error", err)
	data, mErr := json.Marshal(x402.NewErrorResponse(err))
	if mErr != nil {
		return nil, mErr
	}
	return mcpproto.NewToolResultError(string(data)), nil
}
