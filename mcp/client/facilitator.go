// Package client reaches a facilitator through its MCP tools.
//
// Facilitator satisfies facilitator.Interface, so the HTTP middleware can gate
// resources against a facilitator that is only exposed over MCP.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/encoding"
	"github.com/mark3labs/x402-gate/facilitator"
	"github.com/mark3labs/x402-gate/mcp/server"
)

// ClientName is reported to the server during initialization.
const ClientName = "x402-gate"

// Config holds options for Dial.
type Config struct {
	// Authorization is sent as the Authorization header on every request.
	Authorization string

	// Timeout bounds each HTTP request. Zero uses the transport default.
	Timeout time.Duration

	// Version is reported to the server during initialization.
	Version string
}

// Option configures Dial.
type Option func(*Config)

// WithAuthorization sets a static Authorization header value.
func WithAuthorization(value string) Option {
	return func(c *Config) {
		c.Authorization = value
	}
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// Facilitator calls the x402 tools of an MCP server.
type Facilitator struct {
	client *mcpclient.Client
}

var _ facilitator.Interface = (*Facilitator)(nil)

// Dial connects to a facilitator's streamable HTTP MCP endpoint.
func Dial(ctx context.Context, serverURL string, opts ...Option) (*Facilitator, error) {
	cfg := Config{Version: "dev"}
	for _, opt := range opts {
		opt(&cfg)
	}

	var topts []transport.StreamableHTTPCOption
	if cfg.Authorization != "" {
		topts = append(topts, transport.WithHTTPHeaders(map[string]string{"Authorization": cfg.Authorization}))
	}
	if cfg.Timeout > 0 {
		topts = append(topts, transport.WithHTTPTimeout(cfg.Timeout))
	}

	trans, err := transport.NewStreamableHTTP(serverURL, topts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp transport: %w", err)
	}
	return New(ctx, mcpclient.NewClient(trans), cfg.Version)
}

// New starts and initializes c. The returned Facilitator owns c.
func New(ctx context.Context, c *mcpclient.Client, version string) (*Facilitator, error) {
	if err := c.Start(ctx); err != nil {
		return nil, unavailable("failed to start mcp client", err)
	}
	_, err := c.Initialize(ctx, mcpproto.InitializeRequest{
		Params: mcpproto.InitializeParams{
			ProtocolVersion: mcpproto.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcpproto.Implementation{
				Name:    ClientName,
				Version: version,
			},
			Capabilities: mcpproto.ClientCapabilities{},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, unavailable("failed to initialize mcp session", err)
	}
	return &Facilitator{client: c}, nil
}

// Close ends the session.
func (f *Facilitator) Close() error {
	return f.client.Close()
}

// Verify implements facilitator.Interface.
func (f *Facilitator) Verify(ctx context.Context, raw []byte) (*x402.VerifyResponse, error) {
	var resp x402.VerifyResponse
	if err := f.call(ctx, server.ToolVerify, map[string]any{"transaction": encoding.EncodeTransaction(raw)}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle implements facilitator.Interface.
func (f *Facilitator) Settle(ctx context.Context, id string) (*x402.SettleResponse, error) {
	var resp x402.SettleResponse
	if err := f.call(ctx, server.ToolSettle, map[string]any{"id": id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status implements facilitator.Interface.
func (f *Facilitator) Status(ctx context.Context, id string) (*x402.StatusResponse, error) {
	var resp x402.StatusResponse
	if err := f.call(ctx, server.ToolStatus, map[string]any{"id": id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported implements facilitator.Interface.
func (f *Facilitator) Supported(ctx context.Context) (*x402.Capabilities, error) {
	var caps x402.Capabilities
	if err := f.call(ctx, server.ToolSupported, map[string]any{}, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// call invokes tool and decodes its JSON text result into out.
// Tool-level errors are decoded back into typed payment errors.
func (f *Facilitator) call(ctx context.Context, tool string, args map[string]any, out any) error {
	result, err := f.client.CallTool(ctx, mcpproto.CallToolRequest{
		Params: mcpproto.CallToolParams{
			Name:      tool,
			Arguments: args,
		},
	})
	if err != nil {
		return unavailable(tool+" call failed", err)
	}

	text, err := resultText(result)
	if err != nil {
		return err
	}

	if result.IsError {
		var body x402.ErrorResponse
		if err := json.Unmarshal([]byte(text), &body); err != nil || body.Error == "" {
			return fmt.Errorf("x402: %s: %s", tool, text)
		}
		return body.Err()
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", tool, err)
	}
	return nil
}

func resultText(result *mcpproto.CallToolResult) (string, error) {
	if result == nil || len(result.Content) == 0 {
		return "", fmt.Errorf("x402: empty tool result")
	}
	text, ok := mcpproto.AsTextContent(result.Content[0])
	if !ok {
		return "", fmt.Errorf("x402: tool result is not text")
	}
	return text.Text, nil
}

func unavailable(msg string, err error) error {
	return x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable, msg, err)
}
