// Package http provides the x402 HTTP client, the remote facilitator client
// and the middleware that gates handlers behind a payment policy.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/encoding"
	"github.com/mark3labs/x402-gate/facilitator"
)

// AuthorizationProvider is a function that returns an Authorization header value.
// This is useful for dynamic tokens (e.g., JWT refresh) where the value may change.
//
// Thread-safety: The provider function is called on each HTTP request, including
// during retry attempts. If your provider accesses shared state or performs I/O
// (e.g., token refresh), ensure it is safe for concurrent use.
type AuthorizationProvider func(*http.Request) string

// OnAfterVerifyFunc is a callback invoked after a Verify operation completes.
type OnAfterVerifyFunc func(context.Context, []byte, *x402.VerifyResponse, error)

// OnAfterSettleFunc is a callback invoked after a Settle operation completes.
type OnAfterSettleFunc func(context.Context, string, *x402.SettleResponse, error)

// FacilitatorClient talks to a remote facilitator over HTTP.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g., "http://localhost:8402").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts contains timeout configuration. VerifyTimeout bounds verify,
	// status and supported requests; RequestTimeout bounds settle.
	Timeouts x402.TimeoutConfig

	// MaxRetries is the maximum number of retry attempts for requests that
	// could not reach the facilitator (default: 0).
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default: 100ms).
	// Exponential backoff is applied with a multiplier of 2.0.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value.
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider returns an Authorization header value per request.
	AuthorizationProvider AuthorizationProvider

	// OnAfterVerify is called after the Verify operation completes (success or failure).
	OnAfterVerify OnAfterVerifyFunc

	// OnAfterSettle is called after the Settle operation completes (success or failure).
	OnAfterSettle OnAfterSettleFunc
}

// Verify that FacilitatorClient implements facilitator.Interface.
var _ facilitator.Interface = (*FacilitatorClient)(nil)

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

// Verify implements facilitator.Interface.
func (c *FacilitatorClient) Verify(ctx context.Context, raw []byte) (*x402.VerifyResponse, error) {
	body := x402.VerifyRequest{Transaction: encoding.EncodeTransaction(raw)}
	resp, err := withRetry(ctx, c, func() (*x402.VerifyResponse, error) {
		var out x402.VerifyResponse
		if err := c.do(ctx, http.MethodPost, "/verify", body, c.Timeouts.VerifyTimeout, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, raw, resp, err)
	}
	return resp, err
}

// Settle implements facilitator.Interface.
func (c *FacilitatorClient) Settle(ctx context.Context, id string) (*x402.SettleResponse, error) {
	body := x402.SettleRequest{ID: id}
	resp, err := withRetry(ctx, c, func() (*x402.SettleResponse, error) {
		var out x402.SettleResponse
		if err := c.do(ctx, http.MethodPost, "/settle", body, c.Timeouts.RequestTimeout, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, id, resp, err)
	}
	return resp, err
}

// Status implements facilitator.Interface.
func (c *FacilitatorClient) Status(ctx context.Context, id string) (*x402.StatusResponse, error) {
	return withRetry(ctx, c, func() (*x402.StatusResponse, error) {
		var out x402.StatusResponse
		if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, c.Timeouts.VerifyTimeout, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// Supported implements facilitator.Interface.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.Capabilities, error) {
	return withRetry(ctx, c, func() (*x402.Capabilities, error) {
		var out x402.Capabilities
		if err := c.do(ctx, http.MethodGet, "/supported", nil, c.Timeouts.VerifyTimeout, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// Health queries the facilitator's liveness endpoint.
func (c *FacilitatorClient) Health(ctx context.Context) (*x402.HealthResponse, error) {
	var out x402.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, c.Timeouts.VerifyTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one request and decodes a 2xx body into out.
func (c *FacilitatorClient) do(ctx context.Context, method, path string, body any, timeout time.Duration, out any) error {
	// Use provided context, apply timeout only if not already set
	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable, "facilitator unreachable", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return parseErrorResponse(httpResp)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// withRetry retries op while the facilitator is unreachable.
// Every other error, including typed facilitator errors, is returned at once.
func withRetry[T any](ctx context.Context, c *FacilitatorClient, op func() (T, error)) (T, error) {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = delay
	policy.MaxInterval = delay * 4
	policy.Multiplier = 2.0

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isFacilitatorUnavailableError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(maxRetries+1)))
}

// parseErrorResponse rebuilds a typed error from a non-2xx response.
func parseErrorResponse(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errBody x402.ErrorResponse
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil && errBody.Error != "" {
		if errBody.Code != "" {
			return errBody.Err()
		}
		if resp.StatusCode >= 500 {
			return x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable,
				fmt.Sprintf("status %d: %s", resp.StatusCode, errBody.Error), nil)
		}
		return fmt.Errorf("facilitator error: status %d: %s", resp.StatusCode, errBody.Error)
	}

	if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout {
		return x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("facilitator error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}
	return fmt.Errorf("facilitator error: status %d", resp.StatusCode)
}

// isFacilitatorUnavailableError checks if an error is a facilitator unavailable error.
// It uses errors.Is to properly detect wrapped errors.
func isFacilitatorUnavailableError(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}
