package http

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/facilitator"
	"github.com/mark3labs/x402-gate/http/internal/helpers"
	"github.com/mark3labs/x402-gate/validation"
)

// Config holds the configuration for the x402 middleware.
type Config struct {
	// FacilitatorURL is the facilitator endpoint. Ignored when Facilitator is set.
	FacilitatorURL string

	// Facilitator is used instead of an HTTP client when set, e.g. an in-process facilitator.
	Facilitator facilitator.Interface

	// FacilitatorAuthorization is a static Authorization header value for the facilitator.
	FacilitatorAuthorization string

	// Policy is the payment policy the gated handler requires.
	Policy x402.PaymentPolicy

	// Resource describes the protected resource. Defaults to the request URL.
	Resource string

	// VerifyOnly skips settlement if true (only verifies payments).
	VerifyOnly bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing verified payment information.
const PaymentContextKey = contextKey("x402_payment")

// NewX402Middleware creates a payment-gating middleware.
//
// A request must carry a base64 transaction in X-PAYMENT whose last
// instruction is the gated call and whose preceding instruction pays the
// policy. The middleware validates the payment, verifies it with the
// facilitator, and settles it when the handler commits a success response.
// The facilitator's capabilities (such as its fee payer) are fetched once
// and advertised in 402 responses.
func NewX402Middleware(config Config) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fac := config.Facilitator
	if fac == nil {
		fac = &FacilitatorClient{
			BaseURL:       config.FacilitatorURL,
			Client:        &http.Client{Timeout: x402.DefaultTimeouts.RequestTimeout},
			Timeouts:      x402.DefaultTimeouts,
			Authorization: config.FacilitatorAuthorization,
			MaxRetries:    2,
		}
	}

	if err := config.Policy.Validate(); err != nil {
		panic("x402: invalid payment policy: " + err.Error())
	}
	accepts := []x402.PaymentPolicy{config.Policy}

	ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.VerifyTimeout)
	defer cancel()
	caps, err := fac.Supported(ctx)
	if err != nil {
		// Log warning but continue without advertising facilitator capabilities
		logger.Warn("failed to fetch facilitator capabilities", "error", err)
		caps = nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resource := config.Resource
			if resource == "" {
				resource = helpers.BuildResourceURL(r)
			}

			if r.Header.Get(helpers.PaymentHeader) == "" {
				logger.Info("no payment header provided", "path", r.URL.Path)
				if err := helpers.SendPaymentRequired(w, resource, accepts, caps, "Payment required"); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			raw, tx, err := helpers.ParsePaymentHeader(r)
			if err != nil {
				logger.Warn("invalid payment header", "error", err)
				_ = helpers.SendError(w, http.StatusBadRequest, err)
				return
			}

			// The gated call is the last instruction; its predecessor must pay.
			if err := validation.ValidateGatedCall(tx, tx.Len()-1, config.Policy); err != nil {
				logger.Warn("payment does not satisfy policy", "code", x402.CodeOf(err), "error", err)
				if err := helpers.SendPaymentRequired(w, resource, accepts, caps, err.Error()); err != nil {
					logger.Error("failed to send payment required response", "error", err)
				}
				return
			}

			verifyResp, err := fac.Verify(r.Context(), raw)
			if err != nil {
				if kind := x402.KindOf(err); kind == x402.KindStructural || kind == x402.KindPolicy || kind == x402.KindLifecycle {
					logger.Warn("payment verification failed", "error", err)
					if err := helpers.SendPaymentRequired(w, resource, accepts, caps, err.Error()); err != nil {
						logger.Error("failed to send payment required response", "error", err)
					}
					return
				}
				logger.Error("facilitator verification failed", "error", err)
				_ = helpers.SendError(w, http.StatusServiceUnavailable, err)
				return
			}

			logger.Info("payment verified", "id", verifyResp.ID, "payer", tx.FeePayer().String())

			ctx := context.WithValue(r.Context(), PaymentContextKey, verifyResp)
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					if config.VerifyOnly {
						return true
					}

					logger.Info("settling payment", "id", verifyResp.ID)
					settlement, err := fac.Settle(r.Context(), verifyResp.ID)
					if err != nil {
						logger.Warn("settlement failed", "id", verifyResp.ID, "code", x402.CodeOf(err), "error", err)
						if x402.CodeOf(err) == x402.ErrCodeFacilitatorUnavailable || x402.CodeOf(err) == "" {
							_ = helpers.SendError(w, http.StatusServiceUnavailable, err)
							return false
						}
						if err := helpers.SendPaymentRequired(w, resource, accepts, caps, err.Error()); err != nil {
							logger.Error("failed to send payment required response", "error", err)
						}
						return false
					}

					logger.Info("payment settled", "id", verifyResp.ID, "signature", settlement.Signature)

					if err := helpers.AddPaymentResponseHeader(w, settlement); err != nil {
						logger.Warn("failed to add payment response header", "error", err)
						// Continue anyway - payment was successful
					}
					return true
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of commitment.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc performs settlement and reports whether the response may proceed
	settleFunc func() bool
	onFailure  func(statusCode int)
	committed  bool
	hijacked   bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// Settlement failed and an error response was already written.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through unsettled.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.hijacked = true
		return
	}
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		// Settle before handing the connection over
		if !i.committed {
			i.committed = true
			if !i.settleFunc() {
				i.hijacked = true
				return nil, nil, errors.New("payment settlement failed")
			}
		}
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// GetPaymentFromContext extracts the verified payment information from the request context.
// Returns nil if no payment was verified or the context does not contain payment info.
func GetPaymentFromContext(ctx context.Context) *x402.VerifyResponse {
	resp, _ := ctx.Value(PaymentContextKey).(*x402.VerifyResponse)
	return resp
}
