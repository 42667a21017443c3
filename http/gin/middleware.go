// Package gin exposes x402 over Gin: the facilitator's HTTP surface and a
// payment-gating middleware for Gin handlers.
package gin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/mark3labs/x402-gate"
	x402http "github.com/mark3labs/x402-gate/http"
	"github.com/mark3labs/x402-gate/http/internal/helpers"
	"github.com/mark3labs/x402-gate/validation"
)

// Config is an alias for x402http.Config for convenience.
type Config = x402http.Config

// PaymentContextKey is the gin context key for storing verified payment information.
const PaymentContextKey = "x402_payment"

// NewX402Middleware creates a payment-gating middleware for Gin.
//
// The middleware:
//   - Returns 402 Payment Required when X-PAYMENT is missing or does not pay the policy
//   - Verifies the payment with the facilitator
//   - Settles the payment when the handler commits a success response (unless VerifyOnly=true)
//   - Leaves the payment unsettled when the handler responds with an error status
//   - Stores the verify response via c.Set("x402_payment", verifyResp)
//   - Calls c.Abort() on payment failure and c.Next() on success
//
// Example usage:
//
//	r := gin.Default()
//	r.GET("/premium", gin.NewX402Middleware(gin.Config{
//	    FacilitatorURL: "http://localhost:8402",
//	    Policy:         x402.MustParsePolicy(`price = 1_000_000`, x402.WithDefaultRecipient(recipient)),
//	}), func(c *gin.Context) {
//	    payment := gin.GetPaymentFromContext(c)
//	    c.JSON(200, gin.H{"id": payment.ID})
//	})
func NewX402Middleware(config Config) gin.HandlerFunc {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fac := config.Facilitator
	if fac == nil {
		fac = &x402http.FacilitatorClient{
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

	return func(c *gin.Context) {
		resource := config.Resource
		if resource == "" {
			resource = helpers.BuildResourceURL(c.Request)
		}

		if c.GetHeader(helpers.PaymentHeader) == "" {
			logger.Info("no payment header provided", "path", c.Request.URL.Path)
			sendPaymentRequiredGin(c, resource, accepts, caps, "Payment required")
			return
		}

		raw, tx, err := helpers.ParsePaymentHeader(c.Request)
		if err != nil {
			logger.Warn("invalid payment header", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, x402.NewErrorResponse(err))
			return
		}

		if err := validation.ValidateGatedCall(tx, tx.Len()-1, config.Policy); err != nil {
			logger.Warn("payment does not satisfy policy", "code", x402.CodeOf(err), "error", err)
			sendPaymentRequiredGin(c, resource, accepts, caps, err.Error())
			return
		}

		verifyResp, err := fac.Verify(c.Request.Context(), raw)
		if err != nil {
			if kind := x402.KindOf(err); kind == x402.KindStructural || kind == x402.KindPolicy || kind == x402.KindLifecycle {
				logger.Warn("payment verification failed", "error", err)
				sendPaymentRequiredGin(c, resource, accepts, caps, err.Error())
				return
			}
			logger.Error("facilitator verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, x402.NewErrorResponse(err))
			return
		}

		logger.Info("payment verified", "id", verifyResp.ID)

		c.Set(PaymentContextKey, verifyResp)

		// Also store in stdlib context for compatibility with http package helpers
		ctx := context.WithValue(c.Request.Context(), x402http.PaymentContextKey, verifyResp)
		c.Request = c.Request.WithContext(ctx)

		if config.VerifyOnly {
			c.Next()
			return
		}

		underlying := c.Writer
		w := &settlementWriter{
			ResponseWriter: underlying,
			settle: func() bool {
				logger.Info("settling payment", "id", verifyResp.ID)
				settlement, err := fac.Settle(c.Request.Context(), verifyResp.ID)
				if err != nil {
					code := x402.CodeOf(err)
					if code == "" || code == x402.ErrCodeFacilitatorUnavailable {
						logger.Error("settlement failed", "id", verifyResp.ID, "error", err)
						_ = helpers.SendError(underlying, http.StatusServiceUnavailable, err)
						return false
					}
					logger.Warn("settlement rejected", "id", verifyResp.ID, "code", code, "error", err)
					if err := helpers.SendPaymentRequired(underlying, resource, accepts, caps, err.Error()); err != nil {
						logger.Error("failed to send payment required response", "error", err)
					}
					return false
				}

				logger.Info("payment settled", "id", verifyResp.ID, "signature", settlement.Signature)

				if err := helpers.AddPaymentResponseHeader(underlying, settlement); err != nil {
					logger.Warn("failed to add payment response header", "error", err)
					// Continue anyway - payment was successful
				}
				return true
			},
			onFailure: func(statusCode int) {
				logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
			},
		}
		c.Writer = w
		defer func() { c.Writer = underlying }()

		c.Next()

		// Handlers that write nothing still commit, and so settle, here.
		w.WriteHeaderNow()
	}
}

// sendPaymentRequiredGin aborts the chain with a 402 listing the accepted policies.
func sendPaymentRequiredGin(c *gin.Context, resource string, accepts []x402.PaymentPolicy, caps *x402.Capabilities, errMsg string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       errMsg,
		Resource:    resource,
		Accepts:     accepts,
		Facilitator: caps,
	})
}

// GetPaymentFromContext extracts the verified payment information from the Gin context.
// Returns nil if no payment was verified or the context does not contain payment info.
func GetPaymentFromContext(c *gin.Context) *x402.VerifyResponse {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	resp, ok := value.(*x402.VerifyResponse)
	if !ok {
		return nil
	}
	return resp
}
