// Package x402 implements payment-gated execution for Solana programs.
//
// A client pays for a gated call by placing a transfer instruction
// immediately before the gated instruction in the same transaction. The
// facilitator verifies the transaction structurally, caches it, and
// broadcasts it exactly once on settle. The gated program repeats the
// policy check on-chain.
//
// Import path: github.com/mark3labs/x402-gate
package x402

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// X402Version is the protocol version advertised by the facilitator.
const X402Version = 1

// SchemeExact is the only supported payment scheme.
const SchemeExact = "exact"

// PaymentPolicy describes what a gated function charges.
// A policy is created once per gated function and never mutated.
type PaymentPolicy struct {
	// Price is the minimum amount in minor units (lamports or token base units).
	Price uint64 `json:"price"`

	// Recipient is the account that must receive the payment.
	Recipient solana.PublicKey `json:"recipient"`

	// Asset is the SPL mint to pay in. Nil means the native asset.
	Asset *solana.PublicKey `json:"asset,omitempty"`

	// FacilitatorFee is an optional second transfer owed to the facilitator.
	FacilitatorFee *FacilitatorFee `json:"facilitatorFee,omitempty"`
}

// FacilitatorFee is the fee split paid alongside the main payment.
type FacilitatorFee struct {
	// Recipient is the facilitator account receiving the fee.
	Recipient solana.PublicKey `json:"recipient"`

	// Amount is the minimum fee in the same units as the payment.
	Amount uint64 `json:"amount"`

	// Mandatory makes a missing fee transfer a policy violation.
	Mandatory bool `json:"mandatory,omitempty"`
}

// IsNative reports whether the policy is paid in the native asset.
func (p PaymentPolicy) IsNative() bool {
	return p.Asset == nil || p.Asset.Equals(solana.SystemProgramID)
}

// Validate checks that the policy can be enforced.
func (p PaymentPolicy) Validate() error {
	if p.Recipient.IsZero() {
		return fmt.Errorf("%w: recipient is required", ErrInvalidPolicy)
	}
	if p.Asset != nil && p.Asset.IsZero() {
		return fmt.Errorf("%w: asset must be a mint address", ErrInvalidPolicy)
	}
	if p.FacilitatorFee != nil && p.FacilitatorFee.Recipient.IsZero() {
		return fmt.Errorf("%w: facilitator fee recipient is required", ErrInvalidPolicy)
	}
	return nil
}

// Capabilities describes the facilitator. It is static for the life of the process.
type Capabilities struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the CAIP-2 network identifier.
	Network string `json:"network"`

	// FeePayer is the address that pays transaction fees, if the facilitator co-signs.
	FeePayer string `json:"feePayer"`
}

// VerifyRequest is the request body of POST /verify.
type VerifyRequest struct {
	// Transaction is the base64-encoded serialized transaction.
	Transaction string `json:"transaction"`
}

// VerifyResponse is the response body of a successful POST /verify.
type VerifyResponse struct {
	// ID identifies the cached transaction for settle and status.
	ID string `json:"id"`

	// Status is always "verified".
	Status string `json:"status"`

	// Timestamp is the creation time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// SettleRequest is the request body of POST /settle.
type SettleRequest struct {
	ID string `json:"id"`
}

// SettleResponse is the response body of a successful POST /settle.
type SettleResponse struct {
	// Signature is the ledger transaction signature.
	Signature string `json:"signature"`

	// Status is always "settled".
	Status string `json:"status"`

	// Timestamp is the settlement time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Network is the network the transaction landed on.
	Network string `json:"network,omitempty"`
}

// StatusResponse is the response body of GET /status/:id.
type StatusResponse struct {
	ID string `json:"id"`

	// Status is the lifecycle state name.
	Status string `json:"status"`

	// Timestamp is the creation time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Age is the time since creation in milliseconds.
	Age int64 `json:"age"`

	// Signature is set once the entry is settled.
	Signature string `json:"signature,omitempty"`

	// Reason is the error code that rejected or expired the entry.
	Reason string `json:"reason,omitempty"`
}

// HealthResponse is the response body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`

	// Uptime is the process uptime in seconds.
	Uptime float64 `json:"uptime"`
}

// ErrorResponse is the body of every non-2xx facilitator response.
type ErrorResponse struct {
	// Error is a human-readable message.
	Error string `json:"error"`

	// Code is the machine-readable error code.
	Code ErrorCode `json:"code,omitempty"`

	// Kind is the recovery class of the error.
	Kind Kind `json:"kind,omitempty"`

	// Hint tells the client how to proceed.
	Hint string `json:"hint,omitempty"`

	// Details carries error-specific context (e.g. the current state).
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewErrorResponse converts err into its wire form.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	if pe, ok := asPaymentError(err); ok {
		resp.Error = pe.Message
		resp.Code = pe.Code
		resp.Kind = pe.Kind()
		resp.Hint = resp.Kind.Hint()
		if len(pe.Details) > 0 {
			resp.Details = pe.Details
		}
	}
	return resp
}

// Err reconstructs a typed error from a wire response.
func (r ErrorResponse) Err() error {
	if r.Code.Sentinel() == nil {
		return fmt.Errorf("x402: %s", r.Error)
	}
	pe := NewPaymentError(r.Code, r.Error, nil)
	for k, v := range r.Details {
		pe.WithDetails(k, v)
	}
	return pe
}

// PaymentRequired is the 402 body returned by gated HTTP resources.
type PaymentRequired struct {
	X402Version int `json:"x402Version"`

	// Error is a human-readable reason.
	Error string `json:"error,omitempty"`

	// Resource is the URL being paid for.
	Resource string `json:"resource,omitempty"`

	// Accepts lists the policies the resource accepts.
	Accepts []PaymentPolicy `json:"accepts"`

	// Facilitator is the facilitator capabilities, when known.
	Facilitator *Capabilities `json:"facilitator,omitempty"`
}
