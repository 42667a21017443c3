// Package helpers provides internal HTTP utilities for x402 header handling
// and error responses.
package helpers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/encoding"
	"github.com/mark3labs/x402-gate/transaction"
)

// Header names.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// ErrNilSettlement is returned when settlement is nil in AddPaymentResponseHeader.
var ErrNilSettlement = errors.New("settlement is nil")

// ParsePaymentHeader extracts and decodes the transaction in the X-PAYMENT header.
// It returns the raw bytes together with the decoded transaction.
func ParsePaymentHeader(r *http.Request) ([]byte, *transaction.Parsed, error) {
	header := r.Header.Get(PaymentHeader)
	if header == "" {
		return nil, nil, x402.NewPaymentError(x402.ErrCodeInvalidRequest, "missing payment header", nil)
	}

	raw, err := encoding.DecodeTransaction(header)
	if err != nil {
		return nil, nil, err
	}
	tx, err := transaction.Decode(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, tx, nil
}

// SendPaymentRequired writes a 402 Payment Required response with the given policies.
// Returns an error if JSON encoding fails.
func SendPaymentRequired(w http.ResponseWriter, resource string, accepts []x402.PaymentPolicy, caps *x402.Capabilities, errMsg string) error {
	response := x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       errMsg,
		Resource:    resource,
		Accepts:     accepts,
		Facilitator: caps,
	}
	return WriteJSON(w, http.StatusPaymentRequired, response)
}

// SendError writes err as an x402.ErrorResponse with the given status.
func SendError(w http.ResponseWriter, status int, err error) error {
	return WriteJSON(w, status, x402.NewErrorResponse(err))
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return nil
}

// StatusCode maps an error to the HTTP status the facilitator surface returns for it.
//
// Structural and policy errors are 400. A missing entry is 404. A lost
// settlement race, or an entry already settled or rejected, is 409. Ledger
// rejections are 400 with an infrastructure kind in the body; an unreachable
// dependency is 503.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	code := x402.CodeOf(err)
	switch code {
	case "":
		return http.StatusInternalServerError
	case x402.ErrCodeNotFound:
		return http.StatusNotFound
	case x402.ErrCodeAlreadySettling, x402.ErrCodeAlreadySettled, x402.ErrCodeRejected:
		return http.StatusConflict
	case x402.ErrCodeFacilitatorUnavailable:
		return http.StatusServiceUnavailable
	}
	if code.Kind() == x402.KindUnknown {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// AddPaymentResponseHeader adds the X-PAYMENT-RESPONSE header with settlement information.
// Returns an error if settlement is nil or encoding fails.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettleResponse) error {
	if settlement == nil {
		return fmt.Errorf("AddPaymentResponseHeader: %w", ErrNilSettlement)
	}
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(PaymentResponseHeader, encoded)
	return nil
}

// ParsePaymentRequirements extracts PaymentRequired from a 402 response body.
// Returns an error if resp or resp.Body is nil or no policy is offered.
func ParsePaymentRequirements(resp *http.Response) (*x402.PaymentRequired, error) {
	if resp == nil || resp.Body == nil {
		return nil, fmt.Errorf("%w: missing response or body", x402.ErrInvalidRequirements)
	}

	var paymentReq x402.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&paymentReq); err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidRequirements, err)
	}
	if len(paymentReq.Accepts) == 0 {
		return nil, fmt.Errorf("%w: no payment requirements in response", x402.ErrInvalidRequirements)
	}
	return &paymentReq, nil
}

// ParseSettlement extracts settlement information from the X-PAYMENT-RESPONSE header.
// Returns nil if the header is empty or cannot be parsed.
func ParseSettlement(headerValue string) *x402.SettleResponse {
	if headerValue == "" {
		return nil
	}
	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}
	return &settlement
}

// BuildResourceURL constructs the full URL for the protected resource from the request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
