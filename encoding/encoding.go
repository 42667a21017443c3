// Package encoding provides utilities for encoding and decoding x402 payment data.
// It handles base64 transport of serialized transactions, settlements and
// payment requirements.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	x402 "github.com/mark3labs/x402-gate"
)

// EncodeTransaction converts serialized transaction bytes to a base64 string.
// This is used for X-PAYMENT headers and the /verify request body.
func EncodeTransaction(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeTransaction converts a base64 string to serialized transaction bytes.
//
// Returns an INVALID_REQUEST payment error if the input is empty or not base64.
func DecodeTransaction(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequest, "transaction is required", nil)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequest, "transaction is not valid base64", err)
	}
	return raw, nil
}

// EncodeSettlement converts a SettleResponse to base64-encoded JSON string.
// This is used for HTTP X-PAYMENT-RESPONSE headers.
//
// Returns an error if JSON marshaling fails.
func EncodeSettlement(settlement x402.SettleResponse) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string to SettleResponse.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeSettlement(encoded string) (x402.SettleResponse, error) {
	var settlement x402.SettleResponse

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}

	return settlement, nil
}

// EncodeRequirements converts PaymentRequired to base64-encoded JSON.
//
// Returns an error if JSON marshaling fails.
func EncodeRequirements(requirements x402.PaymentRequired) (string, error) {
	reqJSON, err := json.Marshal(requirements)
	if err != nil {
		return "", fmt.Errorf("failed to marshal requirements: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reqJSON), nil
}

// DecodeRequirements converts base64-encoded JSON to PaymentRequired.
//
// Returns an error if base64 decoding or JSON unmarshaling fails.
func DecodeRequirements(encoded string) (x402.PaymentRequired, error) {
	var requirements x402.PaymentRequired

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return requirements, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &requirements); err != nil {
		return requirements, fmt.Errorf("failed to unmarshal requirements: %w", err)
	}

	return requirements, nil
}
