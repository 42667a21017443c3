package x402

import "time"

// SettlementEventType represents the lifecycle step an event reports.
type SettlementEventType string

const (
	// SettlementEventVerified indicates a transaction was accepted by verify.
	SettlementEventVerified SettlementEventType = "verified"

	// SettlementEventSettling indicates a settle call took ownership of an entry.
	SettlementEventSettling SettlementEventType = "settling"

	// SettlementEventSettled indicates the ledger acknowledged the broadcast.
	SettlementEventSettled SettlementEventType = "settled"

	// SettlementEventRejected indicates the broadcast failed.
	SettlementEventRejected SettlementEventType = "rejected"

	// SettlementEventExpired indicates an entry outlived its TTL unsettled.
	SettlementEventExpired SettlementEventType = "expired"
)

// SettlementEvent represents a facilitator lifecycle event.
type SettlementEvent struct {
	// Type is the event type.
	Type SettlementEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// ID is the cache entry id.
	ID string

	// Network is the CAIP-2 network identifier.
	Network string

	// Payer is the fee payer of the transaction (first signer).
	Payer string

	// Signature is the ledger signature (settled only).
	Signature string

	// Error contains error details (rejected and expired only).
	Error error

	// Duration is the time taken by the operation that produced the event.
	Duration time.Duration
}

// SettlementCallback is a function that handles settlement events.
// Callbacks run synchronously on the request goroutine and should return quickly.
type SettlementCallback func(SettlementEvent)

// PaymentEventType represents the type of a client-side payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a payment is being attempted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a payment succeeded.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment made by a client.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Method is the transport method ("HTTP" or "MCP").
	Method string

	// URL is the resource being accessed.
	URL string

	// Amount is the price in base units.
	Amount uint64

	// Asset is the mint address, empty for native payments.
	Asset string

	// Network is the CAIP-2 network identifier.
	Network string

	// Recipient is the payment recipient address.
	Recipient string

	// Payer is the address that made the payment.
	Payer string

	// Signature is the ledger signature (available on success).
	Signature string

	// Error contains error details (available on failure).
	Error error

	// Duration is the time taken for the payment operation.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously during payment processing, so they
// should be fast to avoid blocking the payment flow.
type PaymentCallback func(PaymentEvent)
