// Package facilitator verifies and settles payment transactions.
//
// A facilitator accepts a client's serialized transaction on verify, holds it
// in a settlement cache, and broadcasts it at most once on settle. Both the
// in-process Facilitator and the HTTP client satisfy Interface.
package facilitator

import (
	"context"

	x402 "github.com/mark3labs/x402-gate"
)

// Interface defines the facilitator contract.
type Interface interface {
	// Verify checks the structure of a serialized transaction and stores it
	// for settlement. It never broadcasts.
	Verify(ctx context.Context, transaction []byte) (*x402.VerifyResponse, error)

	// Settle broadcasts a verified transaction. Concurrent calls for the same
	// id broadcast at most once.
	Settle(ctx context.Context, id string) (*x402.SettleResponse, error)

	// Status returns the current state of a cached transaction. A verified
	// entry past its TTL reads as expired. Status never changes an entry.
	Status(ctx context.Context, id string) (*x402.StatusResponse, error)

	// Supported returns the facilitator's capabilities.
	Supported(ctx context.Context) (*x402.Capabilities, error)
}
