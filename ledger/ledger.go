// Package ledger is the facilitator's view of the Solana network: balances,
// block references and transaction broadcast.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/mark3labs/x402-gate"
)

// Ledger is the narrow interface the facilitator needs from the network.
type Ledger interface {
	// Balance returns the lamport balance of account.
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)

	// LatestBlockhash returns a fresh block reference.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)

	// IsBlockhashValid reports whether hash can still be used by a transaction.
	IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error)

	// Broadcast submits a signed transaction and returns its signature once
	// the requested commitment is reached. Errors are *x402.PaymentError of
	// kind infrastructure.
	Broadcast(ctx context.Context, raw []byte, opts BroadcastOptions) (solana.Signature, error)
}

// BroadcastOptions controls submission.
type BroadcastOptions struct {
	// SkipPreflight disables the node's simulation before submission.
	SkipPreflight bool

	// Commitment is the confirmation level to wait for. Empty means return
	// as soon as the node accepts the transaction.
	Commitment rpc.CommitmentType
}

// Classify maps a ledger or transport error to an infrastructure error code.
func Classify(err error) x402.ErrorCode {
	if err == nil {
		return ""
	}
	if code := x402.CodeOf(err); code != "" {
		return code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return x402.ErrCodeBroadcastTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "blockhash not found"), strings.Contains(msg, "blockhashnotfound"):
		return x402.ErrCodeStaleBlockhash
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficientfunds"),
		strings.Contains(msg, "insufficient lamports"):
		return x402.ErrCodeInsufficientFunds
	case strings.Contains(msg, "already been processed"), strings.Contains(msg, "alreadyprocessed"):
		return x402.ErrCodeDuplicateSubmission
	default:
		return x402.ErrCodeBroadcastFailed
	}
}

// Wrap converts err into a classified *x402.PaymentError.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if x402.CodeOf(err) != "" {
		return err
	}
	return x402.NewPaymentError(Classify(err), msg, err)
}
