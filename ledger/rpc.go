package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/mark3labs/x402-gate"
)

// RPCClient is the subset of *rpc.Client used by RPC.
// This allows for dependency injection and easier testing.
type RPCClient interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	IsBlockhashValid(ctx context.Context, blockHash solana.Hash, commitment rpc.CommitmentType) (*rpc.IsValidBlockhashResult, error)
	SendRawTransactionWithOpts(ctx context.Context, txData []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// RPC implements Ledger over Solana JSON-RPC.
type RPC struct {
	client       RPCClient
	commitment   rpc.CommitmentType
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option configures an RPC ledger.
type Option func(*RPC) error

// WithRPCClient sets a custom RPC client.
func WithRPCClient(client RPCClient) Option {
	return func(r *RPC) error {
		if client == nil {
			return fmt.Errorf("rpc client cannot be nil")
		}
		r.client = client
		return nil
	}
}

// WithCommitment sets the commitment used for reads.
func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(r *RPC) error {
		r.commitment = commitment
		return nil
	}
}

// WithPollInterval sets the initial interval between confirmation polls.
func WithPollInterval(d time.Duration) Option {
	return func(r *RPC) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive, got %v", d)
		}
		r.pollInterval = d
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *RPC) error {
		r.logger = logger
		return nil
	}
}

// NewRPC creates a ledger talking to endpoint.
func NewRPC(endpoint string, opts ...Option) (*RPC, error) {
	r := &RPC{
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: 400 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.client == nil {
		if endpoint == "" {
			return nil, fmt.Errorf("rpc endpoint is required")
		}
		r.client = rpc.New(endpoint)
	}
	return r, nil
}

// Balance implements Ledger.
func (r *RPC) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	res, err := r.client.GetBalance(ctx, account, r.commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return res.Value, nil
}

// LatestBlockhash implements Ledger.
func (r *RPC) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := r.client.GetLatestBlockhash(ctx, r.commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if res == nil || res.Value == nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: empty response")
	}
	return res.Value.Blockhash, nil
}

// IsBlockhashValid implements Ledger.
func (r *RPC) IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error) {
	res, err := r.client.IsBlockhashValid(ctx, hash, r.commitment)
	if err != nil {
		return false, fmt.Errorf("is blockhash valid: %w", err)
	}
	return res.Value, nil
}

// Broadcast implements Ledger. It never retries submission; only the
// confirmation lookup is polled.
func (r *RPC) Broadcast(ctx context.Context, raw []byte, opts BroadcastOptions) (solana.Signature, error) {
	preflight := r.commitment
	if opts.Commitment != "" {
		preflight = opts.Commitment
	}
	sig, err := r.client.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: preflight,
	})
	if err != nil {
		return solana.Signature{}, Wrap(err, "broadcast failed")
	}
	r.logger.Debug("transaction submitted", "signature", sig.String())

	if opts.Commitment == "" {
		return sig, nil
	}
	if err := r.waitForConfirmation(ctx, sig, opts.Commitment); err != nil {
		return sig, err
	}
	return sig, nil
}

func (r *RPC) waitForConfirmation(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.pollInterval
	policy.MaxInterval = 4 * r.pollInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res, err := r.client.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return struct{}{}, err
		}
		if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
			return struct{}{}, fmt.Errorf("signature %s not yet visible", sig)
		}
		status := res.Value[0]
		if status.Err != nil {
			return struct{}{}, backoff.Permanent(
				x402.NewPaymentError(x402.ErrCodeBroadcastFailed, "transaction failed on-chain", fmt.Errorf("%v", status.Err)).
					WithDetails("signature", sig.String()),
			)
		}
		if !reached(status.ConfirmationStatus, commitment) {
			return struct{}{}, fmt.Errorf("signature %s is %s", sig, status.ConfirmationStatus)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(0))

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return x402.NewPaymentError(x402.ErrCodeBroadcastTimeout, "confirmation did not arrive in time", ctx.Err()).
			WithDetails("signature", sig.String())
	}
	return Wrap(err, "confirmation failed")
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[rpc.ConfirmationStatusType]int{
		rpc.ConfirmationStatusProcessed: 1,
		rpc.ConfirmationStatusConfirmed: 2,
		rpc.ConfirmationStatusFinalized: 3,
	}
	wantRank := map[rpc.CommitmentType]int{
		rpc.CommitmentProcessed: 1,
		rpc.CommitmentConfirmed: 2,
		rpc.CommitmentFinalized: 3,
	}[want]
	if wantRank == 0 {
		wantRank = 2
	}
	return rank[status] >= wantRank
}
