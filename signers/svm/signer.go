// Package svm provides Solana signers: a Payer for clients and a FeePayer
// that co-signs transactions on the facilitator.
package svm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/mark3labs/x402-gate"
	solutil "github.com/mark3labs/x402-gate/internal/solana"
	"github.com/mark3labs/x402-gate/transaction"
)

// RPCClient is the interface for Solana RPC operations needed by the signer.
// This allows for dependency injection and easier testing.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

// Signer implements x402.Payer for Solana.
type Signer struct {
	privateKey   solana.PrivateKey
	publicKey    solana.PublicKey
	network      string
	tokens       []x402.TokenConfig
	maxAmount    uint64
	rpcClient    RPCClient
	computeUnits uint32
	unitPrice    uint64
}

var _ x402.Payer = (*Signer)(nil)

// Option configures a Signer.
type Option func(*Signer) error

// NewSigner creates a new Solana signer from a base58-encoded private key.
func NewSigner(network string, privateKeyBase58 string, opts ...Option) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}
	return NewSignerFromKey(network, privateKey, opts...)
}

// NewSignerFromKey creates a new Solana signer from an existing private key.
func NewSignerFromKey(network string, key solana.PrivateKey, opts ...Option) (*Signer, error) {
	if err := x402.ValidateNetwork(network); err != nil {
		return nil, err
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: invalid key length (expected 64 bytes)", x402.ErrInvalidKey)
	}

	s := &Signer{
		privateKey:   key,
		publicKey:    key.PublicKey(),
		network:      network,
		computeUnits: solutil.DefaultComputeUnits,
		unitPrice:    solutil.DefaultComputeUnitPrice,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewSignerFromKeygenFile creates a new Solana signer from a Solana keygen JSON file.
func NewSignerFromKeygenFile(network string, path string, opts ...Option) (*Signer, error) {
	key, err := readKeygenFile(path)
	if err != nil {
		return nil, err
	}
	return NewSignerFromKey(network, key, opts...)
}

// readKeygenFile parses the JSON array of 64 bytes written by solana-keygen.
func readKeygenFile(path string) (solana.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidKey, err)
	}

	var keyBytes []byte
	if err := json.Unmarshal(data, &keyBytes); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", x402.ErrInvalidKey)
	}
	if len(keyBytes) != 64 {
		return nil, fmt.Errorf("%w: invalid key length (expected 64 bytes)", x402.ErrInvalidKey)
	}
	return solana.PrivateKey(keyBytes), nil
}

// WithTokens sets the SPL tokens the signer can pay with.
func WithTokens(tokens ...x402.TokenConfig) Option {
	return func(s *Signer) error {
		for _, t := range tokens {
			if t.Mint.IsZero() {
				return fmt.Errorf("%w: token mint cannot be empty", x402.ErrUnsupportedAsset)
			}
		}
		s.tokens = append(s.tokens, tokens...)
		return nil
	}
}

// WithMaxAmount sets the maximum amount, fee included, per payment.
func WithMaxAmount(amount uint64) Option {
	return func(s *Signer) error {
		s.maxAmount = amount
		return nil
	}
}

// WithRPCClient sets a custom RPC client.
func WithRPCClient(client RPCClient) Option {
	return func(s *Signer) error {
		s.rpcClient = client
		return nil
	}
}

// WithComputeBudget sets the compute unit limit and price. Zero units omits both instructions.
func WithComputeBudget(units uint32, microlamports uint64) Option {
	return func(s *Signer) error {
		s.computeUnits = units
		s.unitPrice = microlamports
		return nil
	}
}

// Network returns the CAIP-2 network identifier.
func (s *Signer) Network() string {
	return s.network
}

// Address returns the signer's public key.
func (s *Signer) Address() solana.PublicKey {
	return s.publicKey
}

// CanPay checks if this signer can satisfy the policy.
func (s *Signer) CanPay(policy x402.PaymentPolicy) bool {
	if policy.Validate() != nil {
		return false
	}
	if _, err := s.token(policy); err != nil {
		return false
	}
	return s.withinLimit(policy)
}

func (s *Signer) withinLimit(policy x402.PaymentPolicy) bool {
	if s.maxAmount == 0 {
		return true
	}
	total := policy.Price
	if policy.FacilitatorFee != nil {
		total += policy.FacilitatorFee.Amount
		if total < policy.Price {
			return false
		}
	}
	return total <= s.maxAmount
}

func (s *Signer) token(policy x402.PaymentPolicy) (x402.TokenConfig, error) {
	if policy.IsNative() {
		return x402.TokenConfig{Mint: solana.SystemProgramID, Symbol: "SOL", Decimals: 9}, nil
	}
	for _, t := range s.tokens {
		if t.Mint.Equals(*policy.Asset) {
			return t, nil
		}
	}
	return x402.TokenConfig{}, fmt.Errorf("%w: %s", x402.ErrUnsupportedAsset, policy.Asset)
}

// Pay builds and signs [compute budget, fee?, payment, gated call].
func (s *Signer) Pay(ctx context.Context, req x402.PaymentRequest) ([]byte, error) {
	policy := req.Policy
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if req.GatedCall == nil {
		return nil, fmt.Errorf("gated call instruction is required")
	}
	tok, err := s.token(policy)
	if err != nil {
		return nil, err
	}
	if !s.withinLimit(policy) {
		return nil, x402.ErrAmountExceeded
	}

	client := s.rpcClient
	if client == nil {
		chain, err := x402.GetChainConfig(s.network)
		if err != nil {
			return nil, fmt.Errorf("failed to get RPC URL: %w", err)
		}
		client = rpc.New(chain.RPCURL)
	}

	ctx, cancel := context.WithTimeout(ctx, x402.DefaultTimeouts.VerifyTimeout)
	defer cancel()
	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	var instructions []solana.Instruction
	if s.computeUnits > 0 {
		instructions = append(instructions,
			solutil.BuildSetComputeUnitLimitInstruction(s.computeUnits),
			solutil.BuildSetComputeUnitPriceInstruction(s.unitPrice),
		)
	}

	transfer := func(to solana.PublicKey, amount uint64) (solana.Instruction, error) {
		if policy.IsNative() {
			return solutil.BuildNativeTransfer(s.publicKey, to, amount), nil
		}
		return solutil.BuildTokenTransfer(s.publicKey, to, tok.Mint, amount, tok.Decimals)
	}

	if !policy.IsNative() {
		// The owner funds the recipient ATAs so the fee payer never appears in an instruction.
		owners := []solana.PublicKey{policy.Recipient}
		if policy.FacilitatorFee != nil {
			owners = append(owners, policy.FacilitatorFee.Recipient)
		}
		for _, owner := range owners {
			createATA, err := solutil.BuildCreateIdempotentATAInstruction(s.publicKey, owner, tok.Mint)
			if err != nil {
				return nil, fmt.Errorf("failed to build ATA creation instruction: %w", err)
			}
			instructions = append(instructions, createATA)
		}
	}

	if fee := policy.FacilitatorFee; fee != nil && fee.Amount > 0 {
		ix, err := transfer(fee.Recipient, fee.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to build fee transfer: %w", err)
		}
		instructions = append(instructions, ix)
	}
	payment, err := transfer(policy.Recipient, policy.Price)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment transfer: %w", err)
	}
	instructions = append(instructions, payment, req.GatedCall)

	feePayer := s.publicKey
	if !req.FeePayer.IsZero() {
		feePayer = req.FeePayer
	}
	tx, err := transaction.Build(feePayer, recent.Value.Blockhash, instructions...)
	if err != nil {
		return nil, err
	}

	// Sign only with the client key; a separate fee payer adds its signature on settle.
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return raw, nil
}
