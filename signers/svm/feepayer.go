package svm

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	x402 "github.com/mark3labs/x402-gate"
	solutil "github.com/mark3labs/x402-gate/internal/solana"
	"github.com/mark3labs/x402-gate/transaction"
	"github.com/mark3labs/x402-gate/validation"
)

// ataOwnerIndex is the owner account of an associated token account creation.
const ataOwnerIndex = 2

// DefaultMaxPriorityFee is the largest priority fee, in lamports, a fee payer
// co-signs unless configured otherwise.
const DefaultMaxPriorityFee uint64 = 100_000

// defaultUnitsPerInstruction is the runtime's compute unit allowance per
// instruction when a transaction sets no limit.
const defaultUnitsPerInstruction uint32 = 200_000

// FeePayer co-signs client transactions as the fee-paying account.
type FeePayer struct {
	privateKey      solana.PrivateKey
	publicKey       solana.PublicKey
	maxComputeUnits uint32
	maxPriorityFee  uint64
}

// FeePayerOption configures a FeePayer.
type FeePayerOption func(*FeePayer) error

// WithMaxComputeUnits caps the compute unit limit of co-signed transactions.
func WithMaxComputeUnits(units uint32) FeePayerOption {
	return func(f *FeePayer) error {
		if units == 0 || units > solutil.MaxComputeUnits {
			return fmt.Errorf("max compute units must be between 1 and %d", solutil.MaxComputeUnits)
		}
		f.maxComputeUnits = units
		return nil
	}
}

// WithMaxPriorityFee caps the priority fee, in lamports, of co-signed transactions.
// Zero refuses any priority fee.
func WithMaxPriorityFee(lamports uint64) FeePayerOption {
	return func(f *FeePayer) error {
		f.maxPriorityFee = lamports
		return nil
	}
}

// NewFeePayer creates a fee payer from a base58-encoded private key.
func NewFeePayer(privateKeyBase58 string, opts ...FeePayerOption) (*FeePayer, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, x402.ErrInvalidKey
	}
	return NewFeePayerFromKey(key, opts...)
}

// NewFeePayerFromKey creates a fee payer from an existing private key.
func NewFeePayerFromKey(key solana.PrivateKey, opts ...FeePayerOption) (*FeePayer, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: invalid key length (expected 64 bytes)", x402.ErrInvalidKey)
	}
	f := &FeePayer{
		privateKey:      key,
		publicKey:       key.PublicKey(),
		maxComputeUnits: solutil.MaxComputeUnits,
		maxPriorityFee:  DefaultMaxPriorityFee,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// NewFeePayerFromKeygenFile creates a fee payer from a Solana keygen JSON file.
func NewFeePayerFromKeygenFile(path string, opts ...FeePayerOption) (*FeePayer, error) {
	key, err := readKeygenFile(path)
	if err != nil {
		return nil, err
	}
	return NewFeePayerFromKey(key, opts...)
}

// Address returns the fee payer's public key.
func (f *FeePayer) Address() solana.PublicKey {
	return f.publicKey
}

// Check rejects transactions in which the fee payer does anything but pay
// fees, receive a transfer, or own a created token account. Transactions the
// fee payer pays for must also keep their compute budget within its limits.
func (f *FeePayer) Check(tx *transaction.Parsed) error {
	if tx.FeePayer().Equals(f.publicKey) {
		if err := f.checkBudget(tx); err != nil {
			return err
		}
	}
	for i, ix := range tx.Instructions {
		for pos, acct := range ix.Accounts {
			if !acct.PublicKey.Equals(f.publicKey) {
				continue
			}
			if f.allowed(ix, pos) {
				continue
			}
			return x402.NewPaymentError(x402.ErrCodeFeePayerMisuse, "fee payer may not be used by instructions", nil).
				WithDetails("instruction", i).
				WithDetails("account", pos)
		}
	}
	return nil
}

func (f *FeePayer) checkBudget(tx *transaction.Parsed) error {
	var budget solutil.ComputeBudget
	others := 0
	for i, ix := range tx.Instructions {
		if !ix.ProgramID.Equals(solutil.ComputeBudgetProgramID) {
			others++
			continue
		}
		if err := solutil.ReadComputeBudget(ix.Data, &budget); err != nil {
			return x402.NewPaymentError(x402.ErrCodeFeePayerMisuse, "unusable compute budget", err).
				WithDetails("instruction", i)
		}
	}

	units := budget.Units
	if units == 0 {
		units = min(uint32(others)*defaultUnitsPerInstruction, solutil.MaxComputeUnits)
	}
	if units > f.maxComputeUnits {
		return x402.NewPaymentError(x402.ErrCodeFeePayerMisuse, "compute unit limit exceeds fee payer cap", nil).
			WithDetails("units", units).
			WithDetails("max", f.maxComputeUnits)
	}
	if fee := budget.PriorityFee(units); fee > f.maxPriorityFee {
		return x402.NewPaymentError(x402.ErrCodeFeePayerMisuse, "priority fee exceeds fee payer cap", nil).
			WithDetails("priority_fee", fee).
			WithDetails("max", f.maxPriorityFee)
	}
	return nil
}

func (f *FeePayer) allowed(ix transaction.Instruction, pos int) bool {
	if ix.ProgramID.Equals(solana.SPLAssociatedTokenAccountProgramID) {
		return pos == ataOwnerIndex
	}
	t, err := validation.DecodeTransfer(ix)
	if err != nil {
		return false
	}
	return t.Destination.Equals(f.publicKey) &&
		!t.Source.Equals(f.publicKey) &&
		!t.Authority.Equals(f.publicKey)
}

// Cosign adds the fee payer's signature to a serialized transaction.
// Transactions that do not list the fee payer as a signer are returned unchanged.
func (f *FeePayer) Cosign(raw []byte) ([]byte, error) {
	parsed, err := transaction.Decode(raw)
	if err != nil {
		return nil, err
	}
	needed := false
	for _, key := range parsed.Signers() {
		if key.Equals(f.publicKey) {
			needed = true
			break
		}
	}
	if !needed {
		return raw, nil
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedTransaction, "failed to decode transaction", err)
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(f.publicKey) {
			return &f.privateKey
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to co-sign transaction: %w", err)
	}
	return tx.MarshalBinary()
}
