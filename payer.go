package x402

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// PaymentRequest describes one payment a client must make.
type PaymentRequest struct {
	// Policy is the policy the payment must satisfy.
	Policy PaymentPolicy

	// GatedCall is the instruction the payment pays for. It is placed
	// immediately after the payment.
	GatedCall solana.Instruction

	// FeePayer is the account paying transaction fees. Zero means the payer itself.
	FeePayer solana.PublicKey
}

// Payer builds signed payment transactions.
// Implementations handle key custody and instruction layout.
type Payer interface {
	// Network returns the CAIP-2 network identifier.
	Network() string

	// Address returns the account that funds payments.
	Address() solana.PublicKey

	// CanPay reports whether the payer supports the policy's asset and limits.
	CanPay(policy PaymentPolicy) bool

	// Pay returns a serialized transaction containing the payment followed by the gated call.
	// When FeePayer is set and differs from Address the transaction is partially signed.
	Pay(ctx context.Context, req PaymentRequest) ([]byte, error)
}

// TokenConfig describes an SPL token a payer can pay with.
type TokenConfig struct {
	// Mint is the token mint address.
	Mint solana.PublicKey

	// Symbol is a display name such as "USDC".
	Symbol string

	// Decimals is the number of decimal places of the mint.
	Decimals uint8
}
