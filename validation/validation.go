// Package validation decides whether a decoded transaction pays for a gated call.
//
// The payment must be the instruction immediately preceding the gated call.
// Only that position is inspected; an earlier transfer elsewhere in the
// transaction never satisfies a policy.
package validation

import (
	"github.com/gagliardetto/solana-go"

	x402 "github.com/mark3labs/x402-gate"
	solutil "github.com/mark3labs/x402-gate/internal/solana"
	"github.com/mark3labs/x402-gate/transaction"
)

// Validate reports whether the instruction at index satisfies policy.
// It returns nil or a *x402.PaymentError of kind structural or policy.
// Validate has no side effects.
func Validate(tx *transaction.Parsed, index int, policy x402.PaymentPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if tx == nil || tx.Len() < 2 {
		n := 0
		if tx != nil {
			n = tx.Len()
		}
		return x402.NewPaymentError(x402.ErrCodeMissingInstruction, "a payment and a gated call are required", nil).
			WithDetails("instructions", n)
	}
	candidate, ok := tx.Instruction(index)
	if !ok {
		return x402.NewPaymentError(x402.ErrCodeMissingInstruction, "no instruction at payment index", nil).
			WithDetails("index", index).
			WithDetails("instructions", tx.Len())
	}

	expected := ExpectedProgram(policy)
	if !candidate.ProgramID.Equals(expected) {
		return x402.NewPaymentError(x402.ErrCodeWrongProgram, "payment targets the wrong program", nil).
			WithDetails("expected", expected.String()).
			WithDetails("actual", candidate.ProgramID.String())
	}

	transfer, err := DecodeTransfer(candidate)
	if err != nil {
		return err
	}

	if err := checkRecipient(transfer, policy.Recipient, policy); err != nil {
		return err
	}
	if transfer.Amount < policy.Price {
		return x402.NewPaymentError(x402.ErrCodeInvalidPaymentAmount, "payment is below the price", nil).
			WithDetails("required", policy.Price).
			WithDetails("paid", transfer.Amount)
	}

	if policy.FacilitatorFee != nil {
		return checkFee(tx, index, policy)
	}
	return nil
}

// ValidateGatedCall validates the payment for the gated instruction at gatedIndex,
// which by convention is the instruction at gatedIndex-1.
func ValidateGatedCall(tx *transaction.Parsed, gatedIndex int, policy x402.PaymentPolicy) error {
	if gatedIndex <= 0 {
		return x402.NewPaymentError(x402.ErrCodeMissingInstruction, "gated call has no preceding instruction", nil).
			WithDetails("index", gatedIndex)
	}
	if tx != nil && gatedIndex >= tx.Len() {
		return x402.NewPaymentError(x402.ErrCodeMissingInstruction, "no gated call at index", nil).
			WithDetails("index", gatedIndex).
			WithDetails("instructions", tx.Len())
	}
	return Validate(tx, gatedIndex-1, policy)
}

// checkRecipient accepts the recipient itself or, for token payments,
// its associated token account for the policy mint.
func checkRecipient(t Transfer, recipient solana.PublicKey, policy x402.PaymentPolicy) error {
	if !policy.IsNative() && t.Mint != nil && !t.Mint.Equals(*policy.Asset) {
		return x402.NewPaymentError(x402.ErrCodeInvalidPaymentRecipient, "payment is in the wrong mint", nil).
			WithDetails("expected", policy.Asset.String()).
			WithDetails("actual", t.Mint.String())
	}
	if paysTo(t, recipient, policy) {
		return nil
	}
	return x402.NewPaymentError(x402.ErrCodeInvalidPaymentRecipient, "payment is sent to the wrong recipient", nil).
		WithDetails("expected", recipient.String()).
		WithDetails("actual", t.Destination.String())
}

func paysTo(t Transfer, owner solana.PublicKey, policy x402.PaymentPolicy) bool {
	if t.Destination.Equals(owner) {
		return true
	}
	if policy.IsNative() {
		return false
	}
	ata, err := solutil.DeriveAssociatedTokenAddress(owner, *policy.Asset)
	return err == nil && t.Destination.Equals(ata)
}

// checkFee looks for the facilitator fee in the instruction before the payment.
func checkFee(tx *transaction.Parsed, paymentIndex int, policy x402.PaymentPolicy) error {
	fee := policy.FacilitatorFee
	missing := func() error {
		if !fee.Mandatory {
			return nil
		}
		return x402.NewPaymentError(x402.ErrCodeInvalidFacilitatorFee, "facilitator fee transfer is missing", nil).
			WithDetails("required", fee.Amount)
	}

	ix, ok := tx.Instruction(paymentIndex - 1)
	if !ok || !ix.ProgramID.Equals(ExpectedProgram(policy)) {
		return missing()
	}
	transfer, err := DecodeTransfer(ix)
	if err != nil || !paysTo(transfer, fee.Recipient, policy) {
		return missing()
	}
	if transfer.Mint != nil && !policy.IsNative() && !transfer.Mint.Equals(*policy.Asset) {
		return missing()
	}
	if transfer.Amount < fee.Amount {
		return x402.NewPaymentError(x402.ErrCodeInvalidFacilitatorFee, "facilitator fee is below the split", nil).
			WithDetails("required", fee.Amount).
			WithDetails("paid", transfer.Amount)
	}
	return nil
}
