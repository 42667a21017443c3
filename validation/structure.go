package validation

import (
	"github.com/gagliardetto/solana-go"

	x402 "github.com/mark3labs/x402-gate"
	solutil "github.com/mark3labs/x402-gate/internal/solana"
	"github.com/mark3labs/x402-gate/transaction"
)

// IsSetupProgram reports whether programID only prepares a transaction
// (compute budget, token account creation) and never carries a payment.
func IsSetupProgram(programID solana.PublicKey) bool {
	return programID.Equals(solutil.ComputeBudgetProgramID) ||
		programID.Equals(solana.SPLAssociatedTokenAccountProgramID)
}

// CheckStructure performs the policy-free checks applied on verify and
// returns the index of the payment instruction.
//
// The transaction needs at least two instructions. Skipping a leading run of
// setup instructions, the first instruction must target a transfer program
// and must be followed by at least one more instruction.
func CheckStructure(tx *transaction.Parsed) (int, error) {
	if tx == nil || tx.Len() < 2 {
		n := 0
		if tx != nil {
			n = tx.Len()
		}
		return -1, x402.NewPaymentError(x402.ErrCodeMissingInstruction, "a payment and a gated call are required", nil).
			WithDetails("instructions", n)
	}

	first := 0
	for first < tx.Len() && IsSetupProgram(tx.Instructions[first].ProgramID) {
		first++
	}
	if first >= tx.Len()-1 {
		return -1, x402.NewPaymentError(x402.ErrCodeMissingInstruction, "no payment followed by a gated call", nil).
			WithDetails("instructions", tx.Len()).
			WithDetails("setup", first)
	}

	program := tx.Instructions[first].ProgramID
	if !IsTransferProgram(program) {
		return -1, x402.NewPaymentError(x402.ErrCodeWrongProgram, "first instruction is not a transfer", nil).
			WithDetails("index", first).
			WithDetails("actual", program.String())
	}
	return first, nil
}
