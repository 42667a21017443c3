package transaction

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Build compiles instructions into a legacy transaction paid by payer.
// Every signature slot is allocated and left zero so the result serializes
// before signing; callers fill slots with PartialSign or Sign.
func Build(payer solana.PublicKey, blockhash solana.Hash, instructions ...solana.Instruction) (*solana.Transaction, error) {
	if len(instructions) == 0 {
		return nil, fmt.Errorf("at least one instruction is required")
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx, nil
}

// Marshal builds and serializes an unsigned transaction.
func Marshal(payer solana.PublicKey, blockhash solana.Hash, instructions ...solana.Instruction) ([]byte, error) {
	tx, err := Build(payer, blockhash, instructions...)
	if err != nil {
		return nil, err
	}
	return tx.MarshalBinary()
}
