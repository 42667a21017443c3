// Package transaction decodes serialized Solana transactions into an ordered,
// immutable list of instructions with resolved account references.
package transaction

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// AccountRef is one account referenced by an instruction.
type AccountRef struct {
	PublicKey  solana.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is one decoded operation within a transaction.
// Values returned by Decode own their slices; treat them as read-only.
type Instruction struct {
	// ProgramID is the program the instruction invokes.
	ProgramID solana.PublicKey

	// Accounts are the account references in instruction order.
	Accounts []AccountRef

	// Data is the opaque instruction payload.
	Data []byte
}

// NewInstruction returns an Instruction holding copies of accounts and data.
func NewInstruction(programID solana.PublicKey, accounts []AccountRef, data []byte) Instruction {
	ix := Instruction{ProgramID: programID}
	if len(accounts) > 0 {
		ix.Accounts = append([]AccountRef(nil), accounts...)
	}
	if len(data) > 0 {
		ix.Data = append([]byte(nil), data...)
	}
	return ix
}

// FromSolana converts a solana-go instruction builder result.
func FromSolana(in solana.Instruction) (Instruction, error) {
	data, err := in.Data()
	if err != nil {
		return Instruction{}, fmt.Errorf("instruction data: %w", err)
	}
	var accounts []AccountRef
	for _, meta := range in.Accounts() {
		if meta == nil {
			return Instruction{}, fmt.Errorf("instruction has nil account meta")
		}
		accounts = append(accounts, AccountRef{
			PublicKey:  meta.PublicKey,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		})
	}
	return NewInstruction(in.ProgramID(), accounts, data), nil
}

// Account returns the i-th account reference.
func (ix Instruction) Account(i int) (AccountRef, bool) {
	if i < 0 || i >= len(ix.Accounts) {
		return AccountRef{}, false
	}
	return ix.Accounts[i], true
}

// AccountMetas returns the references as solana-go account metas.
func (ix Instruction) AccountMetas() solana.AccountMetaSlice {
	metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
	for _, a := range ix.Accounts {
		metas = append(metas, &solana.AccountMeta{
			PublicKey:  a.PublicKey,
			IsSigner:   a.IsSigner,
			IsWritable: a.IsWritable,
		})
	}
	return metas
}
