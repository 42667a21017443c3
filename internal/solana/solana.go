// Package solana provides instruction builders and address helpers shared by
// the validator, the fee payer and the paying client.
package solana

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// MemoProgramID is the SPL Memo program, used as a stand-in gated call by clients and tests.
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// DefaultComputeUnits is the default compute unit limit for payment transactions.
const DefaultComputeUnits uint32 = 200_000

// DefaultComputeUnitPrice is the default compute unit price in microlamports.
const DefaultComputeUnitPrice uint64 = 10_000

// Compute Budget instruction discriminators.
const (
	computeBudgetSetUnitLimit uint8 = 2
	computeBudgetSetUnitPrice uint8 = 3
)

// MaxComputeUnits is the per-transaction compute unit ceiling enforced by the runtime.
const MaxComputeUnits uint32 = 1_400_000

// ComputeBudget is the compute unit limit and price a transaction requests.
// Zero fields mean the transaction does not set them.
type ComputeBudget struct {
	Units         uint32
	Microlamports uint64
}

// ErrComputeBudget reports a Compute Budget instruction that cannot be decoded or repeats a setting.
var ErrComputeBudget = errors.New("invalid compute budget instruction")

// ReadComputeBudget applies one Compute Budget instruction payload to b.
// Instructions other than the unit limit and unit price are ignored.
func ReadComputeBudget(data []byte, b *ComputeBudget) error {
	if len(data) == 0 {
		return ErrComputeBudget
	}
	switch data[0] {
	case computeBudgetSetUnitLimit:
		if len(data) != 5 || b.Units != 0 {
			return ErrComputeBudget
		}
		b.Units = binary.LittleEndian.Uint32(data[1:])
	case computeBudgetSetUnitPrice:
		if len(data) != 9 || b.Microlamports != 0 {
			return ErrComputeBudget
		}
		b.Microlamports = binary.LittleEndian.Uint64(data[1:])
	}
	return nil
}

// PriorityFee returns the priority fee in lamports for units at the requested price, rounded up.
// It saturates at the maximum uint64.
func (b ComputeBudget) PriorityFee(units uint32) uint64 {
	hi, lo := bits.Mul64(uint64(units), b.Microlamports)
	if hi >= 1_000_000 {
		return ^uint64(0)
	}
	q, r := bits.Div64(hi, lo, 1_000_000)
	if r != 0 && q != ^uint64(0) {
		q++
	}
	return q
}

// BuildNativeTransfer creates a System Program transfer of lamports.
func BuildNativeTransfer(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}

// BuildTokenTransfer creates an SPL Token TransferChecked between the
// associated token accounts of owner and recipient.
func BuildTokenTransfer(owner, recipient, mint solana.PublicKey, amount uint64, decimals uint8) (solana.Instruction, error) {
	source, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	destination, err := DeriveAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, err
	}
	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(owner).
		Build(), nil
}

// BuildSetComputeUnitLimitInstruction creates a SetComputeUnitLimit instruction.
func BuildSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = computeBudgetSetUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// BuildSetComputeUnitPriceInstruction creates a SetComputeUnitPrice instruction.
func BuildSetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = computeBudgetSetUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microlamports)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// BuildMemoInstruction creates a memo instruction carrying text.
func BuildMemoInstruction(text string) solana.Instruction {
	return solana.NewInstruction(MemoProgramID, solana.AccountMetaSlice{}, []byte(text))
}

// DeriveAssociatedTokenAddress derives an Associated Token Account (ATA) address.
func DeriveAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return ata, nil
}

// BuildCreateIdempotentATAInstruction creates the recipient's token account if missing.
// CreateIdempotent (discriminator 1) succeeds when the account already exists.
func BuildCreateIdempotentATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1}), nil
}
