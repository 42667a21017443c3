package validation

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/transaction"
)

// Transfer is the decoded shape of a payment instruction.
type Transfer struct {
	// Program is the program that executes the transfer.
	Program solana.PublicKey

	// Source is the debited account (a wallet for native, a token account for SPL).
	Source solana.PublicKey

	// Destination is the credited account.
	Destination solana.PublicKey

	// Authority is the signer authorizing the debit.
	Authority solana.PublicKey

	// Mint is set for TransferChecked only.
	Mint *solana.PublicKey

	// Amount is in lamports or token base units.
	Amount uint64
}

// Instruction layouts. System instructions use a u32 discriminator,
// SPL Token instructions a u8.
const (
	systemTransferLen       = 4 + 8
	systemWithSeedMinLen    = 4 + 8 + 8 + 32
	tokenTransferLen        = 1 + 8
	tokenTransferCheckedLen = 1 + 8 + 1
)

// IsTransferProgram reports whether programID is a recognized transfer mechanism.
func IsTransferProgram(programID solana.PublicKey) bool {
	return programID.Equals(solana.SystemProgramID) || programID.Equals(solana.TokenProgramID)
}

// ExpectedProgram returns the program a payment under policy must target.
func ExpectedProgram(policy x402.PaymentPolicy) solana.PublicKey {
	if policy.IsNative() {
		return solana.SystemProgramID
	}
	return solana.TokenProgramID
}

// DecodeTransfer decodes ix according to the layout of its program.
// It fails with UNDECODABLE_TRANSFER when the payload is not a transfer
// and WRONG_PROGRAM when the program is not a transfer mechanism.
func DecodeTransfer(ix transaction.Instruction) (Transfer, error) {
	switch {
	case ix.ProgramID.Equals(solana.SystemProgramID):
		return DecodeNativeTransfer(ix)
	case ix.ProgramID.Equals(solana.TokenProgramID):
		return DecodeTokenTransfer(ix)
	default:
		return Transfer{}, x402.NewPaymentError(x402.ErrCodeWrongProgram, "instruction is not a transfer program", nil).
			WithDetails("program", ix.ProgramID.String())
	}
}

// DecodeNativeTransfer decodes a System Program Transfer or TransferWithSeed.
func DecodeNativeTransfer(ix transaction.Instruction) (Transfer, error) {
	if len(ix.Data) < 4 {
		return Transfer{}, undecodable("system instruction too short", len(ix.Data))
	}

	switch binary.LittleEndian.Uint32(ix.Data[:4]) {
	case system.Instruction_Transfer:
		if len(ix.Data) != systemTransferLen || len(ix.Accounts) < 2 {
			return Transfer{}, undecodable("malformed system transfer", len(ix.Data))
		}
		return Transfer{
			Program:     ix.ProgramID,
			Source:      ix.Accounts[0].PublicKey,
			Destination: ix.Accounts[1].PublicKey,
			Authority:   ix.Accounts[0].PublicKey,
			Amount:      binary.LittleEndian.Uint64(ix.Data[4:12]),
		}, nil

	case system.Instruction_TransferWithSeed:
		// lamports u64, seed as u64 length + bytes, owner pubkey
		if len(ix.Data) < systemWithSeedMinLen || len(ix.Accounts) < 3 {
			return Transfer{}, undecodable("malformed system transfer with seed", len(ix.Data))
		}
		seedLen := binary.LittleEndian.Uint64(ix.Data[12:20])
		if seedLen > uint64(len(ix.Data)) || uint64(len(ix.Data)) != uint64(systemWithSeedMinLen)+seedLen {
			return Transfer{}, undecodable("malformed system transfer seed", len(ix.Data))
		}
		return Transfer{
			Program:     ix.ProgramID,
			Source:      ix.Accounts[0].PublicKey,
			Destination: ix.Accounts[2].PublicKey,
			Authority:   ix.Accounts[1].PublicKey,
			Amount:      binary.LittleEndian.Uint64(ix.Data[4:12]),
		}, nil

	default:
		return Transfer{}, undecodable("system instruction is not a transfer", len(ix.Data))
	}
}

// DecodeTokenTransfer decodes an SPL Token Transfer or TransferChecked.
func DecodeTokenTransfer(ix transaction.Instruction) (Transfer, error) {
	if len(ix.Data) < 1 {
		return Transfer{}, undecodable("token instruction is empty", 0)
	}

	switch ix.Data[0] {
	case token.Instruction_Transfer:
		if len(ix.Data) != tokenTransferLen || len(ix.Accounts) < 3 {
			return Transfer{}, undecodable("malformed token transfer", len(ix.Data))
		}
		return Transfer{
			Program:     ix.ProgramID,
			Source:      ix.Accounts[0].PublicKey,
			Destination: ix.Accounts[1].PublicKey,
			Authority:   ix.Accounts[2].PublicKey,
			Amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
		}, nil

	case token.Instruction_TransferChecked:
		if len(ix.Data) != tokenTransferCheckedLen || len(ix.Accounts) < 4 {
			return Transfer{}, undecodable("malformed token transfer checked", len(ix.Data))
		}
		mint := ix.Accounts[1].PublicKey
		return Transfer{
			Program:     ix.ProgramID,
			Source:      ix.Accounts[0].PublicKey,
			Destination: ix.Accounts[2].PublicKey,
			Authority:   ix.Accounts[3].PublicKey,
			Mint:        &mint,
			Amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
		}, nil

	default:
		return Transfer{}, undecodable("token instruction is not a transfer", len(ix.Data))
	}
}

func undecodable(msg string, dataLen int) *x402.PaymentError {
	return x402.NewPaymentError(x402.ErrCodeUndecodableTransfer, msg, nil).
		WithDetails("dataLength", dataLen)
}
