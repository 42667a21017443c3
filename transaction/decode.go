package transaction

import (
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	x402 "github.com/mark3labs/x402-gate"
)

// Parsed is a decoded transaction. Instructions keep their serialized order.
type Parsed struct {
	// Version is the message format (legacy or v0).
	Version solana.MessageVersion

	// Header carries the signer and read-only account counts.
	Header solana.MessageHeader

	// AccountKeys is the account table referenced by instructions.
	AccountKeys []solana.PublicKey

	// BlockReference is the recent blockhash the transaction was built against.
	BlockReference solana.Hash

	// Instructions are the decoded instructions in execution order.
	Instructions []Instruction

	// Signatures holds one slot per required signer. Unsigned slots are zero.
	Signatures []solana.Signature

	// MessageHash is the SHA-256 of the canonical message encoding. Copies of a
	// transaction share it whatever their signatures.
	MessageHash [32]byte
}

// Len returns the number of instructions.
func (p *Parsed) Len() int {
	return len(p.Instructions)
}

// Instruction returns the instruction at index i.
func (p *Parsed) Instruction(i int) (Instruction, bool) {
	if i < 0 || i >= len(p.Instructions) {
		return Instruction{}, false
	}
	return p.Instructions[i], true
}

// FeePayer returns the first signer.
func (p *Parsed) FeePayer() solana.PublicKey {
	if len(p.AccountKeys) == 0 {
		return solana.PublicKey{}
	}
	return p.AccountKeys[0]
}

// Signers returns the accounts that must sign, in signature order.
func (p *Parsed) Signers() []solana.PublicKey {
	n := int(p.Header.NumRequiredSignatures)
	if n > len(p.AccountKeys) {
		n = len(p.AccountKeys)
	}
	return append([]solana.PublicKey(nil), p.AccountKeys[:n]...)
}

// IsSigner reports whether the account at index i of the account table must sign.
func (p *Parsed) IsSigner(i int) bool {
	return i >= 0 && i < int(p.Header.NumRequiredSignatures) && i < len(p.AccountKeys)
}

// IsWritable reports whether the account at index i of the account table is writable.
func (p *Parsed) IsWritable(i int) bool {
	return isWritable(p.Header, len(p.AccountKeys), i)
}

func isWritable(h solana.MessageHeader, numKeys, i int) bool {
	if i < 0 || i >= numKeys {
		return false
	}
	signers := int(h.NumRequiredSignatures)
	if i < signers {
		return i < signers-int(h.NumReadonlySignedAccounts)
	}
	return i < numKeys-int(h.NumReadonlyUnsignedAccounts)
}

// Decode parses a serialized transaction.
//
// Decode is total over byte input: every failure is a *x402.PaymentError
// with code MALFORMED_TRANSACTION, except a well-formed transaction with no
// instructions, which fails with MISSING_INSTRUCTION.
func Decode(raw []byte) (p *Parsed, err error) {
	if len(raw) == 0 {
		return nil, malformed("empty transaction", nil)
	}

	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = malformed("decoder panic", fmt.Errorf("%v", r))
		}
	}()

	decoder := bin.NewBinDecoder(raw)
	tx, err := solana.TransactionFromDecoder(decoder)
	if err != nil {
		return nil, malformed("failed to decode transaction", err)
	}
	if decoder.Remaining() != 0 {
		return nil, malformed("trailing bytes after transaction", nil).
			WithDetails("trailing", decoder.Remaining())
	}

	return fromSolana(tx)
}

func fromSolana(tx *solana.Transaction) (*Parsed, error) {
	msg := &tx.Message
	h := msg.Header
	numKeys := len(msg.AccountKeys)

	if len(msg.AddressTableLookups) > 0 {
		return nil, malformed("address table lookups are not supported", nil)
	}
	if h.NumRequiredSignatures == 0 {
		return nil, malformed("transaction has no signers", nil)
	}
	if int(h.NumRequiredSignatures) > numKeys {
		return nil, malformed("header requires more signers than accounts", nil).
			WithDetails("signers", h.NumRequiredSignatures).
			WithDetails("accounts", numKeys)
	}
	if h.NumReadonlySignedAccounts >= h.NumRequiredSignatures {
		return nil, malformed("fee payer must be writable", nil)
	}
	if int(h.NumReadonlyUnsignedAccounts) > numKeys-int(h.NumRequiredSignatures) {
		return nil, malformed("header marks more read-only accounts than exist", nil)
	}
	seen := make(map[solana.PublicKey]struct{}, numKeys)
	for _, key := range msg.AccountKeys {
		if _, dup := seen[key]; dup {
			return nil, malformed("duplicate account key", nil).WithDetails("account", key.String())
		}
		seen[key] = struct{}{}
	}
	if len(tx.Signatures) != int(h.NumRequiredSignatures) {
		return nil, malformed("signature count does not match header", nil).
			WithDetails("signatures", len(tx.Signatures)).
			WithDetails("required", h.NumRequiredSignatures)
	}

	message, err := msg.MarshalBinary()
	if err != nil {
		return nil, malformed("failed to encode message", err)
	}

	p := &Parsed{
		MessageHash:    sha256.Sum256(message),
		Version:        msg.GetVersion(),
		Header:         h,
		AccountKeys:    append([]solana.PublicKey(nil), msg.AccountKeys...),
		BlockReference: msg.RecentBlockhash,
		Signatures:     append([]solana.Signature(nil), tx.Signatures...),
	}

	for i, ci := range msg.Instructions {
		if int(ci.ProgramIDIndex) >= numKeys {
			return nil, malformed("program index out of range", nil).
				WithDetails("instruction", i).
				WithDetails("index", ci.ProgramIDIndex)
		}
		var accounts []AccountRef
		for _, idx := range ci.Accounts {
			if int(idx) >= numKeys {
				return nil, malformed("account index out of range", nil).
					WithDetails("instruction", i).
					WithDetails("index", idx)
			}
			accounts = append(accounts, AccountRef{
				PublicKey:  msg.AccountKeys[idx],
				IsSigner:   int(idx) < int(h.NumRequiredSignatures),
				IsWritable: isWritable(h, numKeys, int(idx)),
			})
		}
		p.Instructions = append(p.Instructions, NewInstruction(msg.AccountKeys[ci.ProgramIDIndex], accounts, ci.Data))
	}

	if len(p.Instructions) == 0 {
		return nil, x402.NewPaymentError(x402.ErrCodeMissingInstruction, "transaction has no instructions", nil)
	}
	return p, nil
}

// Encode serializes p against its own account table, so Decode(Encode(p))
// reproduces p exactly.
func Encode(p *Parsed) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	index := make(map[solana.PublicKey]uint16, len(p.AccountKeys))
	for i, key := range p.AccountKeys {
		index[key] = uint16(i)
	}
	lookup := func(key solana.PublicKey) (uint16, error) {
		idx, ok := index[key]
		if !ok {
			return 0, fmt.Errorf("account %s not in account table", key)
		}
		return idx, nil
	}

	msg := solana.Message{
		AccountKeys:     append(solana.PublicKeySlice(nil), p.AccountKeys...),
		Header:          p.Header,
		RecentBlockhash: p.BlockReference,
	}
	msg.SetVersion(p.Version)

	for _, ix := range p.Instructions {
		programIdx, err := lookup(ix.ProgramID)
		if err != nil {
			return nil, err
		}
		ci := solana.CompiledInstruction{ProgramIDIndex: programIdx, Data: solana.Base58(ix.Data)}
		for _, a := range ix.Accounts {
			idx, err := lookup(a.PublicKey)
			if err != nil {
				return nil, err
			}
			ci.Accounts = append(ci.Accounts, idx)
		}
		msg.Instructions = append(msg.Instructions, ci)
	}

	tx := solana.Transaction{
		Signatures: append([]solana.Signature(nil), p.Signatures...),
		Message:    msg,
	}
	return tx.MarshalBinary()
}

func malformed(msg string, err error) *x402.PaymentError {
	return x402.NewPaymentError(x402.ErrCodeMalformedTransaction, msg, err)
}
