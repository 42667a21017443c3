package x402

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// DefaultPrice is the price used when a policy declaration omits one.
const DefaultPrice uint64 = 1_000_000

// PolicyOption configures ParsePolicy.
type PolicyOption func(*policyOptions)

type policyOptions struct {
	recipient    solana.PublicKey
	feeRecipient solana.PublicKey
}

// WithDefaultRecipient sets the recipient used when the declaration has none.
func WithDefaultRecipient(recipient solana.PublicKey) PolicyOption {
	return func(o *policyOptions) {
		o.recipient = recipient
	}
}

// WithFeeRecipient sets the facilitator account that receives facilitator_fee.
func WithFeeRecipient(recipient solana.PublicKey) PolicyOption {
	return func(o *policyOptions) {
		o.feeRecipient = recipient
	}
}

// ParsePolicy builds a PaymentPolicy from a gating declaration such as
//
//	price = 5_000_000, token = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", facilitator_fee = 2
//
// Recognized keys are price, token (or asset), recipient, facilitator_fee
// (a whole percentage of the price) and fee_mandatory. Integers may contain
// underscores. A token equal to the System Program id means the native asset.
func ParsePolicy(declaration string, opts ...PolicyOption) (PaymentPolicy, error) {
	var o policyOptions
	for _, opt := range opts {
		opt(&o)
	}

	policy := PaymentPolicy{
		Price:     DefaultPrice,
		Recipient: o.recipient,
	}
	var feePercent uint64
	var feeMandatory bool

	for _, field := range strings.Split(declaration, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return PaymentPolicy{}, fmt.Errorf("%w: expected key = value, got %q", ErrInvalidPolicy, field)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch key {
		case "price":
			price, err := parseUnderscored(value)
			if err != nil {
				return PaymentPolicy{}, fmt.Errorf("%w: price: %v", ErrInvalidPolicy, err)
			}
			policy.Price = price
		case "token", "asset":
			mint, err := solana.PublicKeyFromBase58(value)
			if err != nil {
				return PaymentPolicy{}, fmt.Errorf("%w: token: %v", ErrInvalidPolicy, err)
			}
			if mint.Equals(solana.SystemProgramID) {
				policy.Asset = nil
			} else {
				policy.Asset = &mint
			}
		case "recipient":
			recipient, err := solana.PublicKeyFromBase58(value)
			if err != nil {
				return PaymentPolicy{}, fmt.Errorf("%w: recipient: %v", ErrInvalidPolicy, err)
			}
			policy.Recipient = recipient
		case "facilitator_fee":
			pct, err := parseUnderscored(value)
			if err != nil {
				return PaymentPolicy{}, fmt.Errorf("%w: facilitator_fee: %v", ErrInvalidPolicy, err)
			}
			if pct > 100 {
				return PaymentPolicy{}, fmt.Errorf("%w: facilitator_fee must be a percentage, got %d", ErrInvalidPolicy, pct)
			}
			feePercent = pct
		case "fee_mandatory":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return PaymentPolicy{}, fmt.Errorf("%w: fee_mandatory: %v", ErrInvalidPolicy, err)
			}
			feeMandatory = b
		default:
			return PaymentPolicy{}, fmt.Errorf("%w: unknown key %q", ErrInvalidPolicy, key)
		}
	}

	if feePercent > 0 {
		if o.feeRecipient.IsZero() {
			return PaymentPolicy{}, fmt.Errorf("%w: facilitator_fee set without a fee recipient", ErrInvalidPolicy)
		}
		policy.FacilitatorFee = &FacilitatorFee{
			Recipient: o.feeRecipient,
			Amount:    FeeShare(policy.Price, feePercent),
			Mandatory: feeMandatory,
		}
	}

	if err := policy.Validate(); err != nil {
		return PaymentPolicy{}, err
	}
	return policy, nil
}

// MustParsePolicy is like ParsePolicy but panics on error.
// It is intended for package-level policy declarations.
func MustParsePolicy(declaration string, opts ...PolicyOption) PaymentPolicy {
	policy, err := ParsePolicy(declaration, opts...)
	if err != nil {
		panic(err)
	}
	return policy
}

// FeeShare returns floor(price * percent / 100).
func FeeShare(price, percent uint64) uint64 {
	share := decimal.NewFromBigInt(new(big.Int).SetUint64(price), 0).
		Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(percent), 0)).
		Div(decimal.NewFromInt(100)).
		Floor()
	return share.BigInt().Uint64()
}

// FormatAmount renders an amount in minor units as a decimal string,
// e.g. 1500000 with 6 decimals becomes "1.500000".
func FormatAmount(amount uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals)).
		StringFixed(int32(decimals))
}

func parseUnderscored(s string) (uint64, error) {
	return strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 10, 64)
}
