package x402

import "errors"

// Sentinel errors for payment validation and settlement.
var (
	// ErrMalformedTransaction indicates the transaction bytes do not parse.
	ErrMalformedTransaction = errors.New("x402: malformed transaction")

	// ErrMissingInstruction indicates the transaction has no instruction at the payment position.
	ErrMissingInstruction = errors.New("x402: missing payment instruction")

	// ErrWrongProgram indicates the payment instruction targets an unexpected program.
	ErrWrongProgram = errors.New("x402: payment instruction targets wrong program")

	// ErrUndecodableTransfer indicates the payment instruction is not a transfer.
	ErrUndecodableTransfer = errors.New("x402: payment instruction is not a decodable transfer")

	// ErrInvalidPaymentAmount indicates the transfer amount is below the price.
	ErrInvalidPaymentAmount = errors.New("x402: invalid payment amount")

	// ErrInvalidPaymentRecipient indicates the transfer destination is not the recipient.
	ErrInvalidPaymentRecipient = errors.New("x402: invalid payment recipient")

	// ErrInvalidFacilitatorFee indicates the facilitator fee transfer is missing or short.
	ErrInvalidFacilitatorFee = errors.New("x402: invalid facilitator fee")

	// ErrNotFound indicates no cache entry exists for the id.
	ErrNotFound = errors.New("x402: transaction not found")

	// ErrAlreadySettling indicates another settle call owns the entry.
	ErrAlreadySettling = errors.New("x402: already settling")

	// ErrAlreadySettled indicates the entry was settled before.
	ErrAlreadySettled = errors.New("x402: already settled")

	// ErrExpired indicates the entry outlived its TTL before settlement.
	ErrExpired = errors.New("x402: transaction expired")

	// ErrRejected indicates an earlier settlement attempt was rejected by the ledger.
	ErrRejected = errors.New("x402: settlement rejected")

	// ErrBroadcastTimeout indicates the ledger did not acknowledge the broadcast in time.
	ErrBroadcastTimeout = errors.New("x402: broadcast timeout")

	// ErrStaleBlockhash indicates the transaction's block reference is no longer valid.
	ErrStaleBlockhash = errors.New("x402: stale blockhash")

	// ErrInsufficientFunds indicates the payer cannot cover the transfer or fees.
	ErrInsufficientFunds = errors.New("x402: insufficient funds")

	// ErrDuplicateSubmission indicates the ledger already processed the transaction.
	ErrDuplicateSubmission = errors.New("x402: duplicate submission")

	// ErrBroadcastFailed indicates any other ledger rejection.
	ErrBroadcastFailed = errors.New("x402: broadcast failed")

	// ErrFacilitatorUnavailable indicates the facilitator service is unreachable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrInvalidPolicy indicates a payment policy that cannot be enforced.
	ErrInvalidPolicy = errors.New("x402: invalid payment policy")

	// ErrInvalidNetwork indicates an unsupported network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrMalformedHeader indicates the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrUnsupportedAsset indicates the payer holds no configuration for the policy asset.
	ErrUnsupportedAsset = errors.New("x402: unsupported payment asset")

	// ErrAmountExceeded indicates a payment exceeds the payer's per-call limit.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds limit")

	// ErrNoValidPayer indicates no configured payer can satisfy any offered policy.
	ErrNoValidPayer = errors.New("x402: no payer can satisfy the payment requirements")

	// ErrInvalidRequirements indicates a 402 response without usable payment requirements.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrFeePayerMisuse indicates a transaction that would spend from the facilitator's fee payer.
	ErrFeePayerMisuse = errors.New("x402: fee payer referenced by instructions")
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	ErrCodeMalformedTransaction    ErrorCode = "MALFORMED_TRANSACTION"
	ErrCodeMissingInstruction      ErrorCode = "MISSING_INSTRUCTION"
	ErrCodeWrongProgram            ErrorCode = "WRONG_PROGRAM"
	ErrCodeUndecodableTransfer     ErrorCode = "UNDECODABLE_TRANSFER"
	ErrCodeInvalidPaymentAmount    ErrorCode = "INVALID_PAYMENT_AMOUNT"
	ErrCodeInvalidPaymentRecipient ErrorCode = "INVALID_PAYMENT_RECIPIENT"
	ErrCodeInvalidFacilitatorFee   ErrorCode = "INVALID_FACILITATOR_FEE"
	ErrCodeNotFound                ErrorCode = "NOT_FOUND"
	ErrCodeAlreadySettling         ErrorCode = "ALREADY_SETTLING"
	ErrCodeAlreadySettled          ErrorCode = "ALREADY_SETTLED"
	ErrCodeExpired                 ErrorCode = "EXPIRED"
	ErrCodeRejected                ErrorCode = "REJECTED"
	ErrCodeBroadcastTimeout        ErrorCode = "BROADCAST_TIMEOUT"
	ErrCodeStaleBlockhash          ErrorCode = "STALE_BLOCKHASH"
	ErrCodeInsufficientFunds       ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeDuplicateSubmission     ErrorCode = "DUPLICATE_SUBMISSION"
	ErrCodeBroadcastFailed         ErrorCode = "BROADCAST_FAILED"
	ErrCodeFacilitatorUnavailable  ErrorCode = "FACILITATOR_UNAVAILABLE"
	ErrCodeInvalidRequest          ErrorCode = "INVALID_REQUEST"
	ErrCodeFeePayerMisuse          ErrorCode = "FEE_PAYER_MISUSE"
)

// Kind groups error codes by how a caller should recover.
type Kind string

const (
	// KindStructural errors mean the transaction is not shaped like a payment. Resubmit.
	KindStructural Kind = "structural"
	// KindPolicy errors mean the payment does not satisfy the policy. Resubmit a corrected transaction.
	KindPolicy Kind = "policy"
	// KindLifecycle errors mean the entry is in a state that forbids the operation. Poll status.
	KindLifecycle Kind = "lifecycle"
	// KindInfrastructure errors mean the ledger or the network failed the broadcast.
	KindInfrastructure Kind = "infrastructure"
	// KindUnknown is returned for errors outside the taxonomy.
	KindUnknown Kind = "unknown"
)

// Hint returns a short recovery instruction for the kind.
func (k Kind) Hint() string {
	switch k {
	case KindStructural, KindPolicy:
		return "resubmit the transaction"
	case KindLifecycle:
		return "poll status for the existing outcome"
	case KindInfrastructure:
		return "the broadcast failed for an on-chain reason"
	default:
		return ""
	}
}

var codeInfo = map[ErrorCode]struct {
	kind     Kind
	sentinel error
}{
	ErrCodeMalformedTransaction:    {KindStructural, ErrMalformedTransaction},
	ErrCodeMissingInstruction:      {KindStructural, ErrMissingInstruction},
	ErrCodeWrongProgram:            {KindStructural, ErrWrongProgram},
	ErrCodeUndecodableTransfer:     {KindStructural, ErrUndecodableTransfer},
	ErrCodeInvalidRequest:          {KindStructural, ErrMalformedHeader},
	ErrCodeFeePayerMisuse:          {KindStructural, ErrFeePayerMisuse},
	ErrCodeInvalidPaymentAmount:    {KindPolicy, ErrInvalidPaymentAmount},
	ErrCodeInvalidPaymentRecipient: {KindPolicy, ErrInvalidPaymentRecipient},
	ErrCodeInvalidFacilitatorFee:   {KindPolicy, ErrInvalidFacilitatorFee},
	ErrCodeNotFound:                {KindLifecycle, ErrNotFound},
	ErrCodeAlreadySettling:         {KindLifecycle, ErrAlreadySettling},
	ErrCodeAlreadySettled:          {KindLifecycle, ErrAlreadySettled},
	ErrCodeExpired:                 {KindLifecycle, ErrExpired},
	ErrCodeRejected:                {KindLifecycle, ErrRejected},
	ErrCodeBroadcastTimeout:        {KindInfrastructure, ErrBroadcastTimeout},
	ErrCodeStaleBlockhash:          {KindInfrastructure, ErrStaleBlockhash},
	ErrCodeInsufficientFunds:       {KindInfrastructure, ErrInsufficientFunds},
	ErrCodeDuplicateSubmission:     {KindInfrastructure, ErrDuplicateSubmission},
	ErrCodeBroadcastFailed:         {KindInfrastructure, ErrBroadcastFailed},
	ErrCodeFacilitatorUnavailable:  {KindInfrastructure, ErrFacilitatorUnavailable},
}

// Kind returns the recovery class of the code.
func (c ErrorCode) Kind() Kind {
	if info, ok := codeInfo[c]; ok {
		return info.kind
	}
	return KindUnknown
}

// Sentinel returns the sentinel error matching the code, or nil if the code is unknown.
func (c ErrorCode) Sentinel() error {
	return codeInfo[c].sentinel
}

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error code, so errors.Is works even when
// Err holds a lower-level cause.
func (e *PaymentError) Is(target error) bool {
	sentinel := e.Code.Sentinel()
	return sentinel != nil && target == sentinel
}

// Kind returns the recovery class of the error.
func (e *PaymentError) Kind() Kind {
	return e.Code.Kind()
}

// NewPaymentError creates a new PaymentError with the given code and message.
// When err is nil the sentinel for code is wrapped instead.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	if err == nil {
		err = code.Sentinel()
	}
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a PaymentError.
func CodeOf(err error) ErrorCode {
	if pe, ok := asPaymentError(err); ok {
		return pe.Code
	}
	return ""
}

// KindOf returns the recovery class of err.
func KindOf(err error) Kind {
	return CodeOf(err).Kind()
}

// IsKind reports whether err is (or wraps) a PaymentError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func asPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	ok := errors.As(err, &pe)
	return pe, ok
}
