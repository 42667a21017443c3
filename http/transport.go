package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/encoding"
	"github.com/mark3labs/x402-gate/http/internal/helpers"
	solutil "github.com/mark3labs/x402-gate/internal/solana"
	"github.com/mark3labs/x402-gate/validation"
)

// GatedCallFunc returns the instruction a payment for req pays for.
type GatedCallFunc func(req *http.Request, resource string) (solana.Instruction, error)

// MemoGatedCall tags the payment with the resource URL. It is the default gated call.
func MemoGatedCall(_ *http.Request, resource string) (solana.Instruction, error) {
	return solutil.BuildMemoInstruction(resource), nil
}

// X402Transport is a custom RoundTripper that handles x402 payment flows.
// It wraps an existing http.RoundTripper and automatically handles 402 Payment Required responses.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Payers is the list of available payers.
	Payers []x402.Payer

	// GatedCall builds the instruction placed after the payment. Defaults to MemoGatedCall.
	GatedCall GatedCallFunc

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure x402.PaymentCallback
}

// RoundTrip implements http.RoundTripper.
// It makes the initial request, and if a 402 Payment Required response is received,
// it builds a payment transaction and retries the request.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	// The paid retry resends the body.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, fmt.Errorf("x402: request body must be replayable (set GetBody)")
	}

	resp, err := base.RoundTrip(req.Clone(req.Context()))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	paymentReq, err := helpers.ParsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	payer, policy, err := x402.SelectPayer(t.Payers, paymentReq.Accepts)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	event := x402.PaymentEvent{
		Method:    "HTTP",
		URL:       req.URL.String(),
		Amount:    policy.Price,
		Network:   payer.Network(),
		Recipient: policy.Recipient.String(),
		Payer:     payer.Address().String(),
	}
	if !policy.IsNative() {
		event.Asset = policy.Asset.String()
	}
	fail := func(err error) error {
		if t.OnPaymentFailure != nil {
			e := event
			e.Type = x402.PaymentEventFailure
			e.Timestamp = time.Now()
			e.Error = err
			e.Duration = time.Since(startTime)
			t.OnPaymentFailure(e)
		}
		return err
	}

	if t.OnPaymentAttempt != nil {
		e := event
		e.Type = x402.PaymentEventAttempt
		e.Timestamp = startTime
		t.OnPaymentAttempt(e)
	}

	payment, err := t.buildPayment(req, paymentReq, payer, policy)
	if err != nil {
		return nil, fail(err)
	}

	reqRetry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fail(fmt.Errorf("x402: replay request body: %w", err))
		}
		reqRetry.Body = body
	}
	reqRetry.Header.Set(helpers.PaymentHeader, encoding.EncodeTransaction(payment))

	respRetry, err := base.RoundTrip(reqRetry)
	if err != nil {
		return nil, fail(err)
	}

	settlement := helpers.ParseSettlement(respRetry.Header.Get(helpers.PaymentResponseHeader))
	if settlement != nil && t.OnPaymentSuccess != nil {
		e := event
		e.Type = x402.PaymentEventSuccess
		e.Timestamp = time.Now()
		e.Signature = settlement.Signature
		e.Duration = time.Since(startTime)
		t.OnPaymentSuccess(e)
	}

	return respRetry, nil
}

// buildPayment asks payer for [payment, gated call], letting the facilitator pay fees when it offers to.
func (t *X402Transport) buildPayment(req *http.Request, paymentReq *x402.PaymentRequired, payer x402.Payer, policy x402.PaymentPolicy) ([]byte, error) {
	resource := paymentReq.Resource
	if resource == "" {
		resource = req.URL.String()
	}

	gatedCall := t.GatedCall
	if gatedCall == nil {
		gatedCall = MemoGatedCall
	}
	call, err := gatedCall(req, resource)
	if err != nil {
		return nil, fmt.Errorf("x402: build gated call: %w", err)
	}

	payReq := x402.PaymentRequest{Policy: policy, GatedCall: call}
	if caps := paymentReq.Facilitator; caps != nil {
		if err := validation.ValidateCapabilities(*caps); err != nil {
			return nil, fmt.Errorf("%w: %v", x402.ErrInvalidRequirements, err)
		}
		if caps.FeePayer != "" {
			feePayer, err := solana.PublicKeyFromBase58(caps.FeePayer)
			if err != nil {
				return nil, fmt.Errorf("%w: fee payer %q", x402.ErrInvalidRequirements, caps.FeePayer)
			}
			payReq.FeePayer = feePayer
		}
	}

	payment, err := payer.Pay(req.Context(), payReq)
	if err != nil {
		return nil, fmt.Errorf("x402: build payment: %w", err)
	}
	return payment, nil
}
