package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/mcp/server"
)

type stubFacilitator struct {
	verified [][]byte
	settled  map[string]bool
}

func (s *stubFacilitator) Verify(ctx context.Context, raw []byte) (*x402.VerifyResponse, error) {
	if len(raw) == 0 || raw[0] == 0xff {
		return nil, x402.NewPaymentError(x402.ErrCodeMalformedTransaction, "transaction does not parse", nil)
	}
	s.verified = append(s.verified, raw)
	return &x402.VerifyResponse{ID: "entry-1", Status: "verified", Timestamp: 1700000000000}, nil
}

func (s *stubFacilitator) Settle(ctx context.Context, id string) (*x402.SettleResponse, error) {
	if id != "entry-1" {
		return nil, x402.NewPaymentError(x402.ErrCodeNotFound, "transaction not found", nil).WithDetails("id", id)
	}
	if s.settled[id] {
		return nil, x402.NewPaymentError(x402.ErrCodeAlreadySettled, "already settled", nil).WithDetails("signature", "sig-1")
	}
	s.settled[id] = true
	return &x402.SettleResponse{Signature: "sig-1", Status: "settled", Timestamp: 1700000001000}, nil
}

func (s *stubFacilitator) Status(ctx context.Context, id string) (*x402.StatusResponse, error) {
	status := "verified"
	if s.settled[id] {
		status = "settled"
	}
	return &x402.StatusResponse{ID: id, Status: status, Timestamp: 1700000000000, Age: 12}, nil
}

func (s *stubFacilitator) Supported(ctx context.Context) (*x402.Capabilities, error) {
	return &x402.Capabilities{X402Version: x402.X402Version, Scheme: x402.SchemeExact, Network: x402.NetworkSolanaDevnet, FeePayer: "FeePayer111"}, nil
}

func newInProcess(t *testing.T) (*Facilitator, *stubFacilitator) {
	t.Helper()
	stub := &stubFacilitator{settled: map[string]bool{}}
	s, err := server.NewX402Server("x402-test", "1.0.0", server.Config{Facilitator: stub})
	if err != nil {
		t.Fatalf("NewX402Server() error = %v", err)
	}
	c, err := mcpclient.NewInProcessClient(s.GetMCPServer())
	if err != nil {
		t.Fatalf("NewInProcessClient() error = %v", err)
	}
	f, err := New(context.Background(), c, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f, stub
}

func TestFacilitator_Lifecycle(t *testing.T) {
	f, stub := newInProcess(t)
	ctx := context.Background()

	caps, err := f.Supported(ctx)
	if err != nil {
		t.Fatalf("Supported() error = %v", err)
	}
	if caps.Scheme != x402.SchemeExact || caps.FeePayer != "FeePayer111" {
		t.Errorf("Supported() = %+v", caps)
	}

	verified, err := f.Verify(ctx, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if verified.ID != "entry-1" || len(stub.verified) != 1 || string(stub.verified[0]) != "\x01\x02\x03" {
		t.Errorf("Verify() = %+v, stub saw %v", verified, stub.verified)
	}

	settled, err := f.Settle(ctx, verified.ID)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if settled.Signature != "sig-1" {
		t.Errorf("Signature = %q", settled.Signature)
	}

	status, err := f.Status(ctx, verified.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Status != "settled" || status.Age != 12 {
		t.Errorf("Status() = %+v", status)
	}
}

func TestFacilitator_TypedErrors(t *testing.T) {
	f, _ := newInProcess(t)
	ctx := context.Background()

	_, err := f.Verify(ctx, []byte{0xff})
	if !errors.Is(err, x402.ErrMalformedTransaction) || !x402.IsKind(err, x402.KindStructural) {
		t.Errorf("Verify() error = %v; want structural MALFORMED_TRANSACTION", err)
	}

	_, err = f.Settle(ctx, "missing")
	if !errors.Is(err, x402.ErrNotFound) {
		t.Errorf("Settle(missing) error = %v; want ErrNotFound", err)
	}

	if _, err := f.Settle(ctx, "entry-1"); err != nil {
		t.Fatalf("first Settle() error = %v", err)
	}
	_, err = f.Settle(ctx, "entry-1")
	if !errors.Is(err, x402.ErrAlreadySettled) {
		t.Fatalf("second Settle() error = %v; want ErrAlreadySettled", err)
	}
	var pe *x402.PaymentError
	if !errors.As(err, &pe) || pe.Details["signature"] != "sig-1" {
		t.Errorf("details not carried over: %+v", pe)
	}
}

func TestDial_StreamableHTTP(t *testing.T) {
	stub := &stubFacilitator{settled: map[string]bool{}}
	s, err := server.NewX402Server("x402-test", "1.0.0", server.Config{Facilitator: stub})
	if err != nil {
		t.Fatalf("NewX402Server() error = %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	f, err := Dial(context.Background(), ts.URL+"/mcp", WithAuthorization("Bearer test"))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer f.Close()

	caps, err := f.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported() error = %v", err)
	}
	if caps.Network != x402.NetworkSolanaDevnet {
		t.Errorf("Network = %q", caps.Network)
	}
}

func TestDial_Unreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	_, err := Dial(context.Background(), url+"/mcp")
	if !errors.Is(err, x402.ErrFacilitatorUnavailable) {
		t.Errorf("Dial() error = %v; want ErrFacilitatorUnavailable", err)
	}
}
