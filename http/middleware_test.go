package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/encoding"
	"github.com/mark3labs/x402-gate/http/internal/helpers"
	solutil "github.com/mark3labs/x402-gate/internal/solana"
	"github.com/mark3labs/x402-gate/transaction"
)

var testBlockhash = solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

// mockFacilitator implements facilitator.Interface in memory.
type mockFacilitator struct {
	mu sync.Mutex

	verifyErr error
	settleErr error
	caps      *x402.Capabilities

	verified [][]byte
	settled  []string
}

func (m *mockFacilitator) Verify(ctx context.Context, raw []byte) (*x402.VerifyResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	m.verified = append(m.verified, raw)
	return &x402.VerifyResponse{ID: "entry-1", Status: "verified", Timestamp: 1700000000000}, nil
}

func (m *mockFacilitator) Settle(ctx context.Context, id string) (*x402.SettleResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settleErr != nil {
		return nil, m.settleErr
	}
	m.settled = append(m.settled, id)
	return &x402.SettleResponse{Signature: "sig-" + id, Status: "settled", Network: x402.SolanaDevnet.Network}, nil
}

func (m *mockFacilitator) Status(ctx context.Context, id string) (*x402.StatusResponse, error) {
	return nil, x402.NewPaymentError(x402.ErrCodeNotFound, "transaction not found", nil)
}

func (m *mockFacilitator) Supported(ctx context.Context) (*x402.Capabilities, error) {
	if m.caps == nil {
		return &x402.Capabilities{X402Version: x402.X402Version, Scheme: x402.SchemeExact, Network: x402.SolanaDevnet.Network}, nil
	}
	return m.caps, nil
}

func (m *mockFacilitator) settleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.settled)
}

func testPolicy() x402.PaymentPolicy {
	return x402.PaymentPolicy{Price: 1_000_000, Recipient: solana.NewWallet().PublicKey()}
}

// paymentHeader serializes a native payment to the policy recipient followed by a memo gated call.
func paymentHeader(t *testing.T, policy x402.PaymentPolicy, amount uint64) string {
	t.Helper()
	payer := solana.NewWallet().PublicKey()
	raw, err := transaction.Marshal(payer, testBlockhash,
		solutil.BuildNativeTransfer(payer, policy.Recipient, amount),
		solutil.BuildMemoInstruction("/api/data"),
	)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return encoding.EncodeTransaction(raw)
}

func TestMiddleware_NoPaymentHeader(t *testing.T) {
	facilitatorServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/supported" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(x402.Capabilities{
				X402Version: 1, Scheme: "exact", Network: x402.SolanaDevnet.Network, FeePayer: "FeePayer111",
			})
			return
		}
		t.Errorf("Unexpected facilitator call: %s %s", r.Method, r.URL.Path)
	}))
	defer facilitatorServer.Close()

	middleware := NewX402Middleware(Config{
		FacilitatorURL: facilitatorServer.URL,
		Policy:         testPolicy(),
		Resource:       "https://example.com/api/data",
	})

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called without payment")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", resp.StatusCode)
	}

	var paymentReq x402.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&paymentReq); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(paymentReq.Accepts) != 1 || paymentReq.Accepts[0].Price != 1_000_000 {
		t.Errorf("unexpected accepts: %+v", paymentReq.Accepts)
	}
	if paymentReq.Resource != "https://example.com/api/data" {
		t.Errorf("resource = %q", paymentReq.Resource)
	}
	if paymentReq.Facilitator == nil || paymentReq.Facilitator.FeePayer != "FeePayer111" {
		t.Errorf("facilitator capabilities not advertised: %+v", paymentReq.Facilitator)
	}
}

func TestMiddleware_ValidPayment(t *testing.T) {
	fac := &mockFacilitator{}
	policy := testPolicy()

	handler := NewX402Middleware(Config{Facilitator: fac, Policy: policy})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payment := GetPaymentFromContext(r.Context())
			if payment == nil || payment.ID != "entry-1" {
				t.Errorf("payment not in context: %+v", payment)
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("premium content"))
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set(helpers.PaymentHeader, paymentHeader(t, policy, 1_000_000))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "premium content" {
		t.Errorf("body = %q", w.Body.String())
	}

	settlement := helpers.ParseSettlement(w.Header().Get(helpers.PaymentResponseHeader))
	if settlement == nil || settlement.Signature != "sig-entry-1" {
		t.Errorf("unexpected settlement header: %+v", settlement)
	}
	if fac.settleCount() != 1 {
		t.Errorf("settle calls = %d, want 1", fac.settleCount())
	}
}

func TestMiddleware_ImplicitWriteSettles(t *testing.T) {
	fac := &mockFacilitator{}
	policy := testPolicy()

	handler := NewX402Middleware(Config{Facilitator: fac, Policy: policy})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("a"))
			_, _ = w.Write([]byte("b"))
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set(helpers.PaymentHeader, paymentHeader(t, policy, 2_000_000))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "ab" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
	if fac.settleCount() != 1 {
		t.Errorf("settle calls = %d, want 1", fac.settleCount())
	}
}

func TestMiddleware_VerifyOnly(t *testing.T) {
	fac := &mockFacilitator{}
	policy := testPolicy()

	handler := NewX402Middleware(Config{Facilitator: fac, Policy: policy, VerifyOnly: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set(helpers.PaymentHeader, paymentHeader(t, policy, 1_000_000))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if fac.settleCount() != 0 {
		t.Error("VerifyOnly must not settle")
	}
	if w.Header().Get(helpers.PaymentResponseHeader) != "" {
		t.Error("VerifyOnly must not set the payment response header")
	}
}

func TestMiddleware_InvalidPayment(t *testing.T) {
	policy := testPolicy()

	tests := []struct {
		name       string
		header     string
		verifyErr  error
		wantStatus int
		wantCode   x402.ErrorCode
	}{
		{
			name:       "not base64",
			header:     "!!!not-base64!!!",
			wantStatus: http.StatusBadRequest,
			wantCode:   x402.ErrCodeInvalidRequest,
		},
		{
			name:       "not a transaction",
			header:     encoding.EncodeTransaction([]byte{1, 2, 3}),
			wantStatus: http.StatusBadRequest,
			wantCode:   x402.ErrCodeMalformedTransaction,
		},
		{
			name:       "underpaid",
			header:     paymentHeader(t, policy, 999_999),
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "facilitator rejects structure",
			header:     paymentHeader(t, policy, 1_000_000),
			verifyErr:  x402.NewPaymentError(x402.ErrCodeFeePayerMisuse, "fee payer misuse", nil),
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "replayed payment",
			header:     paymentHeader(t, policy, 1_000_000),
			verifyErr:  x402.NewPaymentError(x402.ErrCodeAlreadySettled, "already settled", nil),
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "facilitator unavailable",
			header:     paymentHeader(t, policy, 1_000_000),
			verifyErr:  x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable, "unreachable", nil),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   x402.ErrCodeFacilitatorUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := &mockFacilitator{verifyErr: tt.verifyErr}
			handler := NewX402Middleware(Config{Facilitator: fac, Policy: policy})(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					t.Error("Handler should not be called with invalid payment")
				}))

			req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
			req.Header.Set(helpers.PaymentHeader, tt.header)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantCode != "" {
				var body x402.ErrorResponse
				if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
					t.Fatalf("decode error body: %v", err)
				}
				if body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
			}
		})
	}
}

func TestMiddleware_HandlerError_NoSettlement(t *testing.T) {
	fac := &mockFacilitator{}
	policy := testPolicy()

	handler := NewX402Middleware(Config{Facilitator: fac, Policy: policy})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal failure", http.StatusInternalServerError)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set(helpers.PaymentHeader, paymentHeader(t, policy, 1_000_000))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if fac.settleCount() != 0 {
		t.Error("failed handler responses must not be settled")
	}
}

func TestMiddleware_SettlementFailure(t *testing.T) {
	tests := []struct {
		name       string
		settleErr  error
		wantStatus int
	}{
		{
			name:       "stale blockhash",
			settleErr:  x402.NewPaymentError(x402.ErrCodeStaleBlockhash, "blockhash expired", nil),
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "facilitator unavailable",
			settleErr:  x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable, "unreachable", nil),
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := &mockFacilitator{settleErr: tt.settleErr}
			policy := testPolicy()

			handler := NewX402Middleware(Config{Facilitator: fac, Policy: policy})(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte("premium content"))
				}))

			req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
			req.Header.Set(helpers.PaymentHeader, paymentHeader(t, policy, 1_000_000))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if w.Body.String() == "premium content" {
				t.Error("content must not be delivered when settlement fails")
			}
		})
	}
}

func TestMiddleware_InvalidPolicyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for a policy without recipient")
		}
	}()
	NewX402Middleware(Config{Facilitator: &mockFacilitator{}, Policy: x402.PaymentPolicy{Price: 1}})
}

func TestGetPaymentFromContext_NoPayment(t *testing.T) {
	if payment := GetPaymentFromContext(context.Background()); payment != nil {
		t.Errorf("Expected nil payment, got %+v", payment)
	}
}
