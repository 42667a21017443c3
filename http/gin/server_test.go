package gin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/encoding"
	"github.com/mark3labs/x402-gate/facilitator"
	solutil "github.com/mark3labs/x402-gate/internal/solana"
	"github.com/mark3labs/x402-gate/ledger"
	"github.com/mark3labs/x402-gate/transaction"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testBlockhash = solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

// stubLedger accepts every transaction.
type stubLedger struct {
	mu           sync.Mutex
	stale        bool
	broadcastErr error
	broadcasts   int
}

func (l *stubLedger) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return 10_000_000_000, nil
}

func (l *stubLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return testBlockhash, nil
}

func (l *stubLedger) IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error) {
	return !l.stale, nil
}

func (l *stubLedger) Broadcast(ctx context.Context, raw []byte, opts ledger.BroadcastOptions) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broadcasts++
	if l.broadcastErr != nil {
		return solana.Signature{}, l.broadcastErr
	}
	var sig solana.Signature
	sig[0] = 42
	return sig, nil
}

func newTestRouter(t *testing.T, l *stubLedger) *gin.Engine {
	t.Helper()
	reg := prometheus.NewRegistry()
	f, err := facilitator.New(l, facilitator.WithNetwork(x402.NetworkSolanaDevnet), facilitator.WithMetrics(reg))
	if err != nil {
		t.Fatalf("facilitator.New() error = %v", err)
	}
	return NewRouter(f, WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
}

func encodedPayment(t *testing.T) string {
	t.Helper()
	payer := solana.NewWallet().PublicKey()
	raw, err := transaction.Marshal(payer, testBlockhash,
		solutil.BuildNativeTransfer(payer, solana.NewWallet().PublicKey(), 1_000_000),
		solutil.BuildMemoInstruction("premium"),
	)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return encoding.EncodeTransaction(raw)
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) x402.ErrorResponse {
	t.Helper()
	var body x402.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func verify(t *testing.T, r http.Handler) string {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/verify", x402.VerifyRequest{Transaction: encodedPayment(t)})
	if rec.Code != http.StatusCreated {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp x402.VerifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if resp.Status != "verified" || resp.ID == "" || resp.Timestamp == 0 {
		t.Fatalf("unexpected verify response: %+v", resp)
	}
	return resp.ID
}

func TestServer_VerifySettleStatus(t *testing.T) {
	l := &stubLedger{}
	r := newTestRouter(t, l)

	id := verify(t, r)

	rec := do(t, r, http.MethodGet, "/status/"+id, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"verified"`) {
		t.Fatalf("status before settle = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, r, http.MethodPost, "/settle", x402.SettleRequest{ID: id})
	if rec.Code != http.StatusOK {
		t.Fatalf("settle status = %d: %s", rec.Code, rec.Body.String())
	}
	var settled x402.SettleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &settled); err != nil {
		t.Fatalf("decode settle: %v", err)
	}
	if settled.Status != "settled" || settled.Signature == "" || settled.Network != x402.NetworkSolanaDevnet {
		t.Errorf("unexpected settle response: %+v", settled)
	}

	rec = do(t, r, http.MethodPost, "/settle", x402.SettleRequest{ID: id})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second settle status = %d, want 409", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != x402.ErrCodeAlreadySettled || body.Kind != x402.KindLifecycle {
		t.Errorf("second settle body = %+v", body)
	}

	rec = do(t, r, http.MethodGet, "/status/"+id, nil)
	var status x402.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "settled" || status.Signature != settled.Signature {
		t.Errorf("status after settle = %+v", status)
	}
	if l.broadcasts != 1 {
		t.Errorf("broadcasts = %d, want 1", l.broadcasts)
	}
}

func TestServer_VerifyErrors(t *testing.T) {
	r := newTestRouter(t, &stubLedger{})
	payer := solana.NewWallet().PublicKey()
	single, _ := transaction.Marshal(payer, testBlockhash, solutil.BuildNativeTransfer(payer, solana.NewWallet().PublicKey(), 1))

	tests := []struct {
		name     string
		body     any
		wantCode x402.ErrorCode
	}{
		{name: "empty body", body: nil, wantCode: x402.ErrCodeInvalidRequest},
		{name: "invalid json", body: "{", wantCode: x402.ErrCodeInvalidRequest},
		{name: "not base64", body: x402.VerifyRequest{Transaction: "%%%"}, wantCode: x402.ErrCodeInvalidRequest},
		{name: "garbage bytes", body: x402.VerifyRequest{Transaction: encoding.EncodeTransaction([]byte{9, 9, 9})}, wantCode: x402.ErrCodeMalformedTransaction},
		{name: "single instruction", body: x402.VerifyRequest{Transaction: encoding.EncodeTransaction(single)}, wantCode: x402.ErrCodeMissingInstruction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/verify", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.Kind != x402.KindStructural || body.Hint == "" {
				t.Errorf("kind/hint = %q/%q", body.Kind, body.Hint)
			}
		})
	}
}

func TestServer_SettleErrors(t *testing.T) {
	t.Run("unknown id", func(t *testing.T) {
		r := newTestRouter(t, &stubLedger{})
		rec := do(t, r, http.MethodPost, "/settle", x402.SettleRequest{ID: "nope"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if body := decodeError(t, rec); body.Code != x402.ErrCodeNotFound {
			t.Errorf("code = %q", body.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		r := newTestRouter(t, &stubLedger{})
		rec := do(t, r, http.MethodPost, "/settle", map[string]string{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("stale blockhash rejects", func(t *testing.T) {
		l := &stubLedger{stale: true}
		r := newTestRouter(t, l)
		id := verify(t, r)

		rec := do(t, r, http.MethodPost, "/settle", x402.SettleRequest{ID: id})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		body := decodeError(t, rec)
		if body.Code != x402.ErrCodeStaleBlockhash || body.Kind != x402.KindInfrastructure {
			t.Errorf("body = %+v", body)
		}

		rec = do(t, r, http.MethodPost, "/settle", x402.SettleRequest{ID: id})
		if rec.Code != http.StatusConflict {
			t.Errorf("settle after rejection = %d, want 409", rec.Code)
		}
		if l.broadcasts != 0 {
			t.Errorf("broadcasts = %d, want 0", l.broadcasts)
		}
	})
}

func TestServer_StatusNotFound(t *testing.T) {
	r := newTestRouter(t, &stubLedger{})
	rec := do(t, r, http.MethodGet, "/status/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != x402.ErrCodeNotFound {
		t.Errorf("code = %q", body.Code)
	}
}

func TestServer_SupportedHealthMetrics(t *testing.T) {
	r := newTestRouter(t, &stubLedger{})

	rec := do(t, r, http.MethodGet, "/supported", nil)
	var caps x402.Capabilities
	if err := json.Unmarshal(rec.Body.Bytes(), &caps); err != nil {
		t.Fatalf("decode supported: %v", err)
	}
	if caps.X402Version != x402.X402Version || caps.Scheme != x402.SchemeExact || caps.Network != x402.NetworkSolanaDevnet {
		t.Errorf("unexpected capabilities: %+v", caps)
	}

	rec = do(t, r, http.MethodGet, "/health", nil)
	var health x402.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if rec.Code != http.StatusOK || health.Status != "ok" || health.Uptime < 0 {
		t.Errorf("unexpected health: %d %+v", rec.Code, health)
	}

	verify(t, r)
	rec = do(t, r, http.MethodGet, "/metrics", nil)
	if !strings.Contains(rec.Body.String(), "x402_facilitator_verify_total") {
		t.Errorf("metrics output missing verify counter:\n%s", rec.Body.String())
	}
}

func TestServer_ConcurrentSettle(t *testing.T) {
	l := &stubLedger{}
	r := newTestRouter(t, l)
	id := verify(t, r)

	const n = 16
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = do(t, r, http.MethodPost, "/settle", x402.SettleRequest{ID: id}).Code
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	if ok != 1 {
		t.Errorf("successful settles = %d, want 1", ok)
	}
	if l.broadcasts != 1 {
		t.Errorf("broadcasts = %d, want 1", l.broadcasts)
	}
}
