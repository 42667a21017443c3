package facilitator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	x402 "github.com/mark3labs/x402-gate"
	solutil "github.com/mark3labs/x402-gate/internal/solana"
	"github.com/mark3labs/x402-gate/ledger"
	"github.com/mark3labs/x402-gate/signers/svm"
	"github.com/mark3labs/x402-gate/transaction"
)

var testBlockhash = solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

// mockLedger implements ledger.Ledger without network access.
type mockLedger struct {
	mu sync.Mutex

	balance      uint64
	stale        bool
	validErr     error
	broadcastErr error
	delay        time.Duration
	waitForCtx   bool

	broadcasts int
	sent       [][]byte
}

func newMockLedger() *mockLedger {
	return &mockLedger{balance: 10_000_000_000}
}

func (m *mockLedger) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return m.balance, nil
}

func (m *mockLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return testBlockhash, nil
}

func (m *mockLedger) IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error) {
	if m.validErr != nil {
		return false, m.validErr
	}
	return !m.stale, nil
}

func (m *mockLedger) Broadcast(ctx context.Context, raw []byte, opts ledger.BroadcastOptions) (solana.Signature, error) {
	m.mu.Lock()
	m.broadcasts++
	m.sent = append(m.sent, raw)
	m.mu.Unlock()

	if m.waitForCtx {
		<-ctx.Done()
		return solana.Signature{}, ctx.Err()
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.broadcastErr != nil {
		return solana.Signature{}, m.broadcastErr
	}
	var sig solana.Signature
	sig[0] = 7
	return sig, nil
}

func (m *mockLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestFacilitator(t *testing.T, l ledger.Ledger, opts ...Option) *Facilitator {
	t.Helper()
	f, err := New(l, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

// paymentTx returns a serialized native payment followed by a memo gated call.
func paymentTx(t *testing.T, feePayer, payer solana.PublicKey, amount uint64) []byte {
	t.Helper()
	raw, err := transaction.Marshal(feePayer, testBlockhash,
		solutil.BuildNativeTransfer(payer, solana.NewWallet().PublicKey(), amount),
		solutil.BuildMemoInstruction("premium"),
	)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return raw
}

func wantCode(t *testing.T, err error, code x402.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := x402.CodeOf(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
	if _, err := New(newMockLedger(), WithNetwork("eip155:8453")); !errors.Is(err, x402.ErrInvalidNetwork) {
		t.Errorf("New() error = %v, want ErrInvalidNetwork", err)
	}
	if _, err := New(newMockLedger(), WithTimeouts(x402.TimeoutConfig{})); err == nil {
		t.Error("New() should reject zero timeouts")
	}
	if _, err := New(newMockLedger(), WithCacheConfig(x402.CacheConfig{})); err == nil {
		t.Error("New() should reject zero cache config")
	}
}

func TestVerify(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	single, _ := transaction.Marshal(payer, testBlockhash, solutil.BuildNativeTransfer(payer, solana.NewWallet().PublicKey(), 1))
	memoFirst, _ := transaction.Marshal(payer, testBlockhash,
		solutil.BuildMemoInstruction("x"),
		solutil.BuildNativeTransfer(payer, solana.NewWallet().PublicKey(), 1),
	)

	tests := []struct {
		name     string
		raw      []byte
		wantCode x402.ErrorCode
	}{
		{name: "valid", raw: paymentTx(t, payer, payer, 1_000_000)},
		{name: "empty", raw: nil, wantCode: x402.ErrCodeMalformedTransaction},
		{name: "garbage", raw: []byte{0x01, 0x02, 0x03}, wantCode: x402.ErrCodeMalformedTransaction},
		{name: "single instruction", raw: single, wantCode: x402.ErrCodeMissingInstruction},
		{name: "first instruction not a transfer", raw: memoFirst, wantCode: x402.ErrCodeWrongProgram},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFacilitator(t, newMockLedger())
			resp, err := f.Verify(context.Background(), tt.raw)
			if tt.wantCode != "" {
				wantCode(t, err, tt.wantCode)
				if !x402.IsKind(err, x402.KindStructural) {
					t.Errorf("verify errors must be structural, got %s", x402.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if resp.ID == "" || resp.Status != "verified" || resp.Timestamp == 0 {
				t.Errorf("Verify() = %+v", resp)
			}
		})
	}
}

func TestVerifyAssignsUniqueIDs(t *testing.T) {
	f := newTestFacilitator(t, newMockLedger())
	payer := solana.NewWallet().PublicKey()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		resp, err := f.Verify(context.Background(), paymentTx(t, payer, payer, 1))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if seen[resp.ID] {
			t.Fatalf("duplicate id %s", resp.ID)
		}
		seen[resp.ID] = true
	}
}

func TestVerifySameTransactionTwice(t *testing.T) {
	l := newMockLedger()
	f := newTestFacilitator(t, l)
	payer := solana.NewWallet().PublicKey()
	raw := paymentTx(t, payer, payer, 1)
	ctx := context.Background()

	first, err := f.Verify(ctx, raw)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	again, err := f.Verify(ctx, raw)
	if err != nil {
		t.Fatalf("second Verify() error = %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("pending transaction verified under a new id: %s != %s", again.ID, first.ID)
	}

	if _, err := f.Settle(ctx, first.ID); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	_, err = f.Verify(ctx, raw)
	wantCode(t, err, x402.ErrCodeAlreadySettled)
	if !x402.IsKind(err, x402.KindLifecycle) {
		t.Errorf("replayed verify kind = %s, want lifecycle", x402.KindOf(err))
	}

	_, err = f.Settle(ctx, again.ID)
	wantCode(t, err, x402.ErrCodeAlreadySettled)
	if l.count() != 1 {
		t.Errorf("broadcasts of identical transaction bytes = %d, want 1", l.count())
	}
}

func TestVerifySameTransactionConcurrent(t *testing.T) {
	l := newMockLedger()
	f := newTestFacilitator(t, l)
	payer := solana.NewWallet().PublicKey()
	raw := paymentTx(t, payer, payer, 1)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.Verify(context.Background(), raw)
			if err != nil {
				return
			}
			if _, err := f.Settle(context.Background(), resp.ID); err == nil {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if settled != 1 || l.count() != 1 {
		t.Errorf("settled = %d, broadcasts = %d; want 1 and 1", settled, l.count())
	}
}

func TestVerifyBalanceCheck(t *testing.T) {
	l := newMockLedger()
	l.balance = 999_999
	f := newTestFacilitator(t, l, WithBalanceCheck(true))
	payer := solana.NewWallet().PublicKey()

	_, err := f.Verify(context.Background(), paymentTx(t, payer, payer, 1_000_000))
	wantCode(t, err, x402.ErrCodeInsufficientFunds)

	if _, err := f.Verify(context.Background(), paymentTx(t, payer, payer, 999_999)); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestSettle(t *testing.T) {
	l := newMockLedger()
	var (
		mu     sync.Mutex
		events []x402.SettlementEventType
	)
	f := newTestFacilitator(t, l,
		WithNetwork(x402.NetworkSolanaDevnet),
		WithEventCallback(func(e x402.SettlementEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e.Type)
			if e.Network != x402.NetworkSolanaDevnet {
				t.Errorf("event network = %s", e.Network)
			}
		}),
	)
	payer := solana.NewWallet().PublicKey()
	ctx := context.Background()

	verified, err := f.Verify(ctx, paymentTx(t, payer, payer, 1_000_000))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	settled, err := f.Settle(ctx, verified.ID)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if settled.Status != "settled" || settled.Signature == "" || settled.Network != x402.NetworkSolanaDevnet {
		t.Errorf("Settle() = %+v", settled)
	}

	status, err := f.Status(ctx, verified.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Status != "settled" || status.Signature != settled.Signature {
		t.Errorf("Status() = %+v", status)
	}

	_, err = f.Settle(ctx, verified.ID)
	wantCode(t, err, x402.ErrCodeAlreadySettled)
	if l.count() != 1 {
		t.Errorf("broadcasts = %d, want 1", l.count())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []x402.SettlementEventType{x402.SettlementEventVerified, x402.SettlementEventSettling, x402.SettlementEventSettled}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestSettleConcurrentBroadcastsOnce(t *testing.T) {
	l := newMockLedger()
	l.delay = 20 * time.Millisecond
	f := newTestFacilitator(t, l)
	payer := solana.NewWallet().PublicKey()

	verified, err := f.Verify(context.Background(), paymentTx(t, payer, payer, 1))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	const callers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.Settle(context.Background(), verified.ID)
			mu.Lock()
			defer mu.Unlock()
			switch x402.CodeOf(err) {
			case "":
				successes++
			case x402.ErrCodeAlreadySettling, x402.ErrCodeAlreadySettled:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
	if conflicts != callers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, callers-1)
	}
	if l.count() != 1 {
		t.Errorf("broadcasts = %d, want 1", l.count())
	}
}

func TestSettleRejections(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(*mockLedger)
		wantCode      x402.ErrorCode
		wantBroadcast int
	}{
		{
			name:     "stale blockhash",
			setup:    func(l *mockLedger) { l.stale = true },
			wantCode: x402.ErrCodeStaleBlockhash,
		},
		{
			name:     "blockhash check fails",
			setup:    func(l *mockLedger) { l.validErr = errors.New("connection refused") },
			wantCode: x402.ErrCodeBroadcastFailed,
		},
		{
			name:          "insufficient funds",
			setup:         func(l *mockLedger) { l.broadcastErr = errors.New("Transaction simulation failed: insufficient funds for fee") },
			wantCode:      x402.ErrCodeInsufficientFunds,
			wantBroadcast: 1,
		},
		{
			name:          "duplicate",
			setup:         func(l *mockLedger) { l.broadcastErr = errors.New("This transaction has already been processed") },
			wantCode:      x402.ErrCodeDuplicateSubmission,
			wantBroadcast: 1,
		},
		{
			name:          "broadcast timeout",
			setup:         func(l *mockLedger) { l.waitForCtx = true },
			wantCode:      x402.ErrCodeBroadcastTimeout,
			wantBroadcast: 1,
		},
	}

	timeouts := x402.DefaultTimeouts.WithBroadcastTimeout(30 * time.Millisecond)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMockLedger()
			tt.setup(l)
			f := newTestFacilitator(t, l, WithTimeouts(timeouts))
			payer := solana.NewWallet().PublicKey()
			ctx := context.Background()

			verified, err := f.Verify(ctx, paymentTx(t, payer, payer, 1))
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			_, err = f.Settle(ctx, verified.ID)
			wantCode(t, err, tt.wantCode)
			if !x402.IsKind(err, x402.KindInfrastructure) {
				t.Errorf("kind = %s, want infrastructure", x402.KindOf(err))
			}
			if l.count() != tt.wantBroadcast {
				t.Errorf("broadcasts = %d, want %d", l.count(), tt.wantBroadcast)
			}

			status, err := f.Status(ctx, verified.ID)
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if status.Status != "rejected" || status.Reason != string(tt.wantCode) {
				t.Errorf("Status() = %+v, want rejected/%s", status, tt.wantCode)
			}

			_, err = f.Settle(ctx, verified.ID)
			wantCode(t, err, x402.ErrCodeRejected)
			if l.count() != tt.wantBroadcast {
				t.Errorf("settle after rejection broadcast again")
			}
		})
	}
}

func TestSettleSurvivesCallerCancel(t *testing.T) {
	l := newMockLedger()
	f := newTestFacilitator(t, l)
	payer := solana.NewWallet().PublicKey()

	verified, err := f.Verify(context.Background(), paymentTx(t, payer, payer, 1))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Settle(ctx, verified.ID); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	status, _ := f.Status(context.Background(), verified.ID)
	if status.Status != "settled" {
		t.Errorf("Status() = %s, want settled", status.Status)
	}
}

func TestSettleNotFound(t *testing.T) {
	f := newTestFacilitator(t, newMockLedger())
	_, err := f.Settle(context.Background(), "missing")
	wantCode(t, err, x402.ErrCodeNotFound)
	if !errors.Is(err, x402.ErrNotFound) {
		t.Errorf("errors.Is(err, ErrNotFound) = false")
	}

	_, err = f.Status(context.Background(), "missing")
	wantCode(t, err, x402.ErrCodeNotFound)
}

func TestSettleExpired(t *testing.T) {
	clock := newFakeClock()
	l := newMockLedger()
	var expired int
	f := newTestFacilitator(t, l,
		WithClock(clock.Now),
		WithEventCallback(func(e x402.SettlementEvent) {
			if e.Type == x402.SettlementEventExpired {
				expired++
			}
		}),
	)
	payer := solana.NewWallet().PublicKey()
	ctx := context.Background()

	verified, err := f.Verify(ctx, paymentTx(t, payer, payer, 1))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	clock.Advance(x402.DefaultCacheConfig.TTL)
	status, err := f.Status(ctx, verified.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Status != "verified" {
		t.Fatalf("entry at exactly the TTL is %s, want verified", status.Status)
	}
	if status.Age != x402.DefaultCacheConfig.TTL.Milliseconds() {
		t.Errorf("Age = %d, want %d", status.Age, x402.DefaultCacheConfig.TTL.Milliseconds())
	}

	clock.Advance(time.Millisecond)
	status, err = f.Status(ctx, verified.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Status != "expired" || status.Reason != string(x402.ErrCodeExpired) {
		t.Errorf("Status() past the TTL = %+v, want expired", status)
	}
	if expired != 0 {
		t.Errorf("Status() emitted %d expired events, want 0", expired)
	}
	if entry, _ := f.cache.Get(verified.ID); entry.State != "verified" {
		t.Errorf("Status() moved the entry to %s", entry.State)
	}

	_, err = f.Settle(ctx, verified.ID)
	wantCode(t, err, x402.ErrCodeExpired)
	if l.count() != 0 {
		t.Errorf("broadcasts = %d, want 0", l.count())
	}
	if expired != 1 {
		t.Errorf("expired events = %d, want 1", expired)
	}

	status, err = f.Status(ctx, verified.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Status != "expired" {
		t.Errorf("Status() = %s, want expired", status.Status)
	}
}

func TestSettleCosignsWithFeePayer(t *testing.T) {
	l := newMockLedger()
	fp, err := svm.NewFeePayerFromKey(solana.NewWallet().PrivateKey)
	if err != nil {
		t.Fatalf("NewFeePayerFromKey() error = %v", err)
	}
	f := newTestFacilitator(t, l, WithFeePayer(fp))
	ctx := context.Background()

	caps, err := f.Supported(ctx)
	if err != nil {
		t.Fatalf("Supported() error = %v", err)
	}
	if caps.FeePayer != fp.Address().String() {
		t.Errorf("FeePayer = %s, want %s", caps.FeePayer, fp.Address())
	}

	client := solana.NewWallet().PublicKey()
	verified, err := f.Verify(ctx, paymentTx(t, fp.Address(), client, 1))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := f.Settle(ctx, verified.ID); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	sent, err := transaction.Decode(l.sent[0])
	if err != nil {
		t.Fatalf("Decode(sent) error = %v", err)
	}
	if sent.Signatures[0] == (solana.Signature{}) {
		t.Error("fee payer signature missing from broadcast transaction")
	}

	misuse, _ := transaction.Marshal(fp.Address(), testBlockhash,
		solutil.BuildNativeTransfer(fp.Address(), client, 1),
		solutil.BuildMemoInstruction("drain"),
	)
	_, err = f.Verify(ctx, misuse)
	wantCode(t, err, x402.ErrCodeFeePayerMisuse)
}

func TestSupported(t *testing.T) {
	f := newTestFacilitator(t, newMockLedger(), WithNetwork(x402.NetworkSolanaDevnet))
	caps, err := f.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported() error = %v", err)
	}
	want := x402.Capabilities{X402Version: x402.X402Version, Scheme: x402.SchemeExact, Network: x402.NetworkSolanaDevnet}
	if *caps != want {
		t.Errorf("Supported() = %+v, want %+v", *caps, want)
	}
}

func TestSweepEmitsExpired(t *testing.T) {
	clock := newFakeClock()
	var expired []string
	f := newTestFacilitator(t, newMockLedger(),
		WithClock(clock.Now),
		WithEventCallback(func(e x402.SettlementEvent) {
			if e.Type == x402.SettlementEventExpired {
				expired = append(expired, e.ID)
			}
		}),
	)
	payer := solana.NewWallet().PublicKey()
	verified, err := f.Verify(context.Background(), paymentTx(t, payer, payer, 1))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	clock.Advance(x402.DefaultCacheConfig.TTL + time.Second)
	if n := f.cache.SweepExpired(clock.Now()); n != 1 {
		t.Fatalf("SweepExpired() = %d, want 1", n)
	}
	if len(expired) != 1 || expired[0] != verified.ID {
		t.Errorf("expired events = %v, want [%s]", expired, verified.ID)
	}
	_, err = f.Status(context.Background(), verified.ID)
	wantCode(t, err, x402.ErrCodeNotFound)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newTestFacilitator(t, newMockLedger(), WithMetrics(reg))
	payer := solana.NewWallet().PublicKey()
	ctx := context.Background()

	verified, _ := f.Verify(ctx, paymentTx(t, payer, payer, 1))
	_, _ = f.Verify(ctx, []byte{0x00})
	_, _ = f.Settle(ctx, verified.ID)
	_, _ = f.Settle(ctx, verified.ID)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"verify ok", testutil.ToFloat64(f.metrics.verifies.WithLabelValues("ok")), 1},
		{"verify malformed", testutil.ToFloat64(f.metrics.verifies.WithLabelValues(string(x402.ErrCodeMalformedTransaction))), 1},
		{"settle ok", testutil.ToFloat64(f.metrics.settles.WithLabelValues("ok")), 1},
		{"settle already settled", testutil.ToFloat64(f.metrics.settles.WithLabelValues(string(x402.ErrCodeAlreadySettled))), 1},
		{"settled entries", testutil.ToFloat64(f.metrics.entries.WithLabelValues("settled")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if _, err := New(newMockLedger(), WithMetrics(reg)); err == nil {
		t.Error("registering metrics twice should fail")
	}
}
