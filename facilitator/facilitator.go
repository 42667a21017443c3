package facilitator

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/cache"
	"github.com/mark3labs/x402-gate/ledger"
	"github.com/mark3labs/x402-gate/signers/svm"
	"github.com/mark3labs/x402-gate/transaction"
	"github.com/mark3labs/x402-gate/validation"
)

const tracerName = "github.com/mark3labs/x402-gate/facilitator"

// Facilitator is the in-process verify/settle state machine.
//
// Every entry moves Verified -> Settling -> Settled|Rejected, or
// Verified -> Expired. Only the caller that wins the Verified -> Settling
// transition broadcasts, so each transaction is submitted at most once.
type Facilitator struct {
	ledger        ledger.Ledger
	cache         *cache.Cache
	cacheConfig   x402.CacheConfig
	timeouts      x402.TimeoutConfig
	broadcastOpts ledger.BroadcastOptions
	network       string
	feePayer      *svm.FeePayer
	balanceCheck  bool
	logger        *slog.Logger
	now           func() time.Time
	onEvent       x402.SettlementCallback
	metrics       *Metrics
	tracer        trace.Tracer
	started       time.Time
}

var _ Interface = (*Facilitator)(nil)

// Option configures a Facilitator.
type Option func(*Facilitator) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facilitator) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		f.logger = logger
		return nil
	}
}

// WithClock sets the time source used for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(f *Facilitator) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		f.now = now
		return nil
	}
}

// WithTimeouts sets the verify and broadcast timeouts.
func WithTimeouts(timeouts x402.TimeoutConfig) Option {
	return func(f *Facilitator) error {
		if err := timeouts.Validate(); err != nil {
			return err
		}
		f.timeouts = timeouts
		return nil
	}
}

// WithCacheConfig sets the entry TTL, the settled grace period and the sweep interval.
func WithCacheConfig(cfg x402.CacheConfig) Option {
	return func(f *Facilitator) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		f.cacheConfig = cfg
		return nil
	}
}

// WithNetwork sets the CAIP-2 network advertised by Supported.
func WithNetwork(network string) Option {
	return func(f *Facilitator) error {
		if err := x402.ValidateNetwork(network); err != nil {
			return err
		}
		f.network = network
		return nil
	}
}

// WithFeePayer makes the facilitator co-sign transactions that name fp as fee payer.
func WithFeePayer(fp *svm.FeePayer) Option {
	return func(f *Facilitator) error {
		f.feePayer = fp
		return nil
	}
}

// WithBroadcastOptions sets the submission options passed to the ledger.
func WithBroadcastOptions(opts ledger.BroadcastOptions) Option {
	return func(f *Facilitator) error {
		f.broadcastOpts = opts
		return nil
	}
}

// WithBalanceCheck enables a native balance pre-flight on verify.
func WithBalanceCheck(enabled bool) Option {
	return func(f *Facilitator) error {
		f.balanceCheck = enabled
		return nil
	}
}

// WithEventCallback registers a callback for settlement events.
// The callback runs synchronously and must not block.
func WithEventCallback(cb x402.SettlementCallback) Option {
	return func(f *Facilitator) error {
		f.onEvent = cb
		return nil
	}
}

// WithMetrics registers the facilitator's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(f *Facilitator) error {
		m, err := NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		f.metrics = m
		return nil
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *Facilitator) error {
		f.tracer = tp.Tracer(tracerName)
		return nil
	}
}

// New creates a Facilitator that settles through l.
func New(l ledger.Ledger, opts ...Option) (*Facilitator, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	f := &Facilitator{
		ledger:        l,
		cacheConfig:   x402.DefaultCacheConfig,
		timeouts:      x402.DefaultTimeouts,
		broadcastOpts: ledger.BroadcastOptions{Commitment: rpc.CommitmentConfirmed},
		network:       x402.NetworkSolanaMainnet,
		logger:        slog.Default(),
		now:           time.Now,
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}

	f.cache = cache.New(f.cacheConfig,
		cache.WithClock(f.now),
		cache.WithLogger(f.logger),
		cache.WithEvictCallback(f.evicted),
	)
	f.started = f.now()
	return f, nil
}

// Run sweeps expired entries until ctx is done.
func (f *Facilitator) Run(ctx context.Context) error {
	return f.cache.Run(ctx, f.cacheConfig.SweepInterval)
}

// Uptime returns the time since the facilitator was created.
func (f *Facilitator) Uptime() time.Duration {
	return f.now().Sub(f.started)
}

// Verify implements Interface.
func (f *Facilitator) Verify(ctx context.Context, raw []byte) (*x402.VerifyResponse, error) {
	ctx, span := f.tracer.Start(ctx, "facilitator.Verify")
	defer span.End()

	resp, err := f.verify(ctx, raw)
	f.metrics.observeVerify(err)
	f.metrics.observeCache(f.cache)
	if err != nil {
		recordError(span, err)
		f.logger.Debug("verify rejected", "code", x402.CodeOf(err), "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("x402.id", resp.ID))
	return resp, nil
}

func (f *Facilitator) verify(ctx context.Context, raw []byte) (*x402.VerifyResponse, error) {
	tx, err := transaction.Decode(raw)
	if err != nil {
		return nil, err
	}
	paymentIndex, err := validation.CheckStructure(tx)
	if err != nil {
		return nil, err
	}
	if f.feePayer != nil {
		if err := f.feePayer.Check(tx); err != nil {
			return nil, err
		}
	}
	if f.balanceCheck {
		if err := f.checkBalance(ctx, tx, paymentIndex); err != nil {
			return nil, err
		}
	}

	now := f.now()
	entry := cache.Entry{
		ID:          uuid.NewString(),
		Key:         hex.EncodeToString(tx.MessageHash[:]),
		Transaction: tx,
		Raw:         bytes.Clone(raw),
		State:       cache.StateVerified,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := f.cache.Put(entry); err != nil {
		var dup *cache.DuplicateError
		if errors.As(err, &dup) {
			return f.reverify(dup.Existing)
		}
		return nil, fmt.Errorf("failed to store transaction: %w", err)
	}

	f.logger.Info("transaction verified", "id", entry.ID, "instructions", tx.Len())
	f.emit(x402.SettlementEvent{
		Type:  x402.SettlementEventVerified,
		ID:    entry.ID,
		Payer: payerOf(tx, paymentIndex),
	})
	return &x402.VerifyResponse{
		ID:        entry.ID,
		Status:    string(cache.StateVerified),
		Timestamp: now.UnixMilli(),
	}, nil
}

// reverify answers a verify of a transaction that already has an entry. A
// pending entry is returned as is; any other state fails, so one transaction
// is never settled twice.
func (f *Facilitator) reverify(existing cache.Entry) (*x402.VerifyResponse, error) {
	existing = f.view(existing)
	if existing.State != cache.StateVerified {
		return nil, stateError(existing)
	}
	f.logger.Debug("transaction already verified", "id", existing.ID)
	return &x402.VerifyResponse{
		ID:        existing.ID,
		Status:    string(cache.StateVerified),
		Timestamp: existing.CreatedAt.UnixMilli(),
	}, nil
}

// checkBalance requires the payer of a native payment to hold at least the paid amount.
func (f *Facilitator) checkBalance(ctx context.Context, tx *transaction.Parsed, paymentIndex int) error {
	transfer, err := validation.DecodeTransfer(tx.Instructions[paymentIndex])
	if err != nil {
		return err
	}
	if !transfer.Program.Equals(solana.SystemProgramID) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeouts.VerifyTimeout)
	defer cancel()
	balance, err := f.ledger.Balance(ctx, transfer.Source)
	if err != nil {
		return x402.NewPaymentError(x402.ErrCodeFacilitatorUnavailable, "failed to read payer balance", err)
	}
	if balance < transfer.Amount {
		return x402.NewPaymentError(x402.ErrCodeInsufficientFunds, "payer balance is below the payment", nil).
			WithDetails("balance", balance).
			WithDetails("required", transfer.Amount)
	}
	return nil
}

// Settle implements Interface.
func (f *Facilitator) Settle(ctx context.Context, id string) (*x402.SettleResponse, error) {
	ctx, span := f.tracer.Start(ctx, "facilitator.Settle", trace.WithAttributes(attribute.String("x402.id", id)))
	defer span.End()

	resp, err := f.settle(ctx, id)
	f.metrics.observeSettle(err)
	f.metrics.observeCache(f.cache)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("x402.signature", resp.Signature))
	return resp, nil
}

func (f *Facilitator) settle(ctx context.Context, id string) (*x402.SettleResponse, error) {
	if _, err := f.expireIfStale(id); err != nil {
		return nil, err
	}

	entry, err := f.cache.Transition(id, cache.StateVerified, cache.StateSettling)
	if err != nil {
		return nil, lifecycleError(entry, err)
	}
	f.emit(x402.SettlementEvent{Type: x402.SettlementEventSettling, ID: id})

	// The broadcast outlives the caller so the entry always leaves Settling.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeouts.BroadcastTimeout)
	defer cancel()

	start := f.now()
	sig, err := f.broadcast(bctx, entry)
	elapsed := f.now().Sub(start)
	f.metrics.observeBroadcast(elapsed)

	if err != nil {
		if bctx.Err() != nil && x402.CodeOf(err) == "" {
			err = x402.NewPaymentError(x402.ErrCodeBroadcastTimeout, "broadcast did not complete in time", err)
		}
		err = ledger.Wrap(err, "settlement rejected")
		code := x402.CodeOf(err)
		if _, terr := f.cache.Transition(id, cache.StateSettling, cache.StateRejected, cache.WithReason(code)); terr != nil {
			f.logger.Error("failed to record rejection", "id", id, "error", terr)
		}
		f.logger.Warn("settlement rejected", "id", id, "code", code, "error", err)
		f.emit(x402.SettlementEvent{Type: x402.SettlementEventRejected, ID: id, Error: err, Duration: elapsed})
		return nil, err
	}

	settled, err := f.cache.Transition(id, cache.StateSettling, cache.StateSettled, cache.WithSignature(sig.String()))
	if err != nil {
		// Only the owner of Settling can move the entry, so this means it was deleted.
		f.logger.Error("failed to record settlement", "id", id, "signature", sig.String(), "error", err)
		settled = entry
		settled.UpdatedAt = f.now()
	}

	f.logger.Info("transaction settled", "id", id, "signature", sig.String(), "duration", elapsed)
	f.emit(x402.SettlementEvent{
		Type:      x402.SettlementEventSettled,
		ID:        id,
		Signature: sig.String(),
		Duration:  elapsed,
	})
	return &x402.SettleResponse{
		Signature: sig.String(),
		Status:    string(cache.StateSettled),
		Timestamp: settled.UpdatedAt.UnixMilli(),
		Network:   f.network,
	}, nil
}

// broadcast checks the block reference, co-signs and submits the entry.
func (f *Facilitator) broadcast(ctx context.Context, entry cache.Entry) (solana.Signature, error) {
	valid, err := f.ledger.IsBlockhashValid(ctx, entry.Transaction.BlockReference)
	if err != nil {
		return solana.Signature{}, ledger.Wrap(err, "failed to check block reference")
	}
	if !valid {
		return solana.Signature{}, x402.NewPaymentError(x402.ErrCodeStaleBlockhash, "block reference is no longer valid", nil).
			WithDetails("blockhash", entry.Transaction.BlockReference.String())
	}

	raw := entry.Raw
	if f.feePayer != nil {
		raw, err = f.feePayer.Cosign(raw)
		if err != nil {
			return solana.Signature{}, ledger.Wrap(err, "failed to co-sign transaction")
		}
	}
	return f.ledger.Broadcast(ctx, raw, f.broadcastOpts)
}

// expireIfStale moves a Verified entry past its TTL to Expired.
func (f *Facilitator) expireIfStale(id string) (cache.Entry, error) {
	entry, err := f.cache.Get(id)
	if err != nil {
		return cache.Entry{}, err
	}
	if entry.State != cache.StateVerified || !f.cache.IsExpired(entry, f.now()) {
		return entry, nil
	}
	expired, err := f.cache.Transition(id, cache.StateVerified, cache.StateExpired, cache.WithReason(x402.ErrCodeExpired))
	if err != nil {
		var conflict *cache.ConflictError
		if errors.As(err, &conflict) {
			return expired, nil
		}
		return cache.Entry{}, err
	}
	f.logger.Debug("transaction expired", "id", id, "age", expired.Age(f.now()))
	f.emit(x402.SettlementEvent{Type: x402.SettlementEventExpired, ID: id})
	return expired, nil
}

// view reports a Verified entry past its TTL as Expired without moving it.
func (f *Facilitator) view(e cache.Entry) cache.Entry {
	if e.State == cache.StateVerified && f.cache.IsExpired(e, f.now()) {
		e.State = cache.StateExpired
		e.Reason = x402.ErrCodeExpired
	}
	return e
}

// Status implements Interface. It never changes the entry.
func (f *Facilitator) Status(ctx context.Context, id string) (*x402.StatusResponse, error) {
	entry, err := f.cache.Get(id)
	if err != nil {
		return nil, err
	}
	entry = f.view(entry)
	return &x402.StatusResponse{
		ID:        entry.ID,
		Status:    string(entry.State),
		Timestamp: entry.CreatedAt.UnixMilli(),
		Age:       entry.Age(f.now()).Milliseconds(),
		Signature: entry.Signature,
		Reason:    string(entry.Reason),
	}, nil
}

// Supported implements Interface.
func (f *Facilitator) Supported(ctx context.Context) (*x402.Capabilities, error) {
	caps := &x402.Capabilities{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     f.network,
	}
	if f.feePayer != nil {
		caps.FeePayer = f.feePayer.Address().String()
	}
	return caps, nil
}

// evicted reports entries that were swept before anyone settled them.
func (f *Facilitator) evicted(e cache.Entry) {
	if e.State == cache.StateVerified {
		f.emit(x402.SettlementEvent{Type: x402.SettlementEventExpired, ID: e.ID})
	}
}

func (f *Facilitator) emit(event x402.SettlementEvent) {
	if f.onEvent == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = f.now()
	}
	event.Network = f.network
	f.onEvent(event)
}

// lifecycleError maps a lost Verified -> Settling race to the caller-facing error.
func lifecycleError(current cache.Entry, err error) error {
	var conflict *cache.ConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	current.ID = conflict.ID
	current.State = conflict.Current
	if serr := stateError(current); serr != nil {
		return serr
	}
	return err
}

// stateError is the lifecycle error for an entry that can no longer be settled.
// It returns nil for Verified entries.
func stateError(current cache.Entry) error {
	var pe *x402.PaymentError
	switch current.State {
	case cache.StateSettling:
		pe = x402.NewPaymentError(x402.ErrCodeAlreadySettling, "already settling", nil)
	case cache.StateSettled:
		pe = x402.NewPaymentError(x402.ErrCodeAlreadySettled, "already settled", nil).
			WithDetails("signature", current.Signature)
	case cache.StateRejected:
		pe = x402.NewPaymentError(x402.ErrCodeRejected, "settlement was rejected", nil).
			WithDetails("reason", string(current.Reason))
	case cache.StateExpired:
		pe = x402.NewPaymentError(x402.ErrCodeExpired, "transaction expired before settlement", nil)
	default:
		return nil
	}
	return pe.WithDetails("id", current.ID)
}

func payerOf(tx *transaction.Parsed, paymentIndex int) string {
	transfer, err := validation.DecodeTransfer(tx.Instructions[paymentIndex])
	if err != nil {
		return tx.FeePayer().String()
	}
	if !transfer.Authority.IsZero() {
		return transfer.Authority.String()
	}
	return transfer.Source.String()
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if code := x402.CodeOf(err); code != "" {
		span.SetAttributes(attribute.String("x402.code", string(code)))
	}
}
