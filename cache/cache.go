// Package cache holds transactions accepted by verify until they are settled,
// rejected or expired.
//
// Transition is the only mutator of an existing entry. It succeeds only when
// the entry is in the expected state, so at most one caller can move an entry
// out of any given state.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	x402 "github.com/mark3labs/x402-gate"
	"github.com/mark3labs/x402-gate/transaction"
)

// State is the lifecycle state of a cache entry.
type State string

const (
	StateVerified State = "verified"
	StateSettling State = "settling"
	StateSettled  State = "settled"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateRejected || s == StateExpired
}

var allowed = map[State]map[State]bool{
	StateVerified: {StateSettling: true, StateSettled: true, StateRejected: true, StateExpired: true},
	StateSettling: {StateSettled: true, StateRejected: true},
}

// ErrConflict is wrapped by every *ConflictError.
var ErrConflict = errors.New("cache: transition conflict")

// ErrExists is returned by Put when the id is already present.
var ErrExists = errors.New("cache: entry already exists")

// ErrInvalidTransition is returned for transitions that no state allows.
var ErrInvalidTransition = errors.New("cache: invalid transition")

// ErrDuplicate is wrapped by every *DuplicateError.
var ErrDuplicate = errors.New("cache: duplicate key")

// DuplicateError is returned by Put when a live entry already holds the key.
type DuplicateError struct {
	Key      string
	Existing Entry
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("cache: key %s is held by entry %s (%s)", e.Key, e.Existing.ID, e.Existing.State)
}

func (e *DuplicateError) Unwrap() error {
	return ErrDuplicate
}

// ConflictError reports a transition whose expected state did not match.
type ConflictError struct {
	ID      string
	From    State
	To      State
	Current State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cache: entry %s is %s, expected %s (wanted %s)", e.ID, e.Current, e.From, e.To)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Entry is a cached transaction. Values returned by the cache are snapshots.
type Entry struct {
	ID string

	// Key optionally identifies the content of the entry. At most one entry
	// in the cache holds a given key.
	Key string

	// Transaction is the decoded transaction. It is never mutated.
	Transaction *transaction.Parsed

	// Raw is the serialized transaction as submitted.
	Raw []byte

	State     State
	CreatedAt time.Time
	UpdatedAt time.Time

	// Signature is the ledger proof, set on settlement.
	Signature string

	// Reason is the error code that rejected or expired the entry.
	Reason x402.ErrorCode
}

// Age returns how long ago the entry was created.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Cache is a concurrent in-memory store of entries.
// Readers of different ids never contend on the same lock; writers of one id are serialized.
type Cache struct {
	shards  [shardCount]shard
	keyMu   sync.Mutex
	keys    map[string]string
	ttl     time.Duration
	grace   time.Duration
	now     func() time.Time
	logger  *slog.Logger
	onEvict func(Entry)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithEvictCallback registers fn to be called for every entry removed by a sweep.
func WithEvictCallback(fn func(Entry)) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// New creates a cache that keeps entries for ttl, and settled entries for an
// additional grace period.
func New(cfg x402.CacheConfig, opts ...Option) *Cache {
	c := &Cache{
		ttl:    cfg.TTL,
		grace:  cfg.SettledGrace,
		now:    time.Now,
		logger: slog.Default(),
		keys:   make(map[string]string),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*Entry)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shard(id string) *shard {
	return &c.shards[xxhash.Sum64String(id)%shardCount]
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Now returns the cache clock.
func (c *Cache) Now() time.Time {
	return c.now()
}

// IsExpired reports whether an unsettled entry has outlived the TTL at now.
func (c *Cache) IsExpired(e Entry, now time.Time) bool {
	return e.Age(now) > c.ttl
}

// Put stores a new entry. CreatedAt and UpdatedAt default to the cache clock.
// An entry whose key is held by another entry fails with a *DuplicateError.
func (c *Cache) Put(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("cache: entry id is required")
	}
	if e.Key != "" {
		c.keyMu.Lock()
		defer c.keyMu.Unlock()
		if id, ok := c.keys[e.Key]; ok {
			if existing, err := c.Get(id); err == nil {
				return &DuplicateError{Key: e.Key, Existing: existing}
			}
		}
	}
	if e.State == "" {
		e.State = StateVerified
	}
	now := c.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	s := c.shard(e.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, e.ID)
	}
	s.entries[e.ID] = &e
	if e.Key != "" {
		c.keys[e.Key] = e.ID
	}
	return nil
}

// Get returns a snapshot of the entry.
func (c *Cache) Get(id string) (Entry, error) {
	s := c.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, notFound(id)
	}
	return *e, nil
}

// TransitionOption sets fields recorded together with a transition.
type TransitionOption func(*Entry)

// WithSignature records the ledger signature.
func WithSignature(signature string) TransitionOption {
	return func(e *Entry) {
		e.Signature = signature
	}
}

// WithReason records why an entry was rejected or expired.
func WithReason(code x402.ErrorCode) TransitionOption {
	return func(e *Entry) {
		e.Reason = code
	}
}

// Transition moves the entry from one state to another. It fails with a
// *ConflictError when the entry is not currently in from.
func (c *Cache) Transition(id string, from, to State, opts ...TransitionOption) (Entry, error) {
	if !allowed[from][to] {
		return Entry{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, notFound(id)
	}
	if e.State != from {
		return *e, &ConflictError{ID: id, From: from, To: to, Current: e.State}
	}

	next := *e
	next.State = to
	next.UpdatedAt = c.now()
	for _, opt := range opts {
		opt(&next)
	}
	*e = next
	return next, nil
}

// Delete removes an entry and reports whether it existed.
func (c *Cache) Delete(id string) bool {
	s := c.shard(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if ok {
		c.forget(*e)
	}
	return ok
}

// forget releases the key of a removed entry.
func (c *Cache) forget(e Entry) {
	if e.Key == "" {
		return
	}
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.keys[e.Key] == e.ID {
		delete(c.keys, e.Key)
	}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Counts returns the number of entries per state.
func (c *Cache) Counts() map[State]int {
	counts := make(map[State]int)
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			counts[e.State]++
		}
		s.mu.RUnlock()
	}
	return counts
}

// SweepExpired evicts entries older than the TTL, and settled entries older
// than the TTL plus the grace period. Settling entries are never evicted.
// It returns the number of evicted entries.
func (c *Cache) SweepExpired(now time.Time) int {
	var evicted []Entry
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			if !c.evictable(*e, now) {
				continue
			}
			evicted = append(evicted, *e)
			delete(s.entries, id)
		}
		s.mu.Unlock()
	}
	for _, e := range evicted {
		c.forget(e)
	}

	if c.onEvict != nil {
		for _, e := range evicted {
			c.onEvict(e)
		}
	}
	return len(evicted)
}

func (c *Cache) evictable(e Entry, now time.Time) bool {
	age := e.Age(now)
	switch e.State {
	case StateSettling:
		return false
	case StateSettled:
		return age > c.ttl+c.grace
	default:
		return age > c.ttl
	}
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := c.SweepExpired(c.now()); n > 0 {
				c.logger.Debug("swept expired entries", "count", n, "remaining", c.Len())
			}
		}
	}
}

func notFound(id string) error {
	return x402.NewPaymentError(x402.ErrCodeNotFound, "transaction not found", nil).WithDetails("id", id)
}
