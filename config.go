package x402

import (
	"fmt"
	"time"
)

// TimeoutConfig holds timeout configuration for facilitator operations.
type TimeoutConfig struct {
	// VerifyTimeout is the maximum time a verify call may spend on ledger pre-flight checks.
	VerifyTimeout time.Duration

	// BroadcastTimeout bounds the freshness check, broadcast and confirmation of one settle call.
	// An entry never stays in the settling state longer than this.
	BroadcastTimeout time.Duration

	// RequestTimeout is the overall timeout for HTTP requests to a facilitator.
	RequestTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for facilitator operations.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:    5 * time.Second,
	BroadcastTimeout: 30 * time.Second,
	RequestTimeout:   60 * time.Second,
}

// WithVerifyTimeout returns a new TimeoutConfig with updated verify timeout.
func (tc TimeoutConfig) WithVerifyTimeout(d time.Duration) TimeoutConfig {
	tc.VerifyTimeout = d
	return tc
}

// WithBroadcastTimeout returns a new TimeoutConfig with updated broadcast timeout.
func (tc TimeoutConfig) WithBroadcastTimeout(d time.Duration) TimeoutConfig {
	tc.BroadcastTimeout = d
	return tc
}

// WithRequestTimeout returns a new TimeoutConfig with updated request timeout.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// Validate ensures timeout values are reasonable.
func (tc TimeoutConfig) Validate() error {
	if tc.VerifyTimeout <= 0 {
		return fmt.Errorf("verify timeout must be positive, got %v", tc.VerifyTimeout)
	}
	if tc.BroadcastTimeout <= 0 {
		return fmt.Errorf("broadcast timeout must be positive, got %v", tc.BroadcastTimeout)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", tc.RequestTimeout)
	}
	if tc.RequestTimeout < tc.BroadcastTimeout {
		return fmt.Errorf("request timeout (%v) should be >= broadcast timeout (%v)",
			tc.RequestTimeout, tc.BroadcastTimeout)
	}
	return nil
}

// CacheConfig controls how long verified transactions are kept.
type CacheConfig struct {
	// TTL is how long an entry may wait for settlement, measured from creation.
	TTL time.Duration

	// SettledGrace keeps settled entries queryable for this long after TTL.
	SettledGrace time.Duration

	// SweepInterval is how often expired entries are evicted.
	SweepInterval time.Duration
}

// DefaultCacheConfig mirrors the lifetime of a Solana blockhash (about 60-90 seconds)
// with headroom for clients polling status after settlement.
var DefaultCacheConfig = CacheConfig{
	TTL:           2 * time.Minute,
	SettledGrace:  10 * time.Minute,
	SweepInterval: 30 * time.Second,
}

// Validate ensures cache durations are usable.
func (cc CacheConfig) Validate() error {
	if cc.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive, got %v", cc.TTL)
	}
	if cc.SettledGrace < 0 {
		return fmt.Errorf("settled grace cannot be negative, got %v", cc.SettledGrace)
	}
	if cc.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", cc.SweepInterval)
	}
	return nil
}
