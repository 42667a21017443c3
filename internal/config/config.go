// Package config loads facilitator process settings from the environment,
// with command-line flags taking precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/mark3labs/x402-gate"
	solutil "github.com/mark3labs/x402-gate/internal/solana"
	"github.com/mark3labs/x402-gate/ledger"
	"github.com/mark3labs/x402-gate/signers/svm"
)

// Config holds facilitator process settings.
type Config struct {
	Addr    string `env:"X402_ADDR" envDefault:":8402"`
	Network string `env:"X402_NETWORK" envDefault:"solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"`

	// RPCURL defaults to the public endpoint of Network.
	RPCURL string `env:"X402_RPC_URL"`

	// FeePayerKey is a base58 private key. FeePayerKeyFile is a solana-keygen JSON file.
	// At most one may be set; neither disables co-signing.
	FeePayerKey     string `env:"X402_FEE_PAYER_KEY"`
	FeePayerKeyFile string `env:"X402_FEE_PAYER_KEY_FILE"`

	// MaxComputeUnits and MaxPriorityFee (lamports) bound what the fee payer co-signs.
	// Zero MaxComputeUnits allows the runtime maximum.
	MaxComputeUnits uint32 `env:"X402_MAX_COMPUTE_UNITS" envDefault:"1400000"`
	MaxPriorityFee  uint64 `env:"X402_MAX_PRIORITY_FEE" envDefault:"100000"`

	CacheTTL      time.Duration `env:"X402_CACHE_TTL" envDefault:"2m"`
	SettledGrace  time.Duration `env:"X402_SETTLED_GRACE" envDefault:"10m"`
	SweepInterval time.Duration `env:"X402_SWEEP_INTERVAL" envDefault:"30s"`

	VerifyTimeout    time.Duration `env:"X402_VERIFY_TIMEOUT" envDefault:"5s"`
	BroadcastTimeout time.Duration `env:"X402_BROADCAST_TIMEOUT" envDefault:"30s"`
	RequestTimeout   time.Duration `env:"X402_REQUEST_TIMEOUT" envDefault:"60s"`

	// Commitment is processed, confirmed or finalized. Empty returns on submission.
	Commitment    string `env:"X402_COMMITMENT" envDefault:"confirmed"`
	SkipPreflight bool   `env:"X402_SKIP_PREFLIGHT"`
	BalanceCheck  bool   `env:"X402_BALANCE_CHECK"`

	LogLevel slog.Level `env:"X402_LOG_LEVEL" envDefault:"info"`

	// MCPAddr serves the MCP tools when set.
	MCPAddr string `env:"X402_MCP_ADDR"`
}

// Load parses the environment and then args. Flags override environment values.
func Load(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("x402-facilitator", flag.ContinueOnError)
	cfg.bind(fs)
	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.Network, "network", c.Network, "CAIP-2 Solana network identifier")
	fs.StringVar(&c.RPCURL, "rpc-url", c.RPCURL, "Solana JSON-RPC endpoint (defaults to the network's public endpoint)")
	fs.StringVar(&c.FeePayerKey, "fee-payer-key", c.FeePayerKey, "base58 fee payer private key")
	fs.StringVar(&c.FeePayerKeyFile, "fee-payer-key-file", c.FeePayerKeyFile, "solana-keygen fee payer key file")
	fs.Func("max-compute-units", "largest compute unit limit the fee payer co-signs", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		c.MaxComputeUnits = uint32(n)
		return nil
	})
	fs.Uint64Var(&c.MaxPriorityFee, "max-priority-fee", c.MaxPriorityFee, "largest priority fee in lamports the fee payer co-signs")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "how long a verified transaction may wait for settle")
	fs.DurationVar(&c.SettledGrace, "settled-grace", c.SettledGrace, "how long settled entries stay queryable after the TTL")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "cache sweep interval")
	fs.DurationVar(&c.VerifyTimeout, "verify-timeout", c.VerifyTimeout, "verify ledger pre-flight timeout")
	fs.DurationVar(&c.BroadcastTimeout, "broadcast-timeout", c.BroadcastTimeout, "settle broadcast and confirmation timeout")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "HTTP request timeout")
	fs.StringVar(&c.Commitment, "commitment", c.Commitment, "confirmation level to wait for on settle")
	fs.BoolVar(&c.SkipPreflight, "skip-preflight", c.SkipPreflight, "skip node simulation before broadcast")
	fs.BoolVar(&c.BalanceCheck, "balance-check", c.BalanceCheck, "check the payer's native balance on verify")
	fs.TextVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.MCPAddr, "mcp-addr", c.MCPAddr, "MCP listen address (disabled when empty)")
}

// Validate checks that the settings are usable together.
func (c Config) Validate() error {
	if err := x402.ValidateNetwork(c.Network); err != nil {
		return err
	}
	if c.FeePayerKey != "" && c.FeePayerKeyFile != "" {
		return errors.New("set only one of fee payer key and fee payer key file")
	}
	if c.MaxComputeUnits > solutil.MaxComputeUnits {
		return fmt.Errorf("max compute units must not exceed %d", solutil.MaxComputeUnits)
	}
	switch rpc.CommitmentType(strings.ToLower(c.Commitment)) {
	case "", rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		return fmt.Errorf("unknown commitment %q", c.Commitment)
	}
	if err := c.Timeouts().Validate(); err != nil {
		return err
	}
	return c.Cache().Validate()
}

// Timeouts returns the timeout settings.
func (c Config) Timeouts() x402.TimeoutConfig {
	return x402.TimeoutConfig{
		VerifyTimeout:    c.VerifyTimeout,
		BroadcastTimeout: c.BroadcastTimeout,
		RequestTimeout:   c.RequestTimeout,
	}
}

// Cache returns the settlement cache settings.
func (c Config) Cache() x402.CacheConfig {
	return x402.CacheConfig{
		TTL:           c.CacheTTL,
		SettledGrace:  c.SettledGrace,
		SweepInterval: c.SweepInterval,
	}
}

// BroadcastOptions returns the ledger submission settings.
func (c Config) BroadcastOptions() ledger.BroadcastOptions {
	return ledger.BroadcastOptions{
		SkipPreflight: c.SkipPreflight,
		Commitment:    rpc.CommitmentType(strings.ToLower(c.Commitment)),
	}
}

// Endpoint returns the RPC URL, falling back to the network's public endpoint.
func (c Config) Endpoint() (string, error) {
	if c.RPCURL != "" {
		return c.RPCURL, nil
	}
	chain, err := x402.GetChainConfig(c.Network)
	if err != nil {
		return "", err
	}
	return chain.RPCURL, nil
}

// FeePayer loads the configured fee payer. It returns nil when none is configured.
func (c Config) FeePayer() (*svm.FeePayer, error) {
	opts := []svm.FeePayerOption{svm.WithMaxPriorityFee(c.MaxPriorityFee)}
	if c.MaxComputeUnits != 0 {
		opts = append(opts, svm.WithMaxComputeUnits(c.MaxComputeUnits))
	}
	switch {
	case c.FeePayerKey != "":
		return svm.NewFeePayer(c.FeePayerKey, opts...)
	case c.FeePayerKeyFile != "":
		return svm.NewFeePayerFromKeygenFile(c.FeePayerKeyFile, opts...)
	default:
		return nil, nil
	}
}
