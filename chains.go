package x402

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
)

// CAIP-2 network identifiers (genesis hash as reference).
const (
	NetworkSolanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	NetworkSolanaDevnet  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	NetworkSolanaTestnet = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

// ChainConfig holds configuration for a Solana cluster.
type ChainConfig struct {
	// Network is the CAIP-2 network identifier.
	Network string

	// RPCURL is the public JSON-RPC endpoint of the cluster.
	RPCURL string

	// USDCAddress is the USDC mint on the cluster, empty if none.
	USDCAddress string

	// Decimals is the number of decimal places of the native asset.
	Decimals uint8
}

// Predefined cluster configurations.
var (
	// SolanaMainnet is the configuration for mainnet-beta.
	SolanaMainnet = ChainConfig{
		Network:     NetworkSolanaMainnet,
		RPCURL:      rpc.MainNetBeta_RPC,
		USDCAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:    9,
	}

	// SolanaDevnet is the configuration for devnet.
	SolanaDevnet = ChainConfig{
		Network:     NetworkSolanaDevnet,
		RPCURL:      rpc.DevNet_RPC,
		USDCAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:    9,
	}

	// SolanaTestnet is the configuration for testnet.
	SolanaTestnet = ChainConfig{
		Network:  NetworkSolanaTestnet,
		RPCURL:   rpc.TestNet_RPC,
		Decimals: 9,
	}
)

var chainConfigByNetwork = map[string]ChainConfig{
	NetworkSolanaMainnet: SolanaMainnet,
	NetworkSolanaDevnet:  SolanaDevnet,
	NetworkSolanaTestnet: SolanaTestnet,
}

// GetChainConfig returns the chain configuration for a CAIP-2 network identifier.
func GetChainConfig(network string) (ChainConfig, error) {
	config, ok := chainConfigByNetwork[network]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	return config, nil
}

// ValidateNetwork checks that network is a CAIP-2 Solana identifier.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}

	namespace, reference, ok := strings.Cut(network, ":")
	if !ok {
		return fmt.Errorf("%w: invalid CAIP-2 format: %s", ErrInvalidNetwork, network)
	}
	if namespace != "solana" {
		return fmt.Errorf("%w: unsupported namespace: %s", ErrInvalidNetwork, namespace)
	}
	// Genesis hash prefix, base58
	if len(reference) < 32 || len(reference) > 44 {
		return fmt.Errorf("%w: invalid Solana genesis hash length: %s", ErrInvalidNetwork, reference)
	}
	return nil
}
