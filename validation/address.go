package validation

import (
	"fmt"
	"regexp"

	x402 "github.com/mark3labs/x402-gate"
)

var (
	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

	// caip2Regex matches CAIP-2 network identifiers (namespace:reference)
	caip2Regex = regexp.MustCompile(`^[a-z0-9]+:[a-zA-Z0-9]+$`)
)

// ValidateAddress checks that address looks like a base58 Solana account.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !solanaAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid Solana address format: %s (expected base58 string 32-44 chars)", address)
	}
	return nil
}

// ValidateNetwork validates a CAIP-2 Solana network identifier.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("%w: network cannot be empty", x402.ErrInvalidNetwork)
	}
	if !caip2Regex.MatchString(network) {
		return fmt.Errorf("%w: invalid CAIP-2 network format: %s (expected namespace:reference)", x402.ErrInvalidNetwork, network)
	}
	return x402.ValidateNetwork(network)
}

// ValidateCapabilities checks a capabilities descriptor advertised by a facilitator.
func ValidateCapabilities(c x402.Capabilities) error {
	if c.X402Version != x402.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", c.X402Version, x402.X402Version)
	}
	if c.Scheme != x402.SchemeExact {
		return fmt.Errorf("unsupported scheme %q", c.Scheme)
	}
	if err := ValidateNetwork(c.Network); err != nil {
		return err
	}
	if c.FeePayer != "" {
		if err := ValidateAddress(c.FeePayer); err != nil {
			return fmt.Errorf("invalid fee payer: %w", err)
		}
	}
	return nil
}
