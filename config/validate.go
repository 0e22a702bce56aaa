package config

import (
	"fmt"
	"math/big"
	"strings"

	"deedescrow/crypto"
)

// Roles holds the parsed role addresses.
type Roles struct {
	Authority [20]byte
	Seller    [20]byte
	Inspector [20]byte
	Lender    [20]byte
}

// Roles parses the configured role addresses. Every role must be set and no
// two roles may share an address.
func (c *Config) Roles() (Roles, error) {
	var roles Roles
	fields := []struct {
		name  string
		value string
		dst   *[20]byte
	}{
		{"authority", c.Authority.Address, &roles.Authority},
		{"seller", c.Authority.Seller, &roles.Seller},
		{"inspector", c.Authority.Inspector, &roles.Inspector},
		{"lender", c.Authority.Lender, &roles.Lender},
	}
	seen := make(map[[20]byte]string, len(fields))
	for _, field := range fields {
		if strings.TrimSpace(field.value) == "" {
			return Roles{}, fmt.Errorf("config: %s address required", field.name)
		}
		addr, err := crypto.ParseAddress(field.value)
		if err != nil {
			return Roles{}, fmt.Errorf("config: %s address: %w", field.name, err)
		}
		if addr == ([20]byte{}) {
			return Roles{}, fmt.Errorf("config: %s address must not be zero", field.name)
		}
		if other, dup := seen[addr]; dup {
			return Roles{}, fmt.Errorf("config: %s and %s share an address", other, field.name)
		}
		seen[addr] = field.name
		*field.dst = addr
	}
	return roles, nil
}

// Validate checks role addresses, RPC limits and the genesis section.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if _, err := c.Roles(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.StateBackend)) {
	case "", "leveldb", "bolt":
	default:
		return fmt.Errorf("config: unknown state backend %q", c.StateBackend)
	}
	if c.RPC.RequestsPerMinute < 0 || c.RPC.Burst < 0 {
		return fmt.Errorf("config: rpc rate limits must not be negative")
	}
	if c.RPC.TimestampSkewSeconds <= 0 || c.RPC.NonceTTLSeconds <= 0 {
		return fmt.Errorf("config: rpc timestamp skew and nonce ttl must be positive")
	}
	if c.RPC.NonceTTLSeconds < c.RPC.TimestampSkewSeconds {
		return fmt.Errorf("config: rpc nonce ttl must cover the timestamp skew")
	}
	if c.Events.HistorySize <= 0 {
		return fmt.Errorf("config: events history size must be positive")
	}
	for i, acc := range c.Genesis.Accounts {
		if _, err := crypto.ParseAddress(acc.Address); err != nil {
			return fmt.Errorf("config: genesis account %d: %w", i, err)
		}
		if _, err := ParseAmount(acc.Balance); err != nil {
			return fmt.Errorf("config: genesis account %d: %w", i, err)
		}
	}
	for i, deed := range c.Genesis.Deeds {
		if _, err := crypto.ParseAddress(deed.Owner); err != nil {
			return fmt.Errorf("config: genesis deed %d: %w", i, err)
		}
	}
	return nil
}

// ParseAmount parses a positive base-10 integer amount.
func ParseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}
