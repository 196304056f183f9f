package config

import (
	"fmt"

	"github.com/ember-tech/ember-chain/pkg/types"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.Mining.Threads < 0 {
		return fmt.Errorf("mining.threads must not be negative")
	}
	if cfg.Mining.Enabled && cfg.Mining.Coinbase != "" {
		if _, err := types.ParseAddress(cfg.Mining.Coinbase); err != nil {
			return fmt.Errorf("invalid mining.coinbase: %w", err)
		}
	}
	if cfg.Mempool.MaxTxs < 0 {
		return fmt.Errorf("mempool.maxtxs must not be negative")
	}
	return nil
}
