// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Mining/Validation (operational, not consensus rules)
	Mining MiningConfig

	// Mempool (operational limits)
	Mempool MempoolConfig

	// Logging
	Log LogConfig

	// Maintenance (not persisted in config file)
	RebuildIndexes bool
}

// MiningConfig holds block production settings.
// Note: Whether to mine is a node choice; HOW to validate is protocol.
type MiningConfig struct {
	Enabled  bool   `conf:"mining.enabled"`
	Coinbase string `conf:"mining.coinbase"`
	Threads  int    `conf:"mining.threads"`
}

// MempoolConfig holds transaction pool limits.
type MempoolConfig struct {
	MaxTxs    int    `conf:"mempool.maxtxs"`    // Max transactions held in the pool
	MaxWeight uint64 `conf:"mempool.maxweight"` // Max total pool weight in bytes
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.ember
//	macOS:   ~/Library/Application Support/Ember
//	Windows: %APPDATA%\Ember
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ember"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Ember")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Ember")
		}
		return filepath.Join(home, "AppData", "Roaming", "Ember")
	default:
		return filepath.Join(home, ".ember")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the blocks storage directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// UTXODir returns the UTXO database directory.
func (c *Config) UTXODir() string {
	return filepath.Join(c.ChainDataDir(), "utxo")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "ember.conf")
}
