package config

// Block and transaction limits (consensus-critical).
const (
	// BlockVersion is the current block header version.
	BlockVersion uint32 = 1

	MaxBlockWeight uint64 = 4_000_000 // Max block weight (header + tx signing bytes)
	MaxBlockSigOps        = 80_000    // Max signature operations per block
	MaxBlockTxs           = 500       // Max transactions per block (including coinbase)
	MaxTxWeight    uint64 = 400_000   // Max weight of a single transaction
	MaxTxInputs           = 2500      // Max inputs per transaction
	MaxTxOutputs          = 2500      // Max outputs per transaction
	MaxScriptData         = 65_536    // 64 KB max script data per output
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 20

// MaxFutureBlockTime is how far ahead of local time a block timestamp
// may be, in seconds.
const MaxFutureBlockTime uint64 = 2 * 60 * 60

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Mining: MiningConfig{
			Enabled: false,
			Threads: 1,
		},
		Mempool: MempoolConfig{
			MaxTxs:    50_000,
			MaxWeight: 200_000_000,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
