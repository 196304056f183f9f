package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ember-tech/ember-chain/pkg/crypto"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"` // Native coin symbol (e.g., "EMB")

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// ScriptEngineHeight uint64 `json:"script_engine_height,omitempty"`
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	// Consensus
	Consensus ConsensusRules `json:"consensus"`

	// Fork activation schedule
	Forks ForkSchedule `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated.
type ConsensusRules struct {
	// Block timing
	BlockTime int `json:"block_time"` // Target seconds between blocks

	// Proof of work
	InitialDifficulty uint64 `json:"initial_difficulty"`
	RetargetInterval  uint64 `json:"retarget_interval"` // Blocks between difficulty adjustments

	// Economics
	BlockReward     uint64 `json:"block_reward"`               // Base units per block before halving
	MaxSupply       uint64 `json:"max_supply"`                 // Total coin cap in base units (0 = unlimited)
	HalvingInterval uint64 `json:"halving_interval,omitempty"` // Blocks between reward halvings (0 = no halving)
	MinFeeRate      uint64 `json:"min_fee_rate"`               // Minimum fee rate (base units per byte of SigningBytes)
}

// =============================================================================
// Testnet Identity
//
// A throwaway key pair published so anyone can spend the testnet
// allocation. DO NOT use on mainnet.
// =============================================================================

const (
	// TestnetPrivKey is the well-known testnet private key (hex).
	TestnetPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetPubKey is the compressed public key (hex) for TestnetPrivKey.
	TestnetPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetAddress is the address (raw hex) for TestnetPubKey.
	// Address = BLAKE3(pubkey)[:20]
	TestnetAddress = "8f3a44b8056cafec368dea0cbe0ad1d9bc3f4305"
)

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "ember-mainnet-1",
		ChainName: "Ember Mainnet",
		Symbol:    "EMB",
		Timestamp: 1772496000, // 2026-03-01
		ExtraData: "Ember Genesis",
		Alloc: map[string]uint64{
			// Launch allocation (raw hex address).
			"e9d69ff16485cc3cb2bd6b5db63c45cbbbc29f0b": 100_000 * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				BlockTime:         30,
				InitialDifficulty: 1_000_000,
				RetargetInterval:  144,
				BlockReward:       50 * Coin,
				MaxSupply:         18_000_000 * Coin,
				HalvingInterval:   210_000,
				MinFeeRate:        1000, // 1,000 base units per byte
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "ember-testnet-1"
	g.ChainName = "Ember Testnet"
	g.ExtraData = "Ember Testnet Genesis"

	// More relaxed rules for testnet.
	g.Protocol.Consensus.InitialDifficulty = 1000
	g.Protocol.Consensus.MinFeeRate = 10

	// Testnet allocation: 200,000 EMB to the well-known testnet address.
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.InitialDifficulty == 0 {
		return fmt.Errorf("initial_difficulty must be positive")
	}

	if g.Protocol.Consensus.RetargetInterval == 0 {
		return fmt.Errorf("retarget_interval must be positive")
	}

	if g.Protocol.Consensus.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}

	if g.Protocol.Consensus.BlockReward == 0 {
		return fmt.Errorf("block_reward must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	for addrStr := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
	}
	totalAlloc := g.TotalAlloc()
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply)
	}

	return nil
}

// TotalAlloc returns the sum of all genesis allocations in base units.
func (g *Genesis) TotalAlloc() uint64 {
	var total uint64
	for _, v := range g.Alloc {
		total += v
	}
	return total
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
