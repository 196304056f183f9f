package chain

import "github.com/ember-tech/ember-chain/pkg/types"

// State holds the current chain tip together with the aggregate counters
// maintained transactionally with every connected or disconnected block.
// Disconnect followed by reconnect of the same blocks must reproduce the
// counters exactly.
type State struct {
	Height       uint64     `json:"height"`
	TipHash      types.Hash `json:"tip_hash"`
	ChainWork    uint64     `json:"chain_work"`    // Sum of difficulties along the active path.
	TipTimestamp uint64     `json:"tip_timestamp"` // Timestamp of the active tip block.

	Value uint64 `json:"value"` // Sum of all unspent output values.
	Coin  uint64 `json:"coin"`  // Number of live coins.
	TX    uint64 `json:"tx"`    // Transactions committed on the active path.
}

// IsGenesis reports whether no blocks have been connected past the
// genesis block.
func (s *State) IsGenesis() bool {
	return s.Height == 0
}

// stateDelta is the counter change produced by connecting one block.
type stateDelta struct {
	spentValue   uint64
	spentCount   uint64
	createdValue uint64
	createdCount uint64
	txCount      uint64
}

// apply adds the delta for a connected block.
func (s *State) apply(d stateDelta) {
	s.Value += d.createdValue
	s.Value -= d.spentValue
	s.Coin += d.createdCount
	s.Coin -= d.spentCount
	s.TX += d.txCount
}

// revert removes the delta when the block is disconnected.
func (s *State) revert(d stateDelta) {
	s.Value += d.spentValue
	s.Value -= d.createdValue
	s.Coin += d.spentCount
	s.Coin -= d.createdCount
	s.TX -= d.txCount
}
