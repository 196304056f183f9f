// Package chain maintains the block tree, the active chain selected by
// cumulative work, and the coin set derived from it.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ember-tech/ember-chain/config"
	"github.com/ember-tech/ember-chain/internal/consensus"
	"github.com/ember-tech/ember-chain/internal/log"
	"github.com/ember-tech/ember-chain/internal/storage"
	"github.com/ember-tech/ember-chain/internal/utxo"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

var (
	ErrUnknownBlock  = errors.New("block not found")
	ErrUnknownParent = errors.New("parent block not found")
)

// ReorgHandler is notified after a reorganization with the blocks removed
// from the active chain (tip first) and the blocks that replaced them
// (ascending). It runs under the chain lock.
type ReorgHandler func(disconnected, connected []*block.Block)

// ConnectHandler is notified after a block extends the active chain. It
// runs under the chain lock.
type ConnectHandler func(*block.Block)

// Chain is the consensus core: it accepts blocks, tracks every known
// branch, and keeps the coin set in step with the branch carrying the
// most work. All methods are safe for concurrent use.
type Chain struct {
	mu sync.RWMutex

	store  *BlockStore
	coins  *utxo.Store
	pow    *consensus.PoW
	params consensus.Params
	gen    *config.Genesis

	index       *Index
	state       State
	genesisHash types.Hash

	reorgHandler   ReorgHandler
	connectHandler ConnectHandler

	log zerolog.Logger
}

// New opens or creates a chain over db using the genesis configuration.
// A fresh database is initialized with the genesis block. A database left
// mid-reorganization by a crash is repaired before use.
func New(db storage.DB, gen *config.Genesis) (*Chain, error) {
	rules := gen.Protocol.Consensus
	pow, err := consensus.NewPoW(rules.InitialDifficulty, int(rules.RetargetInterval), rules.BlockTime)
	if err != nil {
		return nil, err
	}

	c := &Chain{
		store: NewBlockStore(db),
		coins: utxo.NewStore(db),
		pow:   pow,
		params: consensus.Params{
			CoinbaseMaturity: config.CoinbaseMaturity,
			BlockReward:      rules.BlockReward,
			HalvingInterval:  rules.HalvingInterval,
			MaxSupply:        rules.MaxSupply,
			InitialSupply:    gen.TotalAlloc(),
		},
		gen:   gen,
		index: NewIndex(),
		log:   log.Chain,
	}

	st, err := c.store.GetState()
	switch {
	case err == nil:
		c.state = *st
		if err := c.loadIndex(); err != nil {
			return nil, err
		}
		if err := c.recoverFromCheckpoint(); err != nil {
			return nil, err
		}
	case storage.IsNotFound(err):
		if err := c.initGenesis(); err != nil {
			return nil, fmt.Errorf("genesis init: %w", err)
		}
	default:
		return nil, err
	}

	genEntry := c.index.Entry(c.mainHash(0))
	if genEntry == nil {
		return nil, errors.New("genesis entry missing from index")
	}
	c.genesisHash = genEntry.Hash

	c.log.Info().
		Uint64("height", c.state.Height).
		Stringer("tip", c.state.TipHash).
		Uint64("chain_work", c.state.ChainWork).
		Int("entries", c.index.Len()).
		Msg("chain opened")
	return c, nil
}

// OnReorg registers the reorganization notification handler.
func (c *Chain) OnReorg(fn ReorgHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reorgHandler = fn
}

// OnConnect registers the tip-extension notification handler.
func (c *Chain) OnConnect(fn ConnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectHandler = fn
}

// initGenesis builds the genesis block and applies it directly. Genesis
// is exempt from proof-of-work and subsidy rules; its coinbase carries
// the configured allocations.
func (c *Chain) initGenesis() error {
	blk, err := CreateGenesisBlock(c.gen)
	if err != nil {
		return err
	}
	coinbase := blk.Transactions[0]

	view := utxo.NewView(c.coins)
	undo := &utxo.UndoRecord{}
	if err := view.SpendTx(coinbase, 0, undo); err != nil {
		return err
	}

	var delta stateDelta
	for _, out := range coinbase.Outputs {
		if !out.Script.IsSpendable() {
			continue
		}
		delta.createdValue += out.Value
		delta.createdCount++
	}
	delta.txCount = 1

	entry := NewEntry(blk.Header, nil)
	c.state = State{
		Height:       0,
		TipHash:      entry.Hash,
		ChainWork:    entry.ChainWork,
		TipTimestamp: blk.Header.Timestamp,
	}
	c.state.apply(delta)

	if err := c.store.CommitBlock(connectWrites{
		Block: blk,
		Entry: entry,
		Undo:  undo,
		State: &c.state,
	}, view, c.coins); err != nil {
		return err
	}

	c.index.Add(entry)
	c.index.SetMain(0, entry.Hash)
	c.log.Info().Stringer("hash", entry.Hash).Msg("genesis block created")
	return nil
}

// loadIndex rebuilds the in-memory entry arena from persisted entries and
// re-derives the tip set and the active-path height index.
func (c *Chain) loadIndex() error {
	children := make(map[types.Hash]int)
	err := c.store.ForEachEntry(func(e *Entry) error {
		c.index.entries[e.Hash] = e
		children[e.Parent()]++
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading entries: %w", err)
	}
	for h, e := range c.index.entries {
		if children[h] == 0 {
			c.index.tips[h] = e
		}
	}

	// Walk back from the recorded tip to mark the active path.
	hash := c.state.TipHash
	for {
		e := c.index.entries[hash]
		if e == nil {
			return fmt.Errorf("active chain broken at %s", hash)
		}
		c.index.SetMain(e.Height(), e.Hash)
		if e.Height() == 0 {
			return nil
		}
		hash = e.Parent()
	}
}

// BestState returns a copy of the current chain state.
func (c *Chain) BestState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Height returns the height of the active tip.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Height
}

// TipHash returns the hash of the active tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.TipHash
}

// GenesisHash returns the hash of the genesis block.
func (c *Chain) GenesisHash() types.Hash {
	return c.genesisHash
}

// GetEntry returns the tree entry for hash, or nil if unknown.
func (c *Chain) GetEntry(hash types.Hash) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Entry(hash)
}

// GetEntryByHeight returns the active-chain entry at height, or nil if
// the height is beyond the tip.
func (c *Chain) GetEntryByHeight(height uint64) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, ok := c.index.MainHash(height)
	if !ok {
		return nil
	}
	return c.index.Entry(hash)
}

// IsMainChain reports whether the block lies on the active chain.
func (c *Chain) IsMainChain(hash types.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.IsMain(c.index.Entry(hash))
}

// Tips returns the hashes of every branch tip, the active tip included.
func (c *Chain) Tips() []types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Tips()
}

// GetBlock loads a block by hash from any branch.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	blk, err := c.store.GetBlock(hash)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", hash, ErrUnknownBlock)
		}
		return nil, err
	}
	return blk, nil
}

// GetBlockByHeight loads the active-chain block at height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	c.mu.RLock()
	hash, ok := c.index.MainHash(height)
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("height %d: %w", height, ErrUnknownBlock)
	}
	return c.GetBlock(hash)
}

// GetTransaction looks up a confirmed transaction by id and returns it
// with the hash of the containing block.
func (c *Chain) GetTransaction(txid types.Hash) (*tx.Transaction, types.Hash, error) {
	blockHash, err := c.store.TxBlock(txid)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, types.Hash{}, fmt.Errorf("tx %s: %w", txid, ErrUnknownBlock)
		}
		return nil, types.Hash{}, err
	}
	blk, err := c.GetBlock(blockHash)
	if err != nil {
		return nil, types.Hash{}, err
	}
	for _, t := range blk.Transactions {
		if t.Hash() == txid {
			return t, blockHash, nil
		}
	}
	return nil, types.Hash{}, fmt.Errorf("tx %s missing from indexed block %s", txid, blockHash)
}

// GetCoin returns the unspent coin for outpoint from the committed set.
func (c *Chain) GetCoin(outpoint types.Outpoint) (*utxo.Coin, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coins.Get(outpoint)
}

// CoinsByAddress returns all unspent coins paying to addr.
func (c *Chain) CoinsByAddress(addr types.Address) ([]*utxo.Coin, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coins.GetByAddress(addr)
}

// Params returns the consensus parameters the chain validates with.
func (c *Chain) Params() consensus.Params {
	return c.params
}

// Engine returns the consensus engine sealing and verifying headers.
func (c *Chain) Engine() consensus.Engine {
	return c.pow
}

// UTXOCommitment computes a merkle root over the committed coin set.
// Two chains holding the same coins produce the same commitment.
func (c *Chain) UTXOCommitment() (types.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return utxo.Commitment(c.coins)
}

// MinFeeRate returns the configured relay fee floor.
func (c *Chain) MinFeeRate() uint64 {
	return c.gen.Protocol.Consensus.MinFeeRate
}

// NextDifficulty returns the difficulty required of the block that would
// extend the active tip.
func (c *Chain) NextDifficulty() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tip := c.index.Entry(c.state.TipHash)
	return c.pow.ExpectedDifficulty(c.state.Height+1, tip.Header.Difficulty, c.mainTimestamp)
}

// TimestampAt returns the timestamp of the active-chain block at height.
func (c *Chain) TimestampAt(height uint64) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mainTimestamp(height)
}

// RemoveChains prunes every branch that is not the active chain: stale
// entries, their stored blocks, and their tip records are deleted. The
// tip set collapses to the active tip alone.
func (c *Chain) RemoveChains() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []*Entry
	for hash, e := range c.index.entries {
		if mainHash, ok := c.index.MainHash(e.Height()); ok && mainHash == hash {
			continue
		}
		stale = append(stale, e)
	}
	for _, e := range stale {
		if err := c.store.DeleteBlock(e.Hash); err != nil && !storage.IsNotFound(err) {
			return err
		}
		if err := c.store.DeleteEntry(e.Hash); err != nil && !storage.IsNotFound(err) {
			return err
		}
		if err := c.store.DeleteUndo(e.Hash); err != nil && !storage.IsNotFound(err) {
			return err
		}
		c.index.Remove(e.Hash)
	}

	c.index.tips = map[types.Hash]*Entry{
		c.state.TipHash: c.index.Entry(c.state.TipHash),
	}
	if len(stale) > 0 {
		c.log.Info().Int("pruned", len(stale)).Msg("removed side branches")
	}
	return nil
}

// mainHash returns the active-chain hash at height under the caller's lock.
func (c *Chain) mainHash(height uint64) types.Hash {
	h, _ := c.index.MainHash(height)
	return h
}

// mainTimestamp returns the timestamp of the active-chain block at
// height. Caller holds the lock.
func (c *Chain) mainTimestamp(height uint64) (uint64, error) {
	hash, ok := c.index.MainHash(height)
	if !ok {
		return 0, fmt.Errorf("height %d: %w", height, ErrUnknownBlock)
	}
	e := c.index.Entry(hash)
	if e == nil {
		return 0, fmt.Errorf("height %d: %w", height, ErrUnknownBlock)
	}
	return e.Header.Timestamp, nil
}
