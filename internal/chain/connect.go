package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ember-tech/ember-chain/config"
	"github.com/ember-tech/ember-chain/internal/consensus"
	"github.com/ember-tech/ember-chain/internal/utxo"
	"github.com/ember-tech/ember-chain/pkg/block"
)

// Add processes a new block. Depending on where it attaches it either
// extends the active chain, is stored as a side branch without touching
// chain state, or triggers a reorganization when its branch accumulates
// strictly more work than the active tip. Ties keep the current chain.
//
// The returned entry describes the block's place in the tree. Blocks
// already known are rejected with the "duplicate" code.
func (c *Chain) Add(ctx context.Context, blk *block.Block) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blk == nil || blk.Header == nil {
		return nil, block.ErrNilHeader
	}

	c.mu.Lock()
	entry, notify, err := c.addLocked(blk)
	c.mu.Unlock()

	// Handlers run outside the lock so they can query the chain.
	if notify != nil {
		notify()
	}
	return entry, err
}

func (c *Chain) addLocked(blk *block.Block) (*Entry, func(), error) {
	hash := blk.Hash()
	if c.index.Have(hash) {
		return nil, nil, consensus.NewRuleError(consensus.CodeDuplicate,
			fmt.Errorf("block %s already known", hash))
	}

	parent := c.index.Entry(blk.Header.PrevHash)
	if parent == nil {
		return nil, nil, fmt.Errorf("%s: %w", blk.Header.PrevHash, ErrUnknownParent)
	}
	if blk.Header.Height != parent.Height()+1 {
		return nil, nil, fmt.Errorf("block height %d does not follow parent height %d",
			blk.Header.Height, parent.Height())
	}

	if err := consensus.CheckBlockSanity(blk, c.pow); err != nil {
		return nil, nil, err
	}
	if err := checkTimestamp(blk.Header, parent); err != nil {
		return nil, nil, err
	}

	entry := NewEntry(blk.Header, parent)

	// The parent extends the active tip: connect directly.
	if parent.Hash == c.state.TipHash {
		if err := c.pow.VerifyDifficulty(blk.Header, parent.Header.Difficulty, c.mainTimestamp); err != nil {
			return nil, nil, err
		}
		if err := c.connectTip(blk, entry); err != nil {
			return nil, nil, err
		}
		var notify func()
		if fn := c.connectHandler; fn != nil {
			notify = func() { fn(blk) }
		}
		return entry, notify, nil
	}

	// Less or equal cumulative work: record the branch and leave the
	// active chain untouched. First seen wins on equal work.
	if entry.ChainWork <= c.state.ChainWork {
		if err := c.store.PutBlock(blk); err != nil {
			return nil, nil, err
		}
		if err := c.store.PutEntry(entry); err != nil {
			return nil, nil, err
		}
		c.index.Add(entry)
		c.log.Debug().
			Stringer("hash", hash).
			Uint64("height", entry.Height()).
			Uint64("work", entry.ChainWork).
			Msg("stored side-branch block")
		return entry, nil, nil
	}

	// The branch overtook the active chain.
	notify, err := c.reorganize(blk, entry)
	if err != nil {
		return nil, nil, err
	}
	return entry, notify, nil
}

// checkTimestamp enforces the header time window: not before the parent
// and not beyond the allowed clock drift.
func checkTimestamp(header *block.Header, parent *Entry) error {
	if header.Timestamp < parent.Header.Timestamp {
		return fmt.Errorf("block timestamp %d precedes parent timestamp %d",
			header.Timestamp, parent.Header.Timestamp)
	}
	limit := uint64(time.Now().Unix()) + config.MaxFutureBlockTime
	if header.Timestamp > limit {
		return fmt.Errorf("block timestamp %d too far in the future (limit %d)",
			header.Timestamp, limit)
	}
	return nil
}

// connectTip applies blk on top of the active tip: full transaction
// validation against a view, then one commit covering the index writes
// and the coin deltas. Caller holds the write lock and has verified the
// header.
func (c *Chain) connectTip(blk *block.Block, entry *Entry) error {
	view := utxo.NewView(c.coins)
	undo, delta, err := c.connectBlockToView(blk, view, c.mainTimestamp)
	if err != nil {
		return err
	}

	newState := c.state
	newState.Height = entry.Height()
	newState.TipHash = entry.Hash
	newState.ChainWork = entry.ChainWork
	newState.TipTimestamp = blk.Header.Timestamp
	newState.apply(delta)

	if err := c.store.CommitBlock(connectWrites{
		Block: blk,
		Entry: entry,
		Undo:  undo,
		State: &newState,
	}, view, c.coins); err != nil {
		return err
	}

	c.state = newState
	c.index.Add(entry)
	c.index.SetMain(entry.Height(), entry.Hash)

	c.log.Info().
		Stringer("hash", entry.Hash).
		Uint64("height", entry.Height()).
		Int("txs", len(blk.Transactions)).
		Uint64("work", entry.ChainWork).
		Msg("block connected")
	return nil
}

// connectBlockToView validates and applies every transaction of blk to
// view, in block order so in-block dependencies resolve. It returns the
// undo record and the state counter delta. The view is left dirty on
// error; callers discard it.
func (c *Chain) connectBlockToView(blk *block.Block, view *utxo.View, timeAt func(uint64) (uint64, error)) (*utxo.UndoRecord, stateDelta, error) {
	height := blk.Header.Height
	blockTime := blk.Header.Timestamp
	undo := &utxo.UndoRecord{}
	var delta stateDelta

	// Coins created earlier in this block report the in-flight height;
	// sequence locks on them resolve against this block's own time.
	timeAtOrSelf := func(h uint64) (uint64, error) {
		if h == height {
			return blockTime, nil
		}
		return timeAt(h)
	}

	var totalFees uint64
	for i, t := range blk.Transactions {
		if i == 0 {
			if err := view.SpendTx(t, height, undo); err != nil {
				return nil, delta, err
			}
			continue
		}

		if !consensus.IsFinal(t, height, blockTime) {
			return nil, delta, consensus.NewRuleError(consensus.CodeNonFinal,
				fmt.Errorf("tx %s locktime not satisfied at height %d", t.Hash(), height))
		}
		fee, err := consensus.CheckTransactionInputs(t, height, view, c.params)
		if err != nil {
			return nil, delta, fmt.Errorf("tx %s: %w", t.Hash(), err)
		}
		if err := consensus.VerifyInputs(t, view, consensus.StandardScriptFlags); err != nil {
			return nil, delta, fmt.Errorf("tx %s: %w", t.Hash(), err)
		}
		seqLock, err := consensus.CalcSequenceLock(t, view, timeAtOrSelf)
		if err != nil {
			return nil, delta, fmt.Errorf("tx %s: %w", t.Hash(), err)
		}
		if !consensus.SequenceLockActive(seqLock, height, blockTime) {
			return nil, delta, consensus.NewRuleError(consensus.CodeNonFinal,
				fmt.Errorf("tx %s sequence lock not satisfied", t.Hash()))
		}

		if err := view.SpendTx(t, height, undo); err != nil {
			return nil, delta, err
		}
		totalFees += fee
	}

	subsidy := consensus.BlockSubsidy(height, c.params)
	if err := consensus.CheckCoinbaseValue(blk.Transactions[0], subsidy, totalFees); err != nil {
		return nil, delta, err
	}

	for _, t := range blk.Transactions {
		delta.txCount++
		for _, out := range t.Outputs {
			if !out.Script.IsSpendable() {
				continue
			}
			delta.createdValue += out.Value
			delta.createdCount++
		}
	}
	for i := range undo.Spent {
		delta.spentValue += undo.Spent[i].Value
		delta.spentCount++
	}
	return undo, delta, nil
}

// VerifyProposal validates blk as the would-be next block on the active
// chain without changing any state. The header's proof of work is not
// checked, so unsealed candidate blocks can be proposed.
func (c *Chain) VerifyProposal(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return block.ErrNilHeader
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if blk.Header.PrevHash != c.state.TipHash {
		return fmt.Errorf("proposal parent %s is not the active tip %s",
			blk.Header.PrevHash, c.state.TipHash)
	}
	if blk.Header.Height != c.state.Height+1 {
		return fmt.Errorf("proposal height %d does not follow tip height %d",
			blk.Header.Height, c.state.Height)
	}
	if err := blk.Validate(); err != nil {
		return err
	}

	tip := c.index.Entry(c.state.TipHash)
	expected := c.pow.ExpectedDifficulty(blk.Header.Height, tip.Header.Difficulty, c.mainTimestamp)
	if blk.Header.Difficulty != expected {
		return fmt.Errorf("proposal difficulty %d, want %d", blk.Header.Difficulty, expected)
	}
	if err := checkTimestamp(blk.Header, tip); err != nil {
		return err
	}

	view := utxo.NewView(c.coins)
	_, _, err := c.connectBlockToView(blk, view, c.mainTimestamp)
	return err
}
