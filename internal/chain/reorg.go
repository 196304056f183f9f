package chain

import (
	"errors"
	"fmt"

	"github.com/ember-tech/ember-chain/internal/storage"
	"github.com/ember-tech/ember-chain/internal/utxo"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// MaxReorgDepth bounds how many blocks a reorganization may disconnect.
// A fork deeper than this is refused rather than replayed.
const MaxReorgDepth = 1000

var ErrReorgTooDeep = errors.New("reorganization exceeds maximum depth")

// blockDelta computes the state counter change a connected block caused,
// from its transactions and undo record.
func blockDelta(blk *block.Block, undo *utxo.UndoRecord) stateDelta {
	var d stateDelta
	for _, t := range blk.Transactions {
		d.txCount++
		for _, out := range t.Outputs {
			if !out.Script.IsSpendable() {
				continue
			}
			d.createdValue += out.Value
			d.createdCount++
		}
	}
	for i := range undo.Spent {
		d.spentValue += undo.Spent[i].Value
		d.spentCount++
	}
	return d
}

// reorganize switches the active chain to the branch ending in newEntry,
// which carries strictly more work than the current tip. newBlk is the
// branch's newest block and is not yet stored.
//
// All validation happens on an in-memory view before anything is
// persisted, so a failing branch leaves chain state untouched. The
// persist phase is guarded by a checkpoint; a crash inside it is
// repaired at the next startup.
//
// The returned closure delivers the reorg notification and must be
// called after the chain lock is released.
func (c *Chain) reorganize(newBlk *block.Block, newEntry *Entry) (func(), error) {
	branch, forkEntry, err := c.collectBranch(newEntry)
	if err != nil {
		return nil, err
	}

	// Phase 1: undo the old blocks on a view and remember them.
	view := utxo.NewView(c.coins)
	st := c.state
	var disconnected []*block.Block
	for h := c.state.Height; h > forkEntry.Height(); h-- {
		hash := c.mainHash(h)
		blk, err := c.store.GetBlock(hash)
		if err != nil {
			return nil, err
		}
		undo, err := c.store.GetUndo(hash)
		if err != nil {
			return nil, err
		}
		view.UndoBlock(undo)
		st.revert(blockDelta(blk, undo))
		disconnected = append(disconnected, blk)
	}
	st.Height = forkEntry.Height()
	st.TipHash = forkEntry.Hash
	st.ChainWork = forkEntry.ChainWork
	st.TipTimestamp = forkEntry.Header.Timestamp

	// Phase 2: validate the new branch on the same view, ascending. Any
	// failure discards the view and reports the offending block.
	branchTimes := make(map[uint64]uint64, len(branch))
	timeAt := func(h uint64) (uint64, error) {
		if t, ok := branchTimes[h]; ok {
			return t, nil
		}
		if h <= forkEntry.Height() {
			return c.mainTimestamp(h)
		}
		return 0, fmt.Errorf("height %d: %w", h, ErrUnknownBlock)
	}

	type connected struct {
		blk   *block.Block
		entry *Entry
		undo  *utxo.UndoRecord
	}
	prevDifficulty := forkEntry.Header.Difficulty
	conns := make([]connected, 0, len(branch))
	for _, e := range branch {
		var blk *block.Block
		if e.Hash == newEntry.Hash {
			blk = newBlk
		} else {
			blk, err = c.store.GetBlock(e.Hash)
			if err != nil {
				return nil, err
			}
		}
		if err := c.pow.VerifyDifficulty(blk.Header, prevDifficulty, timeAt); err != nil {
			return nil, fmt.Errorf("branch block %s: %w", e.Hash, err)
		}
		undo, delta, err := c.connectBlockToView(blk, view, timeAt)
		if err != nil {
			return nil, fmt.Errorf("branch block %s: %w", e.Hash, err)
		}
		st.apply(delta)
		branchTimes[e.Height()] = blk.Header.Timestamp
		prevDifficulty = blk.Header.Difficulty
		conns = append(conns, connected{blk: blk, entry: e, undo: undo})
	}
	st.Height = newEntry.Height()
	st.TipHash = newEntry.Hash
	st.ChainWork = newEntry.ChainWork
	st.TipTimestamp = newBlk.Header.Timestamp

	// Phase 3: persist. Checkpoint first, then swap the indexes.
	oldTip := c.state.TipHash
	if err := c.store.PutCheckpoint(&reorgCheckpoint{
		OldTip: oldTip,
		NewTip: newEntry.Hash,
		Height: forkEntry.Height(),
	}); err != nil {
		return nil, err
	}
	for _, blk := range disconnected {
		if err := c.store.DisconnectBlock(blk); err != nil {
			return nil, err
		}
	}
	for i := range conns {
		stateAt := st
		if err := c.store.CommitBlock(connectWrites{
			Block: conns[i].blk,
			Entry: conns[i].entry,
			Undo:  conns[i].undo,
			State: &stateAt,
		}, nil, nil); err != nil {
			return nil, err
		}
	}
	if err := view.Commit(c.coins); err != nil {
		return nil, err
	}
	if err := c.store.DeleteCheckpoint(); err != nil {
		return nil, err
	}

	// Swap the in-memory index.
	for _, blk := range disconnected {
		c.index.UnsetMain(blk.Header.Height)
	}
	for i := range conns {
		c.index.Add(conns[i].entry)
		c.index.SetMain(conns[i].entry.Height(), conns[i].entry.Hash)
	}
	c.state = st

	c.log.Info().
		Stringer("old_tip", oldTip).
		Stringer("new_tip", st.TipHash).
		Uint64("fork_height", forkEntry.Height()).
		Int("disconnected", len(disconnected)).
		Int("connected", len(conns)).
		Msg("chain reorganized")

	var notify func()
	if fn := c.reorgHandler; fn != nil && len(disconnected) > 0 {
		blocks := make([]*block.Block, len(conns))
		for i := range conns {
			blocks[i] = conns[i].blk
		}
		notify = func() { fn(disconnected, blocks) }
	}
	return notify, nil
}

// collectBranch walks from newEntry back to the active chain. It returns
// the branch entries in ascending order and the fork-point entry, which
// is on the active chain.
func (c *Chain) collectBranch(newEntry *Entry) ([]*Entry, *Entry, error) {
	var reversed []*Entry
	e := newEntry
	for e != nil && !c.index.IsMain(e) {
		reversed = append(reversed, e)
		if len(reversed) > MaxReorgDepth {
			return nil, nil, ErrReorgTooDeep
		}
		e = c.index.Entry(e.Parent())
	}
	if e == nil {
		return nil, nil, fmt.Errorf("branch from %s does not reach the active chain", newEntry.Hash)
	}
	branch := make([]*Entry, len(reversed))
	for i, be := range reversed {
		branch[len(reversed)-1-i] = be
	}
	return branch, e, nil
}

// recoverFromCheckpoint repairs a database a crash left mid-reorg: the
// coin set and counters are rebuilt by replaying the persisted active
// chain from genesis, then any branch with more work than the rebuilt
// tip is resumed.
func (c *Chain) recoverFromCheckpoint() error {
	cp, err := c.store.GetCheckpoint()
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}

	c.log.Warn().
		Stringer("old_tip", cp.OldTip).
		Stringer("new_tip", cp.NewTip).
		Uint64("fork_height", cp.Height).
		Msg("interrupted reorganization detected, rebuilding chain state")

	if err := c.rebuildState(); err != nil {
		return err
	}
	if err := c.store.DeleteCheckpoint(); err != nil {
		return err
	}
	return c.resumeBestBranch()
}

// RebuildIndexes discards the coin set and derived counters and rebuilds
// them by replaying the stored active chain. Intended for operator use
// when the derived state is suspected corrupt; block data is the truth.
func (c *Chain) RebuildIndexes() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildState()
}

// rebuildState replays the persisted active chain from genesis into a
// fresh coin set. Caller holds the write lock or is still initializing.
func (c *Chain) rebuildState() error {
	if err := c.coins.ClearAll(); err != nil {
		return err
	}

	view := utxo.NewView(c.coins)
	var st State
	main := make(map[uint64]types.Hash)
	for h := uint64(0); ; h++ {
		hash, err := c.store.MainHash(h)
		if err != nil {
			if storage.IsNotFound(err) {
				break
			}
			return err
		}
		blk, err := c.store.GetBlock(hash)
		if err != nil {
			return err
		}
		e := c.index.Entry(hash)
		if e == nil {
			return fmt.Errorf("rebuild: entry %s missing", hash)
		}

		undo := &utxo.UndoRecord{}
		for _, t := range blk.Transactions {
			if err := view.SpendTx(t, h, undo); err != nil {
				return fmt.Errorf("rebuild height %d: %w", h, err)
			}
		}
		if err := c.store.PutUndo(hash, undo); err != nil {
			return err
		}

		st.apply(blockDelta(blk, undo))
		st.Height = h
		st.TipHash = hash
		st.ChainWork = e.ChainWork
		st.TipTimestamp = blk.Header.Timestamp
		main[h] = hash
	}
	if len(main) == 0 {
		return errors.New("rebuild: no main-chain blocks found")
	}

	if err := view.Commit(c.coins); err != nil {
		return err
	}
	if err := c.store.PutState(&st); err != nil {
		return err
	}
	c.state = st
	c.index.main = main

	c.log.Info().
		Uint64("height", st.Height).
		Stringer("tip", st.TipHash).
		Msg("chain state rebuilt")
	return nil
}

// resumeBestBranch finishes a fork switch the rebuilt chain lost: if a
// known branch tip carries strictly more work than the active tip, the
// reorganization is run again.
func (c *Chain) resumeBestBranch() error {
	var best *Entry
	for _, e := range c.index.tips {
		if e.ChainWork > c.state.ChainWork && (best == nil || e.ChainWork > best.ChainWork) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	blk, err := c.store.GetBlock(best.Hash)
	if err != nil {
		return err
	}
	c.log.Info().Stringer("tip", best.Hash).Msg("resuming interrupted fork switch")
	_, err = c.reorganize(blk, best)
	return err
}
