package chain

import (
	"context"
	"testing"

	"github.com/ember-tech/ember-chain/internal/consensus"
	"github.com/ember-tech/ember-chain/internal/storage"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// buildBranch adds n empty blocks starting from parent, offsetting the
// first timestamp so the branch diverges from any sibling. Returns the
// blocks in ascending order.
func (h *harness) buildBranch(parent *Entry, n int, tsOffset uint64) []*block.Block {
	h.t.Helper()
	blocks := make([]*block.Block, 0, n)
	for i := 0; i < n; i++ {
		var tweak func(*block.Header)
		if i == 0 {
			tweak = func(hd *block.Header) {
				hd.Timestamp = parent.Header.Timestamp + 30 + tsOffset
			}
		}
		blk := h.nextBlock(parent, nil, 0, tweak)
		entry, err := h.chain.Add(context.Background(), blk)
		if err != nil {
			h.t.Fatalf("branch block %d: %v", i, err)
		}
		blocks = append(blocks, blk)
		parent = entry
	}
	return blocks
}

func TestReorg_SwitchToHeavierBranch(t *testing.T) {
	h := newHarness(t)
	h.extend(2)
	m1 := h.chain.GetEntryByHeight(1)
	m2 := h.chain.GetEntryByHeight(2)

	var events int
	var gotDisconnected, gotConnected []*block.Block
	h.chain.OnReorg(func(disconnected, connected []*block.Block) {
		events++
		gotDisconnected = disconnected
		gotConnected = connected
	})

	genesis := h.chain.GetEntryByHeight(0)
	side := h.buildBranch(genesis, 3, 30)

	if events != 1 {
		t.Fatalf("reorg events = %d, want exactly 1", events)
	}
	if len(gotDisconnected) != 2 || len(gotConnected) != 3 {
		t.Fatalf("notified %d disconnected / %d connected, want 2/3",
			len(gotDisconnected), len(gotConnected))
	}
	// Disconnected blocks arrive tip first, connected ones ascending.
	if gotDisconnected[0].Hash() != m2.Hash || gotDisconnected[1].Hash() != m1.Hash {
		t.Error("disconnected blocks out of order")
	}
	for i, blk := range side {
		if gotConnected[i].Hash() != blk.Hash() {
			t.Fatalf("connected[%d] mismatch", i)
		}
	}

	st := h.chain.BestState()
	if st.Height != 3 || st.TipHash != side[2].Hash() {
		t.Fatalf("tip = %s at %d, want side tip at 3", st.TipHash, st.Height)
	}
	if st.ChainWork != 4 {
		t.Errorf("chain work = %d, want 4", st.ChainWork)
	}
	if st.Value != testAlloc+3*testReward || st.Coin != 4 || st.TX != 4 {
		t.Errorf("counters = {%d %d %d}", st.Value, st.Coin, st.TX)
	}

	if h.chain.IsMainChain(m1.Hash) || h.chain.IsMainChain(m2.Hash) {
		t.Error("displaced blocks still report as active")
	}
	for _, blk := range side {
		if !h.chain.IsMainChain(blk.Hash()) {
			t.Errorf("branch block %s not active after reorg", blk.Hash())
		}
	}
}

func TestReorg_SideBranchAdditionsDoNotNotify(t *testing.T) {
	h := newHarness(t)
	h.extend(3)

	var events int
	h.chain.OnReorg(func(_, _ []*block.Block) { events++ })

	// Two side blocks that never overtake the active chain.
	genesis := h.chain.GetEntryByHeight(0)
	h.buildBranch(genesis, 2, 30)

	if events != 0 {
		t.Fatalf("reorg events = %d for side-branch storage, want 0", events)
	}
}

func TestReorg_RestoresSpentCoins(t *testing.T) {
	h := newHarness(t)
	h.extend(20)

	allocOp := h.allocOutpoint()
	spend := h.spend(allocOp, tx.SequenceFinal, 600_000, 400_000)
	tip := h.chain.GetEntry(h.chain.TipHash())
	blk := h.nextBlock(tip, []*tx.Transaction{spend}, 0, nil)
	if _, err := h.chain.Add(context.Background(), blk); err != nil {
		t.Fatalf("spend block: %v", err)
	}

	fork := h.chain.GetEntryByHeight(20)
	h.buildBranch(fork, 2, 30)

	if h.chain.Height() != 22 {
		t.Fatalf("height = %d, want 22", h.chain.Height())
	}

	// The reorg unwound the spend: the allocation coin is back, the
	// spend's outputs and tx index record are gone.
	if _, err := h.chain.GetCoin(allocOp); err != nil {
		t.Errorf("alloc coin not restored: %v", err)
	}
	for idx := uint32(0); idx < 2; idx++ {
		op := types.Outpoint{TxID: spend.Hash(), Index: idx}
		if _, err := h.chain.GetCoin(op); !storage.IsNotFound(err) {
			t.Errorf("unwound output %d still present, err = %v", idx, err)
		}
	}
	if _, _, err := h.chain.GetTransaction(spend.Hash()); err == nil {
		t.Error("unwound tx still indexed")
	}

	st := h.chain.BestState()
	if st.Value != testAlloc+22*testReward || st.Coin != 23 || st.TX != 23 {
		t.Errorf("counters after reorg = {%d %d %d}", st.Value, st.Coin, st.TX)
	}
}

func TestReorg_CounterRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.extend(2)
	m2 := h.chain.GetEntry(h.chain.TipHash())

	genesis := h.chain.GetEntryByHeight(0)
	h.buildBranch(genesis, 3, 30) // reorg away from m1, m2

	// Extend the original branch until it wins the tip back.
	h.buildBranch(m2, 3, 0)

	st := h.chain.BestState()
	want := State{
		Height:       5,
		TipHash:      st.TipHash,
		ChainWork:    6,
		TipTimestamp: h.gen.Timestamp + 5*30,
		Value:        testAlloc + 5*testReward,
		Coin:         6,
		TX:           6,
	}
	if st != want {
		t.Fatalf("state after double reorg = %+v, want %+v", st, want)
	}
	if !h.chain.IsMainChain(m2.Hash) {
		t.Error("original branch not active after winning back the tip")
	}
}

func TestReorg_FailedBranchLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.extend(1)
	before := h.chain.BestState()
	commitBefore, err := h.chain.UTXOCommitment()
	if err != nil {
		t.Fatalf("UTXOCommitment: %v", err)
	}

	genesis := h.chain.GetEntryByHeight(0)
	s1 := h.nextBlock(genesis, nil, 0, func(hd *block.Header) {
		hd.Timestamp = genesis.Header.Timestamp + 60
	})
	s1Entry, err := h.chain.Add(context.Background(), s1)
	if err != nil {
		t.Fatalf("s1: %v", err)
	}

	// Structurally sound block whose spend has no matching coin. Adding
	// it gives the branch more work and forces a reorg attempt.
	bogus := h.spend(types.Outpoint{TxID: types.Hash{0x42}, Index: 0}, tx.SequenceFinal, 1)
	s2 := h.nextBlock(s1Entry, []*tx.Transaction{bogus}, 0, nil)
	_, err = h.chain.Add(context.Background(), s2)
	if !consensus.IsRejectCode(err, consensus.CodeMissingInputs) {
		t.Fatalf("err = %v, want code %q", err, consensus.CodeMissingInputs)
	}

	if got := h.chain.BestState(); got != before {
		t.Fatalf("failed reorg changed state: %+v -> %+v", before, got)
	}
	if h.chain.GetEntry(s2.Hash()) != nil {
		t.Error("invalid branch block entered the index")
	}
	if _, err := h.chain.GetCoin(h.allocOutpoint()); err != nil {
		t.Errorf("coin set disturbed: %v", err)
	}
	commitAfter, err := h.chain.UTXOCommitment()
	if err != nil {
		t.Fatalf("UTXOCommitment: %v", err)
	}
	if commitAfter != commitBefore {
		t.Error("coin set commitment changed after a failed reorg")
	}
}

func TestChain_CrashRecovery(t *testing.T) {
	h := newHarness(t)
	h.extend(20)

	spend := h.spend(h.allocOutpoint(), tx.SequenceFinal, 600_000, 400_000)
	tip := h.chain.GetEntry(h.chain.TipHash())
	blk := h.nextBlock(tip, []*tx.Transaction{spend}, 0, nil)
	if _, err := h.chain.Add(context.Background(), blk); err != nil {
		t.Fatalf("spend block: %v", err)
	}
	want := h.chain.BestState()

	// Simulate a crash mid-reorg: checkpoint present and the coin flush
	// torn away entirely.
	if err := h.chain.store.PutCheckpoint(&reorgCheckpoint{
		OldTip: want.TipHash,
		NewTip: want.TipHash,
		Height: 10,
	}); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	if err := h.chain.coins.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	recovered, err := New(h.db, h.gen)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}

	if got := recovered.BestState(); got != want {
		t.Fatalf("recovered state = %+v, want %+v", got, want)
	}
	change := types.Outpoint{TxID: spend.Hash(), Index: 1}
	coin, err := recovered.GetCoin(change)
	if err != nil {
		t.Fatalf("change coin after recovery: %v", err)
	}
	if coin.Value != 400_000 {
		t.Errorf("change value = %d", coin.Value)
	}
	if _, err := recovered.GetCoin(h2Outpoint(t, recovered)); !storage.IsNotFound(err) {
		t.Errorf("spent alloc coin resurrected, err = %v", err)
	}
	if _, err := recovered.store.GetCheckpoint(); !storage.IsNotFound(err) {
		t.Error("checkpoint survived recovery")
	}
}

// h2Outpoint finds the genesis allocation outpoint on a reopened chain.
func h2Outpoint(t *testing.T, c *Chain) types.Outpoint {
	t.Helper()
	blk, err := c.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	return types.Outpoint{TxID: blk.Transactions[0].Hash(), Index: 1}
}

func TestChain_CrashRecoveryResumesFork(t *testing.T) {
	h := newHarness(t)
	h.extend(1)

	genesis := h.chain.GetEntryByHeight(0)
	s1 := h.nextBlock(genesis, nil, 0, func(hd *block.Header) {
		hd.Timestamp = genesis.Header.Timestamp + 60
	})
	s1Entry, err := h.chain.Add(context.Background(), s1)
	if err != nil {
		t.Fatalf("s1: %v", err)
	}

	// A heavier branch tip that was persisted but never switched to:
	// the crash hit between storing the block and committing the reorg.
	s2 := h.nextBlock(s1Entry, nil, 0, nil)
	s2Entry := NewEntry(s2.Header, s1Entry)
	if err := h.chain.store.PutBlock(s2); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
	if err := h.chain.store.PutEntry(s2Entry); err != nil {
		t.Fatalf("PutEntry: %v", err)
	}
	if err := h.chain.store.PutCheckpoint(&reorgCheckpoint{
		OldTip: h.chain.TipHash(),
		NewTip: s2Entry.Hash,
		Height: 0,
	}); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	recovered, err := New(h.db, h.gen)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	if recovered.TipHash() != s2Entry.Hash {
		t.Fatalf("tip = %s, want resumed fork tip %s", recovered.TipHash(), s2Entry.Hash)
	}
	if recovered.Height() != 2 {
		t.Errorf("height = %d, want 2", recovered.Height())
	}
	if !recovered.IsMainChain(s1Entry.Hash) {
		t.Error("fork parent not on active chain after resume")
	}
}
