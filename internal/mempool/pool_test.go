package mempool

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ember-tech/ember-chain/internal/consensus"
	"github.com/ember-tech/ember-chain/internal/storage"
	"github.com/ember-tech/ember-chain/internal/utxo"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/crypto"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// fakeChain is a ChainView over an in-memory coin map.
type fakeChain struct {
	height uint64
	coins  map[types.Outpoint]*utxo.Coin
}

func (f *fakeChain) GetCoin(op types.Outpoint) (*utxo.Coin, error) {
	if c, ok := f.coins[op]; ok {
		return c.Clone(), nil
	}
	return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
}

func (f *fakeChain) Height() uint64 { return f.height }

func (f *fakeChain) TimestampAt(height uint64) (uint64, error) {
	if height > f.height {
		return 0, fmt.Errorf("height %d beyond tip %d", height, f.height)
	}
	return 1700000000 + height*30, nil
}

type poolHarness struct {
	t     *testing.T
	chain *fakeChain
	pool  *Pool
	key   *crypto.PrivateKey
	addr  types.Address
	seq   byte
}

func newPoolHarness(t *testing.T, policy *Policy, maxTxs int) *poolHarness {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	fc := &fakeChain{
		height: 100,
		coins:  make(map[types.Outpoint]*utxo.Coin),
	}
	params := consensus.Params{CoinbaseMaturity: 20, BlockReward: 50_000}
	return &poolHarness{
		t:     t,
		chain: fc,
		pool:  New(fc, params, policy, maxTxs, 0),
		key:   key,
		addr:  crypto.AddressFromPubKey(key.PublicKey()),
	}
}

func (h *poolHarness) script() types.Script {
	return types.Script{Type: types.ScriptTypeP2PKH, Data: h.addr.Bytes()}
}

// fund creates a confirmed coin of the given value at height and returns
// its outpoint.
func (h *poolHarness) fund(value, height uint64) types.Outpoint {
	h.t.Helper()
	h.seq++
	op := types.Outpoint{TxID: types.Hash{0xf0, h.seq}, Index: 0}
	h.chain.coins[op] = &utxo.Coin{
		Outpoint: op,
		Value:    value,
		Script:   h.script(),
		Height:   height,
	}
	return op
}

// spend builds a signed transaction consuming op and paying outs back to
// the harness key. The difference is the fee.
func (h *poolHarness) spend(op types.Outpoint, outs ...uint64) *tx.Transaction {
	h.t.Helper()
	b := tx.NewBuilder().AddInput(op)
	for _, v := range outs {
		b.AddOutput(v, h.script())
	}
	if err := b.Sign(h.key); err != nil {
		h.t.Fatalf("Sign: %v", err)
	}
	return b.Build()
}

// add admits a transaction and fails the test on any rejection.
func (h *poolHarness) add(transaction *tx.Transaction) {
	h.t.Helper()
	missing, err := h.pool.Add(transaction)
	if err != nil {
		h.t.Fatalf("Add: %v", err)
	}
	if missing != nil {
		h.t.Fatalf("Add reported missing outpoints: %v", missing.Outpoints)
	}
}

func TestPool_AddAndQuery(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	op := h.fund(10_000, 50)
	pay := h.spend(op, 9_000)
	h.add(pay)

	if !h.pool.Has(pay.Hash()) {
		t.Fatal("pool does not hold admitted transaction")
	}
	if got := h.pool.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	e := h.pool.Get(pay.Hash())
	if e == nil {
		t.Fatal("Get returned nil for resident transaction")
	}
	if e.Fee != 1_000 {
		t.Errorf("fee = %d, want 1000", e.Fee)
	}
	if e.Weight != pay.Weight() {
		t.Errorf("weight = %d, want %d", e.Weight, pay.Weight())
	}
	if len(e.Parents()) != 0 {
		t.Errorf("unexpected pool parents: %v", e.Parents())
	}
}

func TestPool_AddDuplicate(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	pay := h.spend(h.fund(10_000, 50), 9_000)
	h.add(pay)

	if _, err := h.pool.Add(pay); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate Add err = %v, want ErrAlreadyExists", err)
	}
}

func TestPool_RejectsCoinbase(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	coinbase := tx.NewBuilder().
		AddInput(types.Outpoint{}).
		AddOutput(50_000, h.script()).
		Build()

	if _, err := h.pool.Add(coinbase); err == nil {
		t.Fatal("coinbase admitted to mempool")
	}
}

func TestPool_Conflict(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	op := h.fund(10_000, 50)
	first := h.spend(op, 9_000)
	second := h.spend(op, 8_000)
	h.add(first)

	_, err := h.pool.Add(second)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Add err = %v, want ConflictError", err)
	}
	if len(conflict.Outpoints) != 1 || conflict.Outpoints[0] != op {
		t.Errorf("contested outpoints = %v, want [%s]", conflict.Outpoints, op)
	}
	if len(conflict.Spenders) != 1 || conflict.Spenders[0] != first.Hash() {
		t.Errorf("spenders = %v, want [%s]", conflict.Spenders, first.Hash())
	}
	if h.pool.Has(second.Hash()) {
		t.Error("conflicting transaction entered the pool")
	}
}

func TestPool_MissingInputs(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	ghost := types.Outpoint{TxID: types.Hash{0xde, 0xad}, Index: 3}
	pay := h.spend(ghost, 1_000)

	missing, err := h.pool.Add(pay)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if missing == nil {
		t.Fatal("expected a missing outpoint report")
	}
	if len(missing.Outpoints) != 1 || missing.Outpoints[0] != ghost {
		t.Errorf("missing = %v, want [%s]", missing.Outpoints, ghost)
	}
	if h.pool.Has(pay.Hash()) {
		t.Error("transaction with unresolved inputs was admitted")
	}
}

func TestPool_ChildSpendsPoolOutput(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	parent := h.spend(h.fund(10_000, 50), 9_000)
	h.add(parent)

	childIn := types.Outpoint{TxID: parent.Hash(), Index: 0}
	child := h.spend(childIn, 8_000)
	h.add(child)

	e := h.pool.Get(child.Hash())
	if got := e.Parents(); len(got) != 1 || got[0] != parent.Hash() {
		t.Fatalf("child parents = %v, want [%s]", got, parent.Hash())
	}

	// Evicting the parent takes the child with it.
	h.pool.Remove(parent.Hash())
	if h.pool.Has(child.Hash()) {
		t.Error("child survived removal of its parent")
	}
	if h.pool.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.pool.Count())
	}
}

func TestPool_MinFeeRate(t *testing.T) {
	h := newPoolHarness(t, &Policy{MinFeeRate: 2}, 0)

	cheap := h.spend(h.fund(10_000, 50), 9_990)
	if _, err := h.pool.Add(cheap); !errors.Is(err, ErrFeeTooLow) {
		t.Fatalf("Add err = %v, want ErrFeeTooLow", err)
	}

	paying := h.spend(h.fund(10_000, 50), 9_000)
	if fee := 10_000 - uint64(9_000); fee < tx.RequiredFee(paying, 2) {
		t.Fatalf("test fee %d does not clear the floor for weight %d", fee, paying.Weight())
	}
	h.add(paying)
}

func TestPool_ImmatureCoinbaseSpend(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	op := h.fund(50_000, 95)
	h.chain.coins[op].Coinbase = true

	pay := h.spend(op, 40_000)
	if _, err := h.pool.Add(pay); err == nil {
		t.Fatal("immature coinbase spend admitted")
	}
}

func TestPool_SequenceLocked(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	op := h.fund(10_000, 100)

	b := tx.NewBuilder().AddInputSequence(op, 5).AddOutput(9_000, h.script())
	if err := b.Sign(h.key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	locked := b.Build()

	_, err := h.pool.Add(locked)
	if !consensus.IsRejectCode(err, consensus.CodeNonFinal) {
		t.Fatalf("Add err = %v, want %s", err, consensus.CodeNonFinal)
	}
}

func TestPool_Prioritise(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	low := h.spend(h.fund(10_000, 50), 9_900)
	high := h.spend(h.fund(10_000, 50), 5_000)
	h.add(low)
	h.add(high)

	entries := h.pool.Entries()
	if len(entries) != 2 || entries[0].Hash != high.Hash() {
		t.Fatalf("initial ordering wrong, first = %s", entries[0].Hash)
	}

	if err := h.pool.Prioritise(low.Hash(), 100_000, 0); err != nil {
		t.Fatalf("Prioritise: %v", err)
	}
	entries = h.pool.Entries()
	if entries[0].Hash != low.Hash() {
		t.Fatal("fee delta did not reorder selection")
	}
	if got := h.pool.Get(low.Hash()).Fee; got != 100 {
		t.Errorf("recorded fee changed to %d, want 100", got)
	}

	// A negative priority delta pushes it back down.
	if err := h.pool.Prioritise(low.Hash(), 0, -1e9); err != nil {
		t.Fatalf("Prioritise: %v", err)
	}
	if entries = h.pool.Entries(); entries[0].Hash == low.Hash() {
		t.Fatal("priority delta did not reorder selection")
	}

	if err := h.pool.Prioritise(types.Hash{0x01}, 1, 0); !errors.Is(err, ErrUnknownTx) {
		t.Fatalf("Prioritise unknown err = %v, want ErrUnknownTx", err)
	}
}

func TestPool_CapacityEviction(t *testing.T) {
	h := newPoolHarness(t, nil, 2)
	low := h.spend(h.fund(10_000, 50), 9_900)
	mid := h.spend(h.fund(10_000, 50), 8_000)
	h.add(low)
	h.add(mid)

	// A worse rate than everything resident bounces.
	worst := h.spend(h.fund(10_000, 50), 9_950)
	if _, err := h.pool.Add(worst); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("Add err = %v, want ErrPoolFull", err)
	}

	// A better rate displaces the cheapest entry.
	best := h.spend(h.fund(10_000, 50), 5_000)
	h.add(best)
	if h.pool.Has(low.Hash()) {
		t.Error("lowest-rate entry survived eviction")
	}
	if !h.pool.Has(mid.Hash()) || !h.pool.Has(best.Hash()) {
		t.Error("wrong entry evicted")
	}
}

func TestPool_HandleConnect(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	confirmedTx := h.spend(h.fund(10_000, 50), 9_000)
	stranded := h.spend(h.fund(10_000, 50), 9_000)
	h.add(confirmedTx)
	h.add(stranded)

	// The block confirms one pooled transaction and, elsewhere, spends
	// the other's input.
	delete(h.chain.coins, stranded.Inputs[0].PrevOut)
	blk := block.NewBlock(&block.Header{Height: 101}, []*tx.Transaction{confirmedTx})
	h.chain.height = 101
	h.pool.HandleConnect(blk)

	if h.pool.Has(confirmedTx.Hash()) {
		t.Error("confirmed transaction still resident")
	}
	if h.pool.Has(stranded.Hash()) {
		t.Error("transaction with a spent input survived revalidation")
	}
}

func TestPool_HandleConnectKeepsChildren(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	parent := h.spend(h.fund(10_000, 50), 9_000)
	h.add(parent)
	child := h.spend(types.Outpoint{TxID: parent.Hash(), Index: 0}, 8_000)
	h.add(child)

	// Confirming the parent materializes the child's input on chain.
	childOp := types.Outpoint{TxID: parent.Hash(), Index: 0}
	h.chain.coins[childOp] = &utxo.Coin{
		Outpoint: childOp,
		Value:    9_000,
		Script:   h.script(),
		Height:   101,
	}
	blk := block.NewBlock(&block.Header{Height: 101}, []*tx.Transaction{parent})
	h.chain.height = 101
	h.pool.HandleConnect(blk)

	if h.pool.Has(parent.Hash()) {
		t.Error("confirmed parent still resident")
	}
	if !h.pool.Has(child.Hash()) {
		t.Error("child lost although its parent confirmed")
	}
}

func TestPool_HandleReorg(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	reverted := h.spend(h.fund(10_000, 50), 9_000)
	kept := h.spend(h.fund(10_000, 50), 9_000)

	disconnected := []*block.Block{
		block.NewBlock(&block.Header{Height: 101}, []*tx.Transaction{reverted, kept}),
	}
	connected := []*block.Block{
		block.NewBlock(&block.Header{Height: 101}, []*tx.Transaction{kept}),
	}
	h.pool.HandleReorg(disconnected, connected)

	if !h.pool.Has(reverted.Hash()) {
		t.Error("transaction from the losing branch not returned to the pool")
	}
	if h.pool.Has(kept.Hash()) {
		t.Error("transaction confirmed by the new branch is resident")
	}
}

func TestPool_HandleReorgDropsConflicted(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	op := h.fund(10_000, 50)
	pooled := h.spend(op, 9_000)
	h.add(pooled)

	// The new branch spends the pooled transaction's input.
	rival := h.spend(op, 8_500)
	delete(h.chain.coins, op)
	connected := []*block.Block{
		block.NewBlock(&block.Header{Height: 101}, []*tx.Transaction{rival}),
	}
	h.chain.height = 101
	h.pool.HandleReorg(nil, connected)

	if h.pool.Has(pooled.Hash()) {
		t.Error("transaction conflicting with the new branch survived")
	}
}

func TestPool_HandleReorgEvictsRegressedSequenceLock(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	op := h.fund(10_000, 95)
	plain := h.spend(h.fund(10_000, 50), 9_000)

	// Six-block relative lock on a coin six blocks deep: spendable in
	// the very next block.
	b := tx.NewBuilder().AddInputSequence(op, 6).AddOutput(9_000, h.script())
	if err := b.Sign(h.key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	locked := b.Build()
	h.add(locked)
	h.add(plain)

	// The new branch re-confirms the funding transaction one block below
	// the tip, so the relative lock now has blocks left to wait.
	h.chain.coins[op].Height = 99
	h.pool.HandleReorg(nil, nil)

	if h.pool.Has(locked.Hash()) {
		t.Error("entry with a regressed sequence lock survived revalidation")
	}
	if !h.pool.Has(plain.Hash()) {
		t.Error("unaffected entry evicted by revalidation")
	}
}

func TestPool_HandleReorgEvictsNonFinalLockTime(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	h.chain.height = 101
	op := h.fund(10_000, 50)

	// Locktime satisfied at the next block; the disable bit keeps the
	// input clear of relative locks without opting out of locktime.
	b := tx.NewBuilder().
		AddInputSequence(op, tx.SequenceLockDisable).
		AddOutput(9_000, h.script()).
		SetLockTime(101)
	if err := b.Sign(h.key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	payable := b.Build()
	h.add(payable)

	// A reorg onto a shorter branch pushes the locktime back into the
	// future.
	h.chain.height = 98
	h.pool.HandleReorg(nil, nil)

	if h.pool.Has(payable.Hash()) {
		t.Error("entry with an unsatisfied locktime survived revalidation")
	}
}

func TestPool_WeightCapacityEviction(t *testing.T) {
	h := newPoolHarness(t, nil, 0)
	cheap := h.spend(h.fund(10_000, 50), 9_900)
	rich := h.spend(h.fund(10_000, 50), 5_000)

	// Room for one transaction of this shape, not two.
	params := consensus.Params{CoinbaseMaturity: 20, BlockReward: 50_000}
	h.pool = New(h.chain, params, nil, 0, cheap.Weight()+rich.Weight()/2)

	h.add(cheap)
	h.add(rich)
	if h.pool.Has(cheap.Hash()) {
		t.Error("low-rate entry kept beyond the weight limit")
	}
	if !h.pool.Has(rich.Hash()) {
		t.Error("high-rate entry missing after weight eviction")
	}

	// The evicted transaction rates below the survivor, so it cannot
	// displace it.
	if _, err := h.pool.Add(cheap); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("Add over weight limit = %v, want %v", err, ErrPoolFull)
	}
}
