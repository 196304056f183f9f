// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ember-tech/ember-chain/internal/consensus"
	"github.com/ember-tech/ember-chain/internal/log"
	"github.com/ember-tech/ember-chain/internal/utxo"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Pool errors.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrPoolFull      = errors.New("mempool is full")
	ErrFeeTooLow     = errors.New("transaction fee below minimum")
	ErrUnknownTx     = errors.New("transaction not in mempool")
)

// ConflictError reports a double spend against the pool: the outpoints
// already claimed by resident transactions, with their spenders.
type ConflictError struct {
	Outpoints []types.Outpoint
	Spenders  []types.Hash
}

func (e *ConflictError) Error() string {
	ops := make([]string, len(e.Outpoints))
	for i, op := range e.Outpoints {
		ops[i] = op.String()
	}
	return fmt.Sprintf("conflicts with mempool spends of %s", strings.Join(ops, ", "))
}

// MissingOutpoints is the non-fatal admission outcome for a transaction
// whose inputs cannot be resolved yet: neither the chain, the pool, nor
// a pool-created output knows them. The transaction is not admitted.
type MissingOutpoints struct {
	Outpoints []types.Outpoint
}

// ChainView is what the pool needs from the chain: committed coins, the
// tip position, and block timestamps for time-type sequence locks.
type ChainView interface {
	GetCoin(outpoint types.Outpoint) (*utxo.Coin, error)
	Height() uint64
	TimestampAt(height uint64) (uint64, error)
}

// Entry is a pool-resident transaction with its derived metadata.
type Entry struct {
	Tx     *tx.Transaction
	Hash   types.Hash
	Fee    uint64
	Weight uint64

	// feeDelta and priorityDelta are externally applied adjustments.
	// They skew selection ordering only; Fee stays the real fee.
	feeDelta      int64
	priorityDelta float64

	// parents are the pool entries this transaction spends outputs of.
	parents map[types.Hash]struct{}

	added time.Time
}

// FeeRate returns the real fee per weight unit.
func (e *Entry) FeeRate() float64 {
	if e.Weight == 0 {
		return 0
	}
	return float64(e.Fee) / float64(e.Weight)
}

// EffectiveFeeRate folds the external adjustments into the rate used
// for ordering and eviction.
func (e *Entry) EffectiveFeeRate() float64 {
	if e.Weight == 0 {
		return 0
	}
	return (float64(e.Fee)+float64(e.feeDelta))/float64(e.Weight) + e.priorityDelta
}

// Parents returns the hashes of the in-pool transactions e depends on.
func (e *Entry) Parents() []types.Hash {
	out := make([]types.Hash, 0, len(e.parents))
	for h := range e.parents {
		out = append(out, h)
	}
	return out
}

// Pool holds unconfirmed transactions, validated against the active
// chain overlaid with the pool's own spends and outputs.
type Pool struct {
	mu sync.RWMutex

	chain     ChainView
	params    consensus.Params
	policy    *Policy
	maxTxs    int
	maxWeight uint64

	txs      map[types.Hash]*Entry
	spends   map[types.Outpoint]types.Hash          // outpoint -> spender
	children map[types.Hash]map[types.Hash]struct{} // parent -> dependents
	weight   uint64                                 // total resident weight
}

// Pool capacity defaults, applied when the caller passes zero.
const (
	DefaultMaxTxs    = 5000
	DefaultMaxWeight = 200_000_000
)

// New creates a pool validating against view with the given consensus
// parameters and policy. maxTxs and maxWeight bound the pool size in
// transactions and total weight; zero selects the defaults.
func New(view ChainView, params consensus.Params, policy *Policy, maxTxs int, maxWeight uint64) *Pool {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if maxTxs <= 0 {
		maxTxs = DefaultMaxTxs
	}
	if maxWeight == 0 {
		maxWeight = DefaultMaxWeight
	}
	return &Pool{
		chain:     view,
		params:    params,
		policy:    policy,
		maxTxs:    maxTxs,
		maxWeight: maxWeight,
		txs:       make(map[types.Hash]*Entry),
		spends:    make(map[types.Outpoint]types.Hash),
		children:  make(map[types.Hash]map[types.Hash]struct{}),
	}
}

// Add validates and admits a transaction. Inputs resolve against the
// chain's coin set first, then against unconfirmed pool outputs.
//
// Unresolvable inputs are not an error: Add returns a MissingOutpoints
// report and leaves the pool unchanged. Double spends against resident
// transactions return a ConflictError listing the contested outpoints.
func (p *Pool) Add(transaction *tx.Transaction) (*MissingOutpoints, error) {
	if transaction.IsCoinbase() {
		return nil, errors.New("coinbase cannot enter the mempool")
	}
	if err := transaction.Validate(); err != nil {
		return nil, err
	}
	if err := p.policy.Check(transaction); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()
	if _, ok := p.txs[txHash]; ok {
		return nil, ErrAlreadyExists
	}

	// Double spends against the pool are conflicts, reported with the
	// contested outpoints rather than replaced silently.
	var conflict ConflictError
	for _, in := range transaction.Inputs {
		if spender, ok := p.spends[in.PrevOut]; ok {
			conflict.Outpoints = append(conflict.Outpoints, in.PrevOut)
			conflict.Spenders = append(conflict.Spenders, spender)
		}
	}
	if len(conflict.Outpoints) > 0 {
		return nil, &conflict
	}

	view, parents := p.overlayView()
	var missing []types.Outpoint
	for _, in := range transaction.Inputs {
		if _, err := view.Get(in.PrevOut); err != nil {
			missing = append(missing, in.PrevOut)
		}
	}
	if len(missing) > 0 {
		return &MissingOutpoints{Outpoints: missing}, nil
	}

	fee, err := p.validateAgainstView(transaction, view)
	if err != nil {
		return nil, err
	}

	weight := transaction.Weight()
	if min := p.policy.MinFeeRate; min > 0 {
		if need := tx.RequiredFee(transaction, min); fee < need {
			return nil, fmt.Errorf("%w: got %d, need %d (%d weight at rate %d)",
				ErrFeeTooLow, fee, need, weight, min)
		}
	}

	e := &Entry{
		Tx:      transaction,
		Hash:    txHash,
		Fee:     fee,
		Weight:  weight,
		parents: make(map[types.Hash]struct{}),
		added:   time.Now(),
	}
	for _, in := range transaction.Inputs {
		if parent, ok := parents[in.PrevOut]; ok {
			e.parents[parent] = struct{}{}
		}
	}

	// Evict from the bottom until the newcomer fits, unless it rates
	// worst itself.
	for len(p.txs) >= p.maxTxs || p.weight+weight > p.maxWeight {
		victim, rate := p.lowestEffectiveRate()
		if e.EffectiveFeeRate() <= rate {
			return nil, ErrPoolFull
		}
		p.removeLocked(victim, true)
	}

	p.txs[txHash] = e
	p.weight += weight
	for _, in := range transaction.Inputs {
		p.spends[in.PrevOut] = txHash
	}
	for parent := range e.parents {
		deps := p.children[parent]
		if deps == nil {
			deps = make(map[types.Hash]struct{})
			p.children[parent] = deps
		}
		deps[txHash] = struct{}{}
	}

	log.Mempool.Debug().
		Stringer("tx", txHash).
		Uint64("fee", fee).
		Uint64("weight", weight).
		Int("pool_size", len(p.txs)).
		Msg("transaction admitted")
	return nil, nil
}

// overlayView builds the resolution view for admission: committed chain
// coins shadowed by pool spends, extended with unconfirmed pool outputs
// at the next block height. It also returns the outpoint -> pool parent
// mapping for dependency tracking. Caller holds the lock.
func (p *Pool) overlayView() (*utxo.View, map[types.Outpoint]types.Hash) {
	view := utxo.NewView(chainBacking{p.chain})
	nextHeight := p.chain.Height() + 1
	parents := make(map[types.Outpoint]types.Hash)
	for h, e := range p.txs {
		view.AddTx(e.Tx, nextHeight)
		txid := e.Tx.Hash()
		for i, out := range e.Tx.Outputs {
			if !out.Script.IsSpendable() {
				continue
			}
			parents[types.Outpoint{TxID: txid, Index: uint32(i)}] = h
		}
	}
	for op := range p.spends {
		if _, err := view.Spend(op); err != nil {
			continue
		}
	}
	return view, parents
}

// chainBacking adapts the chain's coin lookup to the view interface.
type chainBacking struct {
	chain ChainView
}

func (b chainBacking) Get(outpoint types.Outpoint) (*utxo.Coin, error) {
	return b.chain.GetCoin(outpoint)
}

// validateAgainstView runs the contextual consensus checks for the next
// block position and returns the fee. Caller holds the lock.
func (p *Pool) validateAgainstView(transaction *tx.Transaction, view *utxo.View) (uint64, error) {
	nextHeight := p.chain.Height() + 1
	now := uint64(time.Now().Unix())

	if !consensus.IsFinal(transaction, nextHeight, now) {
		return 0, consensus.NewRuleError(consensus.CodeNonFinal,
			fmt.Errorf("tx %s locktime not satisfied", transaction.Hash()))
	}
	fee, err := consensus.CheckTransactionInputs(transaction, nextHeight, view, p.params)
	if err != nil {
		return 0, err
	}
	if err := consensus.VerifyInputs(transaction, view, consensus.StandardScriptFlags); err != nil {
		return 0, err
	}

	timeAt := func(h uint64) (uint64, error) {
		if h >= nextHeight {
			return now, nil
		}
		return p.chain.TimestampAt(h)
	}
	seqLock, err := consensus.CalcSequenceLock(transaction, view, timeAt)
	if err != nil {
		return 0, err
	}
	if !consensus.SequenceLockActive(seqLock, nextHeight, now) {
		return 0, consensus.NewRuleError(consensus.CodeNonFinal,
			fmt.Errorf("tx %s sequence lock not satisfied", transaction.Hash()))
	}
	return fee, nil
}

// Prioritise skews the selection priority of a resident transaction.
// feeDelta adjusts the fee the rate is computed from, priorityDelta is
// added to the resulting rate directly. Both change only the effective
// fee rate used for ordering and eviction; the recorded fee is
// untouched.
func (p *Pool) Prioritise(txHash types.Hash, feeDelta int64, priorityDelta float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.txs[txHash]
	if !ok {
		return fmt.Errorf("%s: %w", txHash, ErrUnknownTx)
	}
	e.feeDelta += feeDelta
	e.priorityDelta += priorityDelta
	return nil
}

// Remove evicts a transaction and everything that depends on it.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash, true)
}

// removeLocked removes one entry. With cascade, dependents go too:
// their inputs died with the parent. Without, dependents stay, used when
// a parent was confirmed and its outputs now exist on chain.
func (p *Pool) removeLocked(txHash types.Hash, cascade bool) {
	e, ok := p.txs[txHash]
	if !ok {
		return
	}
	if cascade {
		for child := range p.children[txHash] {
			p.removeLocked(child, true)
		}
	}
	for _, in := range e.Tx.Inputs {
		if p.spends[in.PrevOut] == txHash {
			delete(p.spends, in.PrevOut)
		}
	}
	for parent := range e.parents {
		delete(p.children[parent], txHash)
	}
	delete(p.children, txHash)
	delete(p.txs, txHash)
	p.weight -= e.Weight
}

// lowestEffectiveRate finds the eviction candidate. Caller holds the lock.
func (p *Pool) lowestEffectiveRate() (types.Hash, float64) {
	var victim types.Hash
	lowest := math.MaxFloat64
	for h, e := range p.txs {
		if rate := e.EffectiveFeeRate(); rate < lowest {
			lowest = rate
			victim = h
		}
	}
	return victim, lowest
}

// Has reports whether the pool holds txHash.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[txHash]
	return ok
}

// Get returns the pool entry for txHash, or nil.
func (p *Pool) Get(txHash types.Hash) *Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.txs[txHash]
}

// Count returns the number of resident transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all resident transactions.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		out = append(out, h)
	}
	return out
}

// Entries returns a snapshot of all entries ordered by effective fee
// rate descending. Ties break on arrival time so selection is stable.
func (p *Pool) Entries() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortedLocked()
}

// HandleConnect reacts to a block extending the active chain: confirmed
// transactions leave the pool and the remainder is revalidated against
// the new tip.
func (p *Pool) HandleConnect(blk *block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range blk.Transactions {
		p.removeLocked(t.Hash(), false)
	}
	p.revalidateLocked()
}

// HandleReorg reacts to a chain reorganization: transactions from the
// disconnected blocks return to the pool unless the new branch confirmed
// them, then every entry is revalidated against the new tip.
func (p *Pool) HandleReorg(disconnected, connected []*block.Block) {
	confirmed := make(map[types.Hash]struct{})
	for _, blk := range connected {
		for _, t := range blk.Transactions {
			confirmed[t.Hash()] = struct{}{}
		}
	}

	// Re-admit through the normal path so conflicts with the new branch
	// fall out naturally. Disconnected blocks are walked oldest first so
	// parents precede children.
	for i := len(disconnected) - 1; i >= 0; i-- {
		for _, t := range disconnected[i].Transactions {
			if t.IsCoinbase() {
				continue
			}
			if _, ok := confirmed[t.Hash()]; ok {
				continue
			}
			if _, err := p.Add(t); err != nil && !errors.Is(err, ErrAlreadyExists) {
				log.Mempool.Debug().
					Stringer("tx", t.Hash()).
					Err(err).
					Msg("reverted transaction not re-admitted")
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for h := range confirmed {
		p.removeLocked(h, false)
	}
	p.revalidateLocked()
}

// sortedLocked snapshots the entries ordered by effective fee rate
// descending, oldest first on ties. Caller holds the lock.
func (p *Pool) sortedLocked() []*Entry {
	out := make([]*Entry, 0, len(p.txs))
	for _, e := range p.txs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].EffectiveFeeRate(), out[j].EffectiveFeeRate()
		if ri != rj {
			return ri > rj
		}
		return out[i].added.Before(out[j].added)
	})
	return out
}

// revalidateLocked drops every entry the current chain view no longer
// supports: spent or vanished inputs, coinbase maturity regressed by a
// reorg. Removal cascades, and passes repeat until the pool is stable.
func (p *Pool) revalidateLocked() {
	for {
		var drop []types.Hash
		for h, e := range p.txs {
			if !p.entryStillValid(e) {
				drop = append(drop, h)
			}
		}
		if len(drop) == 0 {
			return
		}
		for _, h := range drop {
			log.Mempool.Debug().Stringer("tx", h).Msg("evicting invalidated transaction")
			p.removeLocked(h, true)
		}
	}
}

// entryStillValid re-checks e against the chain plus the other pool
// entries: input existence, coinbase maturity, and the locktime and
// sequence-lock finality, which a reorg can regress when a funding
// transaction re-confirms at a later height. Caller holds the lock.
func (p *Pool) entryStillValid(e *Entry) bool {
	nextHeight := p.chain.Height() + 1
	now := uint64(time.Now().Unix())

	if !consensus.IsFinal(e.Tx, nextHeight, now) {
		return false
	}
	for _, in := range e.Tx.Inputs {
		coin, err := p.resolveInput(in.PrevOut, e.Hash)
		if err != nil {
			return false
		}
		if coin.Coinbase && nextHeight-coin.Height < p.params.CoinbaseMaturity {
			return false
		}
	}

	timeAt := func(h uint64) (uint64, error) {
		if h >= nextHeight {
			return now, nil
		}
		return p.chain.TimestampAt(h)
	}
	seqLock, err := consensus.CalcSequenceLock(e.Tx, entryView{pool: p, spender: e.Hash}, timeAt)
	if err != nil {
		return false
	}
	return consensus.SequenceLockActive(seqLock, nextHeight, now)
}

// entryView resolves coins for one resident entry during revalidation,
// skipping the entry's own spend records.
type entryView struct {
	pool    *Pool
	spender types.Hash
}

func (v entryView) Get(op types.Outpoint) (*utxo.Coin, error) {
	return v.pool.resolveInput(op, v.spender)
}

// resolveInput finds the coin for op as visible to spender: the chain's
// committed set, or an output of another resident transaction.
func (p *Pool) resolveInput(op types.Outpoint, spender types.Hash) (*utxo.Coin, error) {
	if owner, ok := p.spends[op]; ok && owner != spender {
		return nil, fmt.Errorf("outpoint %s spent by %s", op, owner)
	}
	if coin, err := p.chain.GetCoin(op); err == nil {
		return coin, nil
	}
	if parent, ok := p.txs[op.TxID]; ok {
		if int(op.Index) < len(parent.Tx.Outputs) {
			out := parent.Tx.Outputs[op.Index]
			if out.Script.IsSpendable() {
				return &utxo.Coin{
					Outpoint: op,
					Value:    out.Value,
					Script:   out.Script,
					Height:   p.chain.Height() + 1,
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("outpoint %s not found", op)
}
