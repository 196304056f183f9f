// Package miner assembles block templates and runs the proof-of-work
// search over them.
package miner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ember-tech/ember-chain/config"
	"github.com/ember-tech/ember-chain/internal/chain"
	"github.com/ember-tech/ember-chain/internal/consensus"
	"github.com/ember-tech/ember-chain/internal/log"
	"github.com/ember-tech/ember-chain/internal/mempool"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// ChainBackend is the chain access the assembler needs: tip position,
// retarget rules, the sealing engine, and proposal validation.
type ChainBackend interface {
	BestState() chain.State
	NextDifficulty() uint64
	Params() consensus.Params
	Engine() consensus.Engine
	VerifyProposal(blk *block.Block) error
}

// TxSource supplies candidate transactions ordered by effective fee
// rate descending.
type TxSource interface {
	Entries() []*mempool.Entry
}

// Template is a fully assembled block candidate awaiting a seal.
type Template struct {
	Header   *block.Header
	Coinbase *tx.Transaction
	Txs      []*tx.Transaction

	// Fees holds the fee of Txs[i]; TotalFees is their sum, already
	// claimed by the coinbase on top of the subsidy.
	Fees      []uint64
	TotalFees uint64

	Weight uint64
	SigOps int
	Height uint64
}

// Block materializes the candidate with the coinbase in front.
func (t *Template) Block() *block.Block {
	all := make([]*tx.Transaction, 0, 1+len(t.Txs))
	all = append(all, t.Coinbase)
	all = append(all, t.Txs...)
	return block.NewBlock(t.Header, all)
}

// Assembler builds block templates from the active tip and the mempool.
type Assembler struct {
	chain    ChainBackend
	pool     TxSource
	coinbase types.Address

	maxWeight uint64
	maxSigOps int
	maxTxs    int

	mu  sync.Mutex
	cur *Template
}

// New creates an assembler paying block rewards to coinbaseAddr.
func New(c ChainBackend, pool TxSource, coinbaseAddr types.Address) *Assembler {
	return &Assembler{
		chain:     c,
		pool:      pool,
		coinbase:  coinbaseAddr,
		maxWeight: config.MaxBlockWeight,
		maxSigOps: config.MaxBlockSigOps,
		maxTxs:    config.MaxBlockTxs,
	}
}

// Build assembles a fresh template on the current tip. Transactions are
// taken greedily by effective fee rate; an entry spending an unconfirmed
// output is deferred until its parent is packed, and dropped if the
// parent never fits.
func (a *Assembler) Build() (*Template, error) {
	st := a.chain.BestState()
	height := st.Height + 1

	coinbaseDraft := a.buildCoinbase(height, 0)
	weight := coinbaseDraft.Weight()
	if weight > a.maxWeight {
		return nil, fmt.Errorf("coinbase weight %d exceeds block limit %d", weight, a.maxWeight)
	}
	sigOps := coinbaseDraft.SigOpCount()
	count := 1

	var (
		selected  []*tx.Transaction
		fees      []uint64
		totalFees uint64
	)
	packed := make(map[types.Hash]bool)
	pending := a.pool.Entries()
	for {
		admitted := false
		var deferred []*mempool.Entry
		for _, e := range pending {
			if count >= a.maxTxs {
				break
			}
			if !parentsPacked(e, packed) {
				deferred = append(deferred, e)
				continue
			}
			ops := e.Tx.SigOpCount()
			if weight+e.Weight > a.maxWeight || sigOps+ops > a.maxSigOps {
				continue
			}
			selected = append(selected, e.Tx)
			fees = append(fees, e.Fee)
			totalFees += e.Fee
			weight += e.Weight
			sigOps += ops
			count++
			packed[e.Hash] = true
			admitted = true
		}
		pending = deferred
		if !admitted || len(pending) == 0 || count >= a.maxTxs {
			break
		}
	}

	subsidy := consensus.BlockSubsidy(height, a.chain.Params())
	coinbase := a.buildCoinbase(height, subsidy+totalFees)

	ts := uint64(time.Now().Unix())
	if ts <= st.TipTimestamp {
		ts = st.TipTimestamp + 1
	}
	header := &block.Header{
		Version:    config.BlockVersion,
		PrevHash:   st.TipHash,
		Timestamp:  ts,
		Height:     height,
		Difficulty: a.chain.NextDifficulty(),
	}
	all := make([]*tx.Transaction, 0, 1+len(selected))
	all = append(all, coinbase)
	all = append(all, selected...)
	header.MerkleRoot = block.ComputeMerkleRoot(all)

	tpl := &Template{
		Header:    header,
		Coinbase:  coinbase,
		Txs:       selected,
		Fees:      fees,
		TotalFees: totalFees,
		Weight:    weight,
		SigOps:    sigOps,
		Height:    height,
	}
	log.Miner.Debug().
		Uint64("height", height).
		Int("txs", len(selected)).
		Uint64("fees", totalFees).
		Uint64("weight", weight).
		Msg("template assembled")
	return tpl, nil
}

// buildCoinbase claims value at height. The lock time carries the height
// so every coinbase hash is unique.
func (a *Assembler) buildCoinbase(height, value uint64) *tx.Transaction {
	return tx.NewBuilder().
		AddInput(types.Outpoint{}).
		AddOutput(value, types.Script{Type: types.ScriptTypeP2PKH, Data: a.coinbase.Bytes()}).
		SetLockTime(height).
		Build()
}

func parentsPacked(e *mempool.Entry, packed map[types.Hash]bool) bool {
	for _, p := range e.Parents() {
		if !packed[p] {
			return false
		}
	}
	return true
}

// Template returns the cached candidate, building one if none exists.
func (a *Assembler) Template() (*Template, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil {
		return a.cur, nil
	}
	tpl, err := a.Build()
	if err != nil {
		return nil, err
	}
	a.cur = tpl
	return tpl, nil
}

// Refresh discards the cached template and assembles a new one on the
// current tip. Call it after a block connects or the pool changes.
func (a *Assembler) Refresh() (*Template, error) {
	tpl, err := a.Build()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.cur = tpl
	a.mu.Unlock()
	return tpl, nil
}

// Mine assembles a template and runs the proof-of-work search until a
// seal is found or ctx is cancelled.
func (a *Assembler) Mine(ctx context.Context) (*block.Block, error) {
	tpl, err := a.Refresh()
	if err != nil {
		return nil, err
	}
	blk := tpl.Block()
	if err := a.chain.Engine().SealWithCancel(ctx, blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}
	return blk, nil
}

// Result is the outcome of an asynchronous mining round.
type Result struct {
	Block *block.Block
	Err   error
}

// MineAsync runs Mine in a goroutine and delivers the outcome on the
// returned channel. Cancelling ctx stops the search.
func (a *Assembler) MineAsync(ctx context.Context) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		blk, err := a.Mine(ctx)
		ch <- Result{Block: blk, Err: err}
	}()
	return ch
}

// VerifyProposal checks an externally produced candidate against the
// current tip without applying it.
func (a *Assembler) VerifyProposal(blk *block.Block) error {
	return a.chain.VerifyProposal(blk)
}
