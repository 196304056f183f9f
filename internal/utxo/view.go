package utxo

import (
	"fmt"

	"github.com/ember-tech/ember-chain/internal/storage"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Backing is the read side a View layers over. Both *Store and *View
// satisfy it, so views can stack for speculative validation.
type Backing interface {
	Get(outpoint types.Outpoint) (*Coin, error)
}

// UndoRecord captures everything needed to reverse one block's effect on
// the UTXO set: the coins it consumed (in spend order) and the outpoints
// it created.
type UndoRecord struct {
	Spent   []Coin           `json:"spent"`
	Created []types.Outpoint `json:"created"`
}

// View is a mutable overlay on top of a Backing. Spends and additions
// accumulate in memory and only reach the backing set on Commit, so a
// failed validation run is discarded by dropping the view.
type View struct {
	back Backing

	// entries holds this view's pending changes. A nil value marks an
	// outpoint spent in the view.
	entries map[types.Outpoint]*Coin
}

// NewView creates an empty overlay over back.
func NewView(back Backing) *View {
	return &View{
		back:    back,
		entries: make(map[types.Outpoint]*Coin),
	}
}

// Get returns the coin for outpoint as seen through the view.
// Returns storage.ErrNotFound if the coin is absent or spent in the view.
func (v *View) Get(outpoint types.Outpoint) (*Coin, error) {
	if c, ok := v.entries[outpoint]; ok {
		if c == nil {
			return nil, fmt.Errorf("%s: %w", outpoint, storage.ErrNotFound)
		}
		return c.Clone(), nil
	}
	return v.back.Get(outpoint)
}

// Has reports whether the outpoint is unspent as seen through the view.
func (v *View) Has(outpoint types.Outpoint) (bool, error) {
	_, err := v.Get(outpoint)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Spend removes the coin for outpoint from the view and returns it.
// Returns storage.ErrNotFound if the coin is absent or already spent.
func (v *View) Spend(outpoint types.Outpoint) (*Coin, error) {
	c, err := v.Get(outpoint)
	if err != nil {
		return nil, err
	}
	v.entries[outpoint] = nil
	return c, nil
}

// AddCoin inserts a coin into the view, overwriting any pending spend of
// the same outpoint.
func (v *View) AddCoin(c *Coin) {
	v.entries[c.Outpoint] = c.Clone()
}

// AddTx creates coins for every spendable output of t at the given height.
// Unspendable outputs (burns, data carriers) never enter the set.
// Returns the outpoints created.
func (v *View) AddTx(t *tx.Transaction, height uint64) []types.Outpoint {
	txid := t.Hash()
	coinbase := t.IsCoinbase()
	var created []types.Outpoint
	for i, out := range t.Outputs {
		if !out.Script.IsSpendable() {
			continue
		}
		op := types.Outpoint{TxID: txid, Index: uint32(i)}
		v.AddCoin(&Coin{
			Outpoint: op,
			Value:    out.Value,
			Script:   out.Script,
			Height:   height,
			Coinbase: coinbase,
		})
		created = append(created, op)
	}
	return created
}

// SpendTx spends all inputs of t and adds its outputs, appending to undo.
// Transactions must be applied in block order so in-block dependencies
// resolve.
func (v *View) SpendTx(t *tx.Transaction, height uint64, undo *UndoRecord) error {
	if !t.IsCoinbase() {
		for _, in := range t.Inputs {
			c, err := v.Spend(in.PrevOut)
			if err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
			undo.Spent = append(undo.Spent, *c)
		}
	}
	undo.Created = append(undo.Created, v.AddTx(t, height)...)
	return nil
}

// UndoBlock reverses a block's effect: created coins are removed and
// spent coins restored. The record must come from the block most recently
// applied on top of this view's backing state.
func (v *View) UndoBlock(undo *UndoRecord) {
	for _, op := range undo.Created {
		v.entries[op] = nil
	}
	for i := range undo.Spent {
		c := undo.Spent[i]
		v.entries[c.Outpoint] = &c
	}
}

// Commit flushes the view's pending changes into the destination set and
// resets the view. When dst supports batches the flush is atomic.
func (v *View) Commit(dst *Store) error {
	if batcher, ok := dst.db.(storage.Batcher); ok {
		batch := batcher.NewBatch()
		if err := v.CommitTo(dst, batch.Put, batch.Delete); err != nil {
			return err
		}
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("utxo commit: %w", err)
		}
	} else if err := v.CommitTo(dst, dst.db.Put, dst.db.Delete); err != nil {
		return err
	}
	v.entries = make(map[types.Outpoint]*Coin)
	return nil
}

// CommitTo writes the view's pending changes through put and del, so a
// caller can fold the coin flush into a larger atomic batch together
// with its own writes. The view is not reset; discard it once the
// enclosing batch commits.
func (v *View) CommitTo(dst *Store, put func(key, value []byte) error, del func(key []byte) error) error {
	for op, c := range v.entries {
		if c == nil {
			if err := flushDelete(dst, del, op); err != nil {
				return err
			}
			continue
		}
		if err := flushPut(put, c); err != nil {
			return err
		}
	}
	return nil
}

// flushPut mirrors Store.Put through a raw write function.
func flushPut(put func(key, value []byte) error, c *Coin) error {
	data, err := marshalCoin(c)
	if err != nil {
		return err
	}
	if err := put(utxoKey(c.Outpoint), data); err != nil {
		return err
	}
	if addr, ok := scriptAddress(c.Script); ok {
		return put(addrKey(addr, c.Outpoint), []byte{})
	}
	return nil
}

// flushDelete mirrors Store.Delete through a raw delete function. The
// coin is read outside the enclosing batch to locate its index entry.
func flushDelete(dst *Store, del func(key []byte) error, op types.Outpoint) error {
	if c, err := dst.Get(op); err == nil {
		if addr, ok := scriptAddress(c.Script); ok {
			if err := del(addrKey(addr, op)); err != nil {
				return err
			}
		}
	}
	return del(utxoKey(op))
}
