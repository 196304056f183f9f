// Package utxo manages the UTXO set.
package utxo

import "github.com/ember-tech/ember-chain/pkg/types"

// Coin represents an unspent transaction output together with the
// metadata needed to validate a spend of it.
type Coin struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

// Clone returns a deep copy of the coin.
func (c *Coin) Clone() *Coin {
	out := *c
	out.Script.Data = append([]byte(nil), c.Script.Data...)
	return &out
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*Coin, error)
	Put(coin *Coin) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
