// Package block defines block types and structural validation.
package block

import (
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Block represents a block in the chain.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the block's header hash, or the zero hash when the block
// has no header.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// Weight returns the total block weight: header signing bytes plus the
// weight of every transaction.
func (b *Block) Weight() uint64 {
	if b.Header == nil {
		return 0
	}
	w := uint64(len(b.Header.SigningBytes()))
	for _, t := range b.Transactions {
		w += t.Weight()
	}
	return w
}

// SigOpCount returns the total number of signature operations in the block.
func (b *Block) SigOpCount() int {
	n := 0
	for _, t := range b.Transactions {
		n += t.SigOpCount()
	}
	return n
}
