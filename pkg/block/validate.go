package block

import (
	"errors"
	"fmt"

	"github.com/ember-tech/ember-chain/config"
	"github.com/ember-tech/ember-chain/pkg/types"
)

var (
	ErrNilHeader        = errors.New("block has no header")
	ErrNoTransactions   = errors.New("block has no transactions")
	ErrTooManyTxs       = errors.New("block exceeds transaction limit")
	ErrBlockTooHeavy    = errors.New("block exceeds weight limit")
	ErrZeroTimestamp    = errors.New("block timestamp is zero")
	ErrBadVersion       = errors.New("unsupported block version")
	ErrFirstNotCoinbase = errors.New("first transaction is not a coinbase")
	ErrExtraCoinbase    = errors.New("block has more than one coinbase")
	ErrBadMerkleRoot    = errors.New("merkle root mismatch")
	ErrDuplicateSpend   = errors.New("duplicate outpoint spent in block")
)

// Validate performs structural checks that need no chain context.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	if b.Header.Version == 0 || b.Header.Version > config.BlockVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, b.Header.Version)
	}
	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}
	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}
	if w := b.Weight(); w > config.MaxBlockWeight {
		return fmt.Errorf("%w: %d > %d", ErrBlockTooHeavy, w, config.MaxBlockWeight)
	}
	if !b.Transactions[0].IsCoinbase() {
		return ErrFirstNotCoinbase
	}
	for i, t := range b.Transactions[1:] {
		if t.IsCoinbase() {
			return fmt.Errorf("%w: index %d", ErrExtraCoinbase, i+1)
		}
	}
	if root := ComputeMerkleRoot(b.Transactions); root != b.Header.MerkleRoot {
		return ErrBadMerkleRoot
	}

	// Transactions may spend outputs created earlier in the same block, so
	// ordering is topological. That is enforced during connection when each
	// spend resolves against the view built so far.
	seen := make(map[types.Outpoint]struct{})
	for _, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %s: %w", t.Hash(), err)
		}
		if t.IsCoinbase() {
			continue
		}
		for _, in := range t.Inputs {
			if _, ok := seen[in.PrevOut]; ok {
				return fmt.Errorf("%w: %s", ErrDuplicateSpend, in.PrevOut)
			}
			seen[in.PrevOut] = struct{}{}
		}
	}
	return nil
}
