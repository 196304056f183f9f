package chain

import (
	"context"

	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/tx"
)

// TxFilter selects transactions during a scan. A nil filter matches all.
type TxFilter func(*tx.Transaction) bool

// Scan walks the active chain ascending from startHeight and calls fn
// for every block that contains at least one matching transaction,
// passing the block and its matches. The context is checked between
// blocks; fn returning an error stops the scan.
//
// Scan holds the chain read lock for its duration, so blocks cannot
// connect or reorganize mid-walk.
func (c *Chain) Scan(ctx context.Context, startHeight uint64, filter TxFilter, fn func(*block.Block, []*tx.Transaction) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for h := startHeight; h <= c.state.Height; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, ok := c.index.MainHash(h)
		if !ok {
			continue
		}
		blk, err := c.store.GetBlock(hash)
		if err != nil {
			return err
		}

		var matches []*tx.Transaction
		if filter == nil {
			matches = blk.Transactions
		} else {
			for _, t := range blk.Transactions {
				if filter(t) {
					matches = append(matches, t)
				}
			}
		}
		if len(matches) == 0 {
			continue
		}
		if err := fn(blk, matches); err != nil {
			return err
		}
	}
	return nil
}
