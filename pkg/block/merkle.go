package block

import (
	"github.com/ember-tech/ember-chain/pkg/crypto"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// ComputeMerkleRoot computes the merkle root of a transaction list.
// Odd levels duplicate the last node.
func ComputeMerkleRoot(txs []*tx.Transaction) types.Hash {
	if len(txs) == 0 {
		return types.Hash{}
	}
	level := make([]types.Hash, len(txs))
	for i, t := range txs {
		level[i] = t.Hash()
	}
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}
