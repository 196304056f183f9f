package utxo

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ember-tech/ember-chain/pkg/crypto"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Commitment computes a merkle root over all coins in the store.
// Each coin is hashed deterministically, the hashes are sorted, and
// a merkle tree is built from them. Returns a zero hash for an empty set.
func Commitment(store *Store) (types.Hash, error) {
	var hashes []types.Hash

	err := store.ForEach(func(c *Coin) error {
		hashes = append(hashes, hashCoin(c))
		return nil
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("utxo commitment: %w", err)
	}

	if len(hashes) == 0 {
		return types.Hash{}, nil
	}

	// Sort for deterministic ordering (map iteration order varies).
	sort.Slice(hashes, func(i, j int) bool {
		return hashLess(hashes[i], hashes[j])
	})

	return merkleRoot(hashes), nil
}

// hashCoin produces a deterministic BLAKE3 hash of a coin.
// Format: txid(32) | index(4) | value(8) | height(8) | coinbase(1) | script_type(1) | script_data
func hashCoin(c *Coin) types.Hash {
	var buf []byte
	buf = append(buf, c.Outpoint.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, c.Outpoint.Index)
	buf = binary.LittleEndian.AppendUint64(buf, c.Value)
	buf = binary.LittleEndian.AppendUint64(buf, c.Height)
	if c.Coinbase {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(c.Script.Type))
	buf = append(buf, c.Script.Data...)
	return crypto.Hash(buf)
}

// merkleRoot builds a merkle tree over pre-computed hashes, duplicating
// the last node at odd levels.
func merkleRoot(level []types.Hash) types.Hash {
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

func hashLess(a, b types.Hash) bool {
	for i := 0; i < types.HashSize; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
