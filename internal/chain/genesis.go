package chain

import (
	"fmt"
	"sort"

	"github.com/ember-tech/ember-chain/config"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// CreateGenesisBlock builds the deterministic genesis block for a
// configuration. Allocations are emitted in sorted address order so every
// node derives the same block hash.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if err := gen.Validate(); err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(gen.Alloc))
	for a := range gen.Alloc {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	builder := tx.NewBuilder().AddInput(types.Outpoint{})
	extra := gen.ExtraData
	if extra == "" {
		extra = gen.ChainID
	}
	builder.AddOutput(0, types.Script{Type: types.ScriptTypeData, Data: []byte(extra)})
	for _, a := range addrs {
		addr, err := types.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("alloc address %q: %w", a, err)
		}
		builder.AddOutput(gen.Alloc[a], types.Script{
			Type: types.ScriptTypeP2PKH,
			Data: addr.Bytes(),
		})
	}
	coinbase := builder.Build()

	header := &block.Header{
		Version:    config.BlockVersion,
		PrevHash:   types.Hash{},
		Timestamp:  gen.Timestamp,
		Height:     0,
		Difficulty: gen.Protocol.Consensus.InitialDifficulty,
		Nonce:      0,
	}
	blk := block.NewBlock(header, []*tx.Transaction{coinbase})
	header.MerkleRoot = block.ComputeMerkleRoot(blk.Transactions)
	return blk, nil
}
