// Package consensus implements proof-of-work verification and the
// transaction-level consensus rules.
package consensus

import (
	"context"

	"github.com/ember-tech/ember-chain/pkg/block"
)

// Engine is the interface for consensus implementations.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Prepare(header *block.Header) error
	Seal(blk *block.Block) error
	SealWithCancel(ctx context.Context, blk *block.Block) error
}
