package mempool

import (
	"fmt"

	"github.com/ember-tech/ember-chain/config"
	"github.com/ember-tech/ember-chain/pkg/tx"
)

// Policy holds the node-local acceptance rules layered on top of
// consensus validity. Transactions failing policy are merely unwelcome
// here; another node may still relay and mine them.
type Policy struct {
	// MinFeeRate is the relay floor in base units per weight unit.
	// Zero disables the floor.
	MinFeeRate uint64

	// MaxTxWeight caps a single transaction. A transaction near the
	// block weight limit would crowd out everything else.
	MaxTxWeight uint64

	// MaxTxSigOps caps signature operations per transaction so one
	// entry cannot consume the whole block sigop budget.
	MaxTxSigOps int
}

// DefaultPolicy returns the standard relay policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MinFeeRate:  0,
		MaxTxWeight: config.MaxTxWeight,
		MaxTxSigOps: config.MaxBlockSigOps / 5,
	}
}

// Check applies the policy limits to a structurally valid transaction.
func (p *Policy) Check(transaction *tx.Transaction) error {
	if w := transaction.Weight(); p.MaxTxWeight > 0 && w > p.MaxTxWeight {
		return fmt.Errorf("transaction weight %d exceeds policy limit %d", w, p.MaxTxWeight)
	}
	if n := transaction.SigOpCount(); p.MaxTxSigOps > 0 && n > p.MaxTxSigOps {
		return fmt.Errorf("transaction sigops %d exceeds policy limit %d", n, p.MaxTxSigOps)
	}
	return nil
}
