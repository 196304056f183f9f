package consensus

import (
	"fmt"
	"math"

	"github.com/ember-tech/ember-chain/internal/storage"
	"github.com/ember-tech/ember-chain/internal/utxo"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/crypto"
	"github.com/ember-tech/ember-chain/pkg/tx"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Rejection reason codes. These are stable wire-level identifiers: callers
// and tests match on them verbatim, so they must never change spelling.
const (
	CodeDuplicate        = "duplicate"
	CodeMissingInputs    = "bad-txns-inputs-missingorspent"
	CodeNonFinal         = "bad-txns-nonfinal"
	CodeScriptFailed     = "mandatory-script-verify-flag-failed"
	CodePrematureSpend   = "bad-txns-premature-spend-of-coinbase"
	CodeInBelowOut       = "bad-txns-in-belowout"
	CodeBadCoinbaseValue = "bad-cb-amount"
	CodeHighHash         = "high-hash"
)

// RuleError is a contextual consensus rejection. Code is a stable,
// machine-readable reason; Err carries human-readable detail.
type RuleError struct {
	Code string
	Err  error
}

// NewRuleError wraps err with a stable rejection code.
func NewRuleError(code string, err error) *RuleError {
	return &RuleError{Code: code, Err: err}
}

func (e *RuleError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// ErrorCode extracts the rejection code from err, if it is a RuleError.
func ErrorCode(err error) (string, bool) {
	for err != nil {
		if re, ok := err.(*RuleError); ok {
			return re.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}

// IsRejectCode reports whether err carries the given rejection code.
func IsRejectCode(err error, code string) bool {
	c, ok := ErrorCode(err)
	return ok && c == code
}

// CoinView is the read-only UTXO access the rules need.
type CoinView interface {
	Get(outpoint types.Outpoint) (*utxo.Coin, error)
}

// Params holds the consensus constants the rules depend on.
type Params struct {
	CoinbaseMaturity uint64
	BlockReward      uint64
	HalvingInterval  uint64
	MaxSupply        uint64
	InitialSupply    uint64 // Base units issued by the genesis allocations.
}

// ScriptFlags selects which script checks VerifyInputs performs.
type ScriptFlags uint32

const (
	// ScriptVerifySig checks the Schnorr signature over the tx hash.
	ScriptVerifySig ScriptFlags = 1 << iota
	// ScriptVerifyBinding checks that the public key hashes to the
	// address the coin's script commits to.
	ScriptVerifyBinding

	// StandardScriptFlags is the full check applied during connection.
	StandardScriptFlags = ScriptVerifySig | ScriptVerifyBinding
)

// CheckBlockSanity performs all context-free block checks: structure plus
// proof of work. Errors from the work check carry CodeHighHash.
func CheckBlockSanity(blk *block.Block, engine Engine) error {
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}
	if err := engine.VerifyHeader(blk.Header); err != nil {
		return err
	}
	return nil
}

// BlockSubsidy returns the coinbase subsidy at the given height: the
// halving-schedule reward, truncated so total issuance never exceeds
// MaxSupply. A MaxSupply of zero means unlimited.
func BlockSubsidy(height uint64, p Params) uint64 {
	subsidy := baseSubsidy(height, p)
	if p.MaxSupply == 0 || height == 0 {
		return subsidy
	}
	supply := p.InitialSupply + MintedSupply(height-1, p)
	if supply >= p.MaxSupply {
		return 0
	}
	if remaining := p.MaxSupply - supply; subsidy > remaining {
		subsidy = remaining
	}
	return subsidy
}

// baseSubsidy is the uncapped schedule: the reward halves every
// HalvingInterval blocks and reaches zero after 64 halvings.
func baseSubsidy(height uint64, p Params) uint64 {
	if p.HalvingInterval == 0 {
		return p.BlockReward
	}
	halvings := height / p.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return p.BlockReward >> halvings
}

// MintedSupply returns the total subsidy the schedule issues for blocks
// 1 through height, before the MaxSupply truncation.
func MintedSupply(height uint64, p Params) uint64 {
	if p.HalvingInterval == 0 {
		total := height * p.BlockReward
		if p.BlockReward != 0 && total/p.BlockReward != height {
			return math.MaxUint64
		}
		return total
	}
	var minted uint64
	for halvings := uint64(0); halvings < 64; halvings++ {
		reward := p.BlockReward >> halvings
		if reward == 0 {
			break
		}
		start := halvings * p.HalvingInterval
		if start == 0 {
			start = 1 // height 0 is the genesis block, it mints nothing
		}
		if start > height {
			break
		}
		end := (halvings+1)*p.HalvingInterval - 1
		if end > height {
			end = height
		}
		minted += (end - start + 1) * reward
	}
	return minted
}

// IsFinal reports whether the transaction's absolute locktime permits
// inclusion in a block at blockHeight with timestamp blockTime. Locktimes
// below tx.LockTimeThreshold are heights, at or above are unix seconds.
func IsFinal(t *tx.Transaction, blockHeight uint64, blockTime uint64) bool {
	if t.LockTime == 0 {
		return true
	}

	threshold := blockHeight
	if t.LockTime >= tx.LockTimeThreshold {
		threshold = blockTime
	}
	if t.LockTime < threshold {
		return true
	}

	// A locked transaction is still final if every input opted out by
	// setting the max sequence.
	for _, in := range t.Inputs {
		if in.Sequence != tx.SequenceFinal {
			return false
		}
	}
	return true
}

// SequenceLock describes the earliest block a transaction can land in
// given its per-input relative locks. A value of -1 means no constraint
// of that kind.
type SequenceLock struct {
	MinHeight int64
	MinTime   int64
}

// CalcSequenceLock computes the combined relative lock for t against the
// coins in view. coinHeight resolves a coin's confirmation height;
// unconfirmed coins must be reported at the height the spending block
// would have. timeAt returns the timestamp of the main-chain block at a
// height, for time-type locks.
func CalcSequenceLock(t *tx.Transaction, view CoinView, timeAt func(height uint64) (uint64, error)) (*SequenceLock, error) {
	lock := &SequenceLock{MinHeight: -1, MinTime: -1}
	if t.IsCoinbase() {
		return lock, nil
	}

	for _, in := range t.Inputs {
		if in.Sequence&tx.SequenceLockDisable != 0 {
			continue
		}

		coin, err := view.Get(in.PrevOut)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, NewRuleError(CodeMissingInputs,
					fmt.Errorf("input %s not available", in.PrevOut))
			}
			return nil, err
		}

		value := uint64(in.Sequence & tx.SequenceLockMask)
		if in.Sequence&tx.SequenceLockTime != 0 {
			baseTime, err := timeAt(coin.Height)
			if err != nil {
				return nil, err
			}
			minTime := int64(baseTime) + (int64(value) << tx.SequenceTimeGranularity) - 1
			if minTime > lock.MinTime {
				lock.MinTime = minTime
			}
		} else {
			minHeight := int64(coin.Height) + int64(value) - 1
			if minHeight > lock.MinHeight {
				lock.MinHeight = minHeight
			}
		}
	}
	return lock, nil
}

// SequenceLockActive reports whether the lock permits inclusion in a
// block at blockHeight with timestamp blockTime.
func SequenceLockActive(lock *SequenceLock, blockHeight uint64, blockTime uint64) bool {
	return lock.MinHeight < int64(blockHeight) && lock.MinTime < int64(blockTime)
}

// CheckTransactionInputs validates t's inputs against the view at
// spendHeight and returns the transaction fee. Rejections carry stable
// codes: missing or spent coins, immature coinbase spends, and outputs
// exceeding inputs.
func CheckTransactionInputs(t *tx.Transaction, spendHeight uint64, view CoinView, p Params) (uint64, error) {
	if t.IsCoinbase() {
		return 0, nil
	}

	var totalIn uint64
	for _, in := range t.Inputs {
		coin, err := view.Get(in.PrevOut)
		if err != nil {
			if storage.IsNotFound(err) {
				return 0, NewRuleError(CodeMissingInputs,
					fmt.Errorf("input %s missing or already spent", in.PrevOut))
			}
			return 0, err
		}

		if coin.Coinbase {
			confirmations := spendHeight - coin.Height
			if confirmations < p.CoinbaseMaturity {
				return 0, NewRuleError(CodePrematureSpend,
					fmt.Errorf("coinbase %s spent at height %d, %d of %d confirmations",
						in.PrevOut, spendHeight, confirmations, p.CoinbaseMaturity))
			}
		}

		if totalIn > math.MaxUint64-coin.Value {
			return 0, NewRuleError(CodeInBelowOut, fmt.Errorf("input value overflow"))
		}
		totalIn += coin.Value
	}

	totalOut, err := t.TotalOutputValue()
	if err != nil {
		return 0, NewRuleError(CodeInBelowOut, err)
	}
	if totalIn < totalOut {
		return 0, NewRuleError(CodeInBelowOut,
			fmt.Errorf("inputs %d below outputs %d", totalIn, totalOut))
	}
	return totalIn - totalOut, nil
}

// VerifyInputs runs the script checks for every input of t against the
// coins it spends. Failures carry CodeScriptFailed.
func VerifyInputs(t *tx.Transaction, view CoinView, flags ScriptFlags) error {
	if t.IsCoinbase() {
		return nil
	}

	hash := t.Hash()
	for i, in := range t.Inputs {
		coin, err := view.Get(in.PrevOut)
		if err != nil {
			if storage.IsNotFound(err) {
				return NewRuleError(CodeMissingInputs,
					fmt.Errorf("input %s missing or already spent", in.PrevOut))
			}
			return err
		}

		switch coin.Script.Type {
		case types.ScriptTypeP2PKH:
			if flags&ScriptVerifyBinding != 0 {
				if err := tx.VerifyP2PKH(in.PubKey, coin.Script.Data); err != nil {
					return NewRuleError(CodeScriptFailed,
						fmt.Errorf("input %d: %w", i, err))
				}
			}
			if flags&ScriptVerifySig != 0 {
				if !crypto.VerifySignature(hash[:], in.Signature, in.PubKey) {
					return NewRuleError(CodeScriptFailed,
						fmt.Errorf("input %d: signature verification failed", i))
				}
			}
		default:
			return NewRuleError(CodeScriptFailed,
				fmt.Errorf("input %d: unspendable or unsupported script type %s", i, coin.Script.Type))
		}
	}
	return nil
}

// CheckCoinbaseValue verifies that the coinbase claims no more than
// subsidy plus collected fees. Overclaims carry CodeBadCoinbaseValue.
func CheckCoinbaseValue(coinbase *tx.Transaction, subsidy, totalFees uint64) error {
	claimed, err := coinbase.TotalOutputValue()
	if err != nil {
		return NewRuleError(CodeBadCoinbaseValue, err)
	}
	allowed := subsidy + totalFees
	if claimed > allowed {
		return NewRuleError(CodeBadCoinbaseValue,
			fmt.Errorf("coinbase claims %d, allowed %d (subsidy %d + fees %d)",
				claimed, allowed, subsidy, totalFees))
	}
	return nil
}
