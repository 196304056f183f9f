package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/ember-tech/ember-chain/config"
	"github.com/ember-tech/ember-chain/pkg/crypto"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Validation errors.
var (
	ErrNoInputs           = errors.New("transaction has no inputs")
	ErrNoOutputs          = errors.New("transaction has no outputs")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrOutputOverflow     = errors.New("output values overflow")
	ErrZeroOutput         = errors.New("output value is zero")
	ErrMissingPubKey      = errors.New("input missing public key")
	ErrMissingSig         = errors.New("input missing signature")
	ErrInvalidSig         = errors.New("invalid signature")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrTooManyOutputs     = errors.New("too many outputs")
	ErrScriptDataTooLarge = errors.New("script data too large")
)

// Validate checks transaction structure and basic rules.
// This does NOT check coin existence (that requires the UTXO view).
func (tx *Transaction) Validate() error {
	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(tx.Inputs) > config.MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), config.MaxTxInputs)
	}
	if len(tx.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), config.MaxTxOutputs)
	}

	// Check for duplicate inputs.
	seen := make(map[types.Outpoint]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PrevOut] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = true
	}

	// Validate inputs have signatures and public keys.
	// Coinbase inputs (zero outpoint) are exempt: they create coins.
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue // Coinbase input.
		}
		if len(in.PubKey) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
		}
		if len(in.Signature) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingSig)
		}
	}

	// Validate outputs.
	var totalOutput uint64
	for i, out := range tx.Outputs {
		if out.Value == 0 && out.Script.IsSpendable() {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if len(out.Script.Data) > config.MaxScriptData {
			return fmt.Errorf("output %d: %w: %d bytes, max %d", i, ErrScriptDataTooLarge, len(out.Script.Data), config.MaxScriptData)
		}
		if totalOutput > math.MaxUint64-out.Value {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		totalOutput += out.Value
	}

	return nil
}

// VerifySignatures checks that all input signatures are valid for this transaction.
func (tx *Transaction) VerifySignatures() error {
	hash := tx.Hash()
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue // Coinbase input.
		}
		if !crypto.VerifySignature(hash[:], in.Signature, in.PubKey) {
			return fmt.Errorf("input %d: %w", i, ErrInvalidSig)
		}
	}
	return nil
}

// VerifyP2PKH checks that a public key hashes to the expected address in the
// script data.
func VerifyP2PKH(pubKey []byte, scriptData []byte) error {
	if len(scriptData) != types.AddressSize {
		return fmt.Errorf("script data length %d, want %d", len(scriptData), types.AddressSize)
	}
	if len(pubKey) == 0 {
		return ErrMissingPubKey
	}

	// Address = BLAKE3(compressed_pubkey)[:20].
	derived := crypto.AddressFromPubKey(pubKey)
	var expected types.Address
	copy(expected[:], scriptData)

	if expected != derived {
		return fmt.Errorf("pubkey does not match script: expected %s, got %s", expected, derived)
	}
	return nil
}
