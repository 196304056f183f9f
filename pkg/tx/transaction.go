// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ember-tech/ember-chain/pkg/crypto"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Sequence field encoding. A per-input sequence number expresses a relative
// lock on the referenced coin: the spending transaction only becomes final
// once the coin has aged by the encoded number of blocks (or 512-second
// intervals when the time-type bit is set).
const (
	// SequenceFinal disables all relative and absolute lock semantics
	// for the input.
	SequenceFinal uint32 = 0xffffffff

	// SequenceLockDisable, when set, disables the relative lock for
	// the input entirely.
	SequenceLockDisable uint32 = 1 << 31

	// SequenceLockTime, when set, interprets the lock value as units of
	// 512 seconds instead of blocks.
	SequenceLockTime uint32 = 1 << 22

	// SequenceLockMask extracts the 16-bit lock value.
	SequenceLockMask uint32 = 0x0000ffff

	// SequenceTimeGranularity is the shift converting a time-type lock
	// value to seconds (2^9 = 512).
	SequenceTimeGranularity = 9
)

// LockTimeThreshold is the value below which a transaction locktime is
// interpreted as a block height rather than a unix timestamp.
const LockTimeThreshold uint64 = 500_000_000

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a coin being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Sequence  uint32         `json:"sequence"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Sequence  uint32         `json:"sequence"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut, Sequence: in.Sequence}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Sequence = j.Sequence
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new coin.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// IsCoinbase returns true if the transaction is a coinbase: a single input
// with the zero outpoint marker.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsZero()
}

// Hash computes the transaction ID (BLAKE3 hash of the serialized signing data).
// This excludes signatures to avoid circular dependency.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | input_count(4) | [prevout(36) + sequence(4)]... |
// output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data]... |
// locktime(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte

	// Version.
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	// Input count + prevouts + sequences (no signatures, except coinbase data).
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
		// Include coinbase data (height) in the hash so each coinbase tx
		// has a unique ID. Regular inputs skip this (signature is excluded
		// to avoid circular dependency during signing).
		if in.PrevOut.IsZero() && len(in.Signature) > 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		}
	}

	// Output count + outputs.
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	// Locktime.
	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// Weight returns the transaction weight used for fee-rate ordering and
// block weight limits: the length of the canonical signing encoding.
func (tx *Transaction) Weight() uint64 {
	return uint64(len(tx.SigningBytes()))
}

// SigOpCount returns the number of signature operations required to verify
// the transaction. One per signing (non-coinbase) input.
func (tx *Transaction) SigOpCount() int {
	n := 0
	for _, in := range tx.Inputs {
		if !in.PrevOut.IsZero() {
			n++
		}
	}
	return n
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}
