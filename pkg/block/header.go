package block

import (
	"encoding/binary"
	"encoding/json"

	"github.com/ember-tech/ember-chain/pkg/crypto"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Difficulty uint64     `json:"difficulty"` // Proof-of-work difficulty; work contributed = Difficulty.
	Nonce      uint64     `json:"nonce"`
}

// Hash computes the block header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | height(8) | difficulty(8) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 100)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() *Header {
	c := *h
	return &c
}

// MarshalJSON encodes the header.
func (h *Header) MarshalJSON() ([]byte, error) {
	type alias Header
	return json.Marshal((*alias)(h))
}

// UnmarshalJSON decodes a header.
func (h *Header) UnmarshalJSON(data []byte) error {
	type alias Header
	return json.Unmarshal(data, (*alias)(h))
}
