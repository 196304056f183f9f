package types

import (
	"encoding/hex"
	"encoding/json"
)

// ScriptType identifies the type of locking script.
type ScriptType uint8

const (
	ScriptTypeP2PKH ScriptType = 0x01 // Pay to public key hash (data = 20-byte address)
	ScriptTypeP2SH  ScriptType = 0x02 // Pay to script hash (data = 20-byte script hash)
	ScriptTypeBurn  ScriptType = 0x10 // Provably unspendable
	ScriptTypeData  ScriptType = 0x11 // Arbitrary data carrier, unspendable
)

// String returns a human-readable name for the script type.
func (st ScriptType) String() string {
	switch st {
	case ScriptTypeP2PKH:
		return "P2PKH"
	case ScriptTypeP2SH:
		return "P2SH"
	case ScriptTypeBurn:
		return "Burn"
	case ScriptTypeData:
		return "Data"
	default:
		return "Unknown"
	}
}

// Script defines the locking condition for a coin.
type Script struct {
	Type ScriptType `json:"type"`
	Data []byte     `json:"data"`
}

// IsSpendable reports whether outputs locked by this script may ever be spent.
func (s Script) IsSpendable() bool {
	return s.Type != ScriptTypeBurn && s.Type != ScriptTypeData
}

// scriptJSON is the JSON representation of a Script with hex-encoded data.
type scriptJSON struct {
	Type ScriptType `json:"type"`
	Data string     `json:"data"`
}

// MarshalJSON encodes the script with hex-encoded data.
func (s Script) MarshalJSON() ([]byte, error) {
	return json.Marshal(scriptJSON{
		Type: s.Type,
		Data: hex.EncodeToString(s.Data),
	})
}

// UnmarshalJSON decodes a script with hex-encoded data.
func (s *Script) UnmarshalJSON(data []byte) error {
	var j scriptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	s.Type = j.Type
	if j.Data != "" {
		b, err := hex.DecodeString(j.Data)
		if err != nil {
			return err
		}
		s.Data = b
	}
	return nil
}
