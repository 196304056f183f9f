package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// AddressSize is the length of an address in bytes.
const AddressSize = 20

// Address HRP (human-readable part) constants for bech32 encoding.
const (
	MainnetHRP = "emb"
	TestnetHRP = "temb"
)

// activeHRP is the address HRP used by String() and MarshalJSON().
// Set once at startup via SetAddressHRP(). Default is mainnet.
var activeHRP = MainnetHRP

// SetAddressHRP sets the active address HRP (call once at startup).
func SetAddressHRP(hrp string) {
	activeHRP = hrp
}

// GetAddressHRP returns the currently active address HRP.
func GetAddressHRP() string {
	return activeHRP
}

// Address represents a 160-bit address (public key hash).
type Address [AddressSize]byte

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the bech32-encoded address (e.g. "emb1...").
func (a Address) String() string {
	s, err := Bech32Encode(activeHRP, a[:])
	if err != nil {
		// Fallback to hex if encoding fails (should never happen).
		return activeHRP + ":" + hex.EncodeToString(a[:])
	}
	return s
}

// Hex returns the raw hex-encoded address without prefix.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns a copy of the address as a byte slice.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// MarshalJSON encodes the address as a bech32 string.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a bech32 or raw hex string into an address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses a bech32 or raw hex address string.
// Accepts: bech32 ("emb1...", "temb1...") or raw 40-char hex (for
// genesis/internal use).
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	// Try bech32 first: contains "1" separator and is not pure hex.
	if strings.Contains(s, "1") && !isHex40(s) {
		_, data, err := Bech32Decode(s)
		if err != nil {
			return Address{}, fmt.Errorf("invalid bech32 address: %w", err)
		}
		if len(data) != AddressSize {
			return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(data))
		}
		var a Address
		copy(a[:], data)
		return a, nil
	}

	return HexToAddress(s)
}

// HexToAddress converts a raw hex string to an Address.
// Returns an error if the string is not exactly 40 hex characters.
// For user-facing input that may be bech32, use ParseAddress instead.
func HexToAddress(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// isHex40 returns true if s is exactly 40 hex characters.
func isHex40(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
