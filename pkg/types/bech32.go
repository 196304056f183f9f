package types

import (
	"fmt"
	"strings"
)

// BIP-173 data charset. Address rendering depends on this exact ordering.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// bech32CharsetRev maps ASCII bytes back to 5-bit values, -1 for bytes
// outside the charset.
var bech32CharsetRev [128]int8

func init() {
	for i := range bech32CharsetRev {
		bech32CharsetRev[i] = -1
	}
	for i, c := range bech32Charset {
		bech32CharsetRev[c] = int8(i)
	}
}

// Bech32Encode renders data as a bech32 string under the given
// human-readable prefix.
func Bech32Encode(hrp string, data []byte) (string, error) {
	if len(hrp) == 0 {
		return "", fmt.Errorf("bech32: hrp is empty")
	}
	for _, c := range hrp {
		if c < 33 || c > 126 {
			return "", fmt.Errorf("bech32: hrp character %q out of range", c)
		}
	}

	conv, err := convertBits(data, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("bech32: regroup bits: %w", err)
	}

	chk := bech32CreateChecksum(hrp, conv)

	// hrp, separator, 5-bit data, 6-char checksum.
	var sb strings.Builder
	sb.Grow(len(hrp) + 1 + len(conv) + 6)
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, b := range conv {
		sb.WriteByte(bech32Charset[b])
	}
	for _, b := range chk {
		sb.WriteByte(bech32Charset[b])
	}
	return sb.String(), nil
}

// Bech32Decode splits a bech32 string into its human-readable prefix and
// decoded payload, verifying the checksum. Uppercase input is accepted but
// mixed case is not.
func Bech32Decode(s string) (string, []byte, error) {
	if len(s) == 0 {
		return "", nil, fmt.Errorf("bech32: empty string")
	}

	hasUpper := false
	hasLower := false
	for _, c := range s {
		if c >= 'A' && c <= 'Z' {
			hasUpper = true
		}
		if c >= 'a' && c <= 'z' {
			hasLower = true
		}
	}
	if hasUpper && hasLower {
		return "", nil, fmt.Errorf("bech32: mixed-case string")
	}
	s = strings.ToLower(s)

	// The hrp may itself contain '1', so the separator is the last one.
	sepIdx := strings.LastIndex(s, "1")
	if sepIdx < 1 {
		return "", nil, fmt.Errorf("bech32: no separator")
	}
	if sepIdx+7 > len(s) {
		return "", nil, fmt.Errorf("bech32: data part shorter than checksum")
	}

	hrp := s[:sepIdx]
	dataStr := s[sepIdx+1:]

	data5 := make([]byte, len(dataStr))
	for i, c := range dataStr {
		if c > 127 || bech32CharsetRev[c] < 0 {
			return "", nil, fmt.Errorf("bech32: character %q not in charset", c)
		}
		data5[i] = byte(bech32CharsetRev[c])
	}

	if !bech32VerifyChecksum(hrp, data5) {
		return "", nil, fmt.Errorf("bech32: checksum mismatch")
	}

	// The trailing six values are the checksum, not payload.
	data5 = data5[:len(data5)-6]

	data8, err := convertBits(data5, 5, 8, false)
	if err != nil {
		return "", nil, fmt.Errorf("bech32: regroup bits: %w", err)
	}

	return hrp, data8, nil
}

// bech32Polymod evaluates the BCH checksum polynomial over values.
func bech32Polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

// bech32HRPExpand feeds the hrp into the checksum as high bits, a zero,
// then low bits.
func bech32HRPExpand(hrp string) []byte {
	ret := make([]byte, 0, len(hrp)*2+1)
	for _, c := range hrp {
		ret = append(ret, byte(c>>5))
	}
	ret = append(ret, 0)
	for _, c := range hrp {
		ret = append(ret, byte(c&31))
	}
	return ret
}

// bech32CreateChecksum derives the six checksum values for hrp and data.
func bech32CreateChecksum(hrp string, data []byte) []byte {
	values := append(bech32HRPExpand(hrp), data...)
	values = append(values, 0, 0, 0, 0, 0, 0)
	polymod := bech32Polymod(values) ^ 1
	ret := make([]byte, 6)
	for i := 0; i < 6; i++ {
		ret[i] = byte((polymod >> uint(5*(5-i))) & 31)
	}
	return ret
}

// bech32VerifyChecksum checks hrp against data, where data still carries
// its trailing checksum values.
func bech32VerifyChecksum(hrp string, data []byte) bool {
	return bech32Polymod(append(bech32HRPExpand(hrp), data...)) == 1
}

// convertBits regroups data from fromBits-wide values into toBits-wide
// values. When pad is set a final partial group is zero-filled; otherwise
// leftover bits must be zero.
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc := uint32(0)
	bits := uint(0)
	maxv := uint32((1 << toBits) - 1)
	var ret []byte

	for _, b := range data {
		if uint32(b)>>fromBits != 0 {
			return nil, fmt.Errorf("value %d exceeds %d bits", b, fromBits)
		}
		acc = acc<<fromBits | uint32(b)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			ret = append(ret, byte((acc<<(toBits-bits))&maxv))
		}
	} else {
		if bits >= fromBits {
			return nil, fmt.Errorf("excess padding")
		}
		if (acc<<(toBits-bits))&maxv != 0 {
			return nil, fmt.Errorf("padding bits not zero")
		}
	}

	return ret, nil
}
