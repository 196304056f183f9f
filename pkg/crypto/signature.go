package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// Signer produces Schnorr signatures over secp256k1. Transaction inputs
// carry signatures in this scheme exclusively.
type Signer interface {
	// Sign signs a 32-byte sighash.
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the compressed 33-byte public key.
	PublicKey() []byte
}

// Verifier checks Schnorr signatures over secp256k1.
type Verifier interface {
	// Verify reports whether signature is valid for hash under the
	// compressed public key.
	Verify(hash, signature, publicKey []byte) bool
}

// PrivateKey is a secp256k1 secret scalar used for Schnorr signing.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey draws a fresh random private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes restores a private key from its 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Sign signs a 32-byte sighash and returns the fixed-length Schnorr
// signature encoding.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("sighash must be 32 bytes, got %d", len(hash))
	}
	sig, err := schnorr.Sign(pk.key, hash)
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte secret scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero wipes the secret scalar from memory. The key is unusable afterwards.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// VerifySignature reports whether signature is a valid Schnorr signature
// for hash under the compressed public key. Malformed keys or signatures
// verify as false rather than erroring.
func VerifySignature(hash, signature, publicKey []byte) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}

// SchnorrVerifier is the stateless Verifier used by consensus validation.
type SchnorrVerifier struct{}

// Verify reports whether signature is valid for hash under the compressed
// public key.
func (v SchnorrVerifier) Verify(hash, signature, publicKey []byte) bool {
	return VerifySignature(hash, signature, publicKey)
}
