package utxo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ember-tech/ember-chain/internal/storage"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Key prefixes for the UTXO store.
var (
	prefixUTXO = []byte("u/") // u/<txid><index> -> Coin JSON
	prefixAddr = []byte("a/") // a/<address><txid><index> -> empty (index)
)

// Store implements Set backed by a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a new UTXO store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// utxoKey builds a storage key for an outpoint: "u/" + txid(32) + index(4).
func utxoKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixUTXO)+types.HashSize+4)
	copy(key, prefixUTXO)
	copy(key[len(prefixUTXO):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixUTXO)+types.HashSize:], op.Index)
	return key
}

// addrKey builds an address index key: "a/" + addr(20) + txid(32) + index(4).
func addrKey(addr types.Address, op types.Outpoint) []byte {
	key := make([]byte, len(prefixAddr)+types.AddressSize+types.HashSize+4)
	copy(key, prefixAddr)
	copy(key[len(prefixAddr):], addr[:])
	off := len(prefixAddr) + types.AddressSize
	copy(key[off:], op.TxID[:])
	binary.BigEndian.PutUint32(key[off+types.HashSize:], op.Index)
	return key
}

// Get retrieves a coin by its outpoint. Returns storage.ErrNotFound if the
// outpoint is not in the set.
func (s *Store) Get(outpoint types.Outpoint) (*Coin, error) {
	data, err := s.db.Get(utxoKey(outpoint))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("utxo get: %w", err)
	}
	var c Coin
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("utxo unmarshal: %w", err)
	}
	return &c, nil
}

// scriptAddress returns the address embedded in a script, if any.
// P2PKH scripts store a 20-byte address in Data.
func scriptAddress(s types.Script) (types.Address, bool) {
	if s.Type == types.ScriptTypeP2PKH && len(s.Data) >= types.AddressSize {
		var addr types.Address
		copy(addr[:], s.Data[:types.AddressSize])
		return addr, true
	}
	return types.Address{}, false
}

func marshalCoin(c *Coin) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("utxo marshal: %w", err)
	}
	return data, nil
}

// Put stores a coin and updates the address index.
func (s *Store) Put(c *Coin) error {
	data, err := marshalCoin(c)
	if err != nil {
		return err
	}
	if err := s.db.Put(utxoKey(c.Outpoint), data); err != nil {
		return fmt.Errorf("utxo put: %w", err)
	}

	// Index by address for script types that contain one.
	if addr, ok := scriptAddress(c.Script); ok {
		if err := s.db.Put(addrKey(addr, c.Outpoint), []byte{}); err != nil {
			return fmt.Errorf("utxo index put: %w", err)
		}
	}

	return nil
}

// Delete removes a coin and its address index entry.
func (s *Store) Delete(outpoint types.Outpoint) error {
	// Read first to clean up the secondary index.
	c, err := s.Get(outpoint)
	if err == nil {
		if addr, ok := scriptAddress(c.Script); ok {
			s.db.Delete(addrKey(addr, c.Outpoint))
		}
	}

	if err := s.db.Delete(utxoKey(outpoint)); err != nil {
		return fmt.Errorf("utxo delete: %w", err)
	}
	return nil
}

// Has checks if a coin exists for the given outpoint.
func (s *Store) Has(outpoint types.Outpoint) (bool, error) {
	return s.db.Has(utxoKey(outpoint))
}

// ForEach iterates over all coins in the store.
func (s *Store) ForEach(fn func(*Coin) error) error {
	return s.db.ForEach(prefixUTXO, func(key, value []byte) error {
		var c Coin
		if err := json.Unmarshal(value, &c); err != nil {
			return fmt.Errorf("utxo unmarshal: %w", err)
		}
		return fn(&c)
	})
}

// ClearAll removes all coins and their address index entries.
// Used during UTXO set recovery after a crash during reorg.
func (s *Store) ClearAll() error {
	var keys [][]byte
	for _, prefix := range [][]byte{prefixUTXO, prefixAddr} {
		if err := s.db.ForEach(prefix, func(key, _ []byte) error {
			k := make([]byte, len(key))
			copy(k, key)
			keys = append(keys, k)
			return nil
		}); err != nil {
			return fmt.Errorf("scan prefix %s: %w", prefix, err)
		}
	}
	for _, key := range keys {
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("delete utxo key: %w", err)
		}
	}
	return nil
}

// GetByAddress returns all coins belonging to the given address.
// It scans the address index and loads each referenced coin.
func (s *Store) GetByAddress(addr types.Address) ([]*Coin, error) {
	// Build the prefix: "a/" + addr(20).
	prefix := make([]byte, len(prefixAddr)+types.AddressSize)
	copy(prefix, prefixAddr)
	copy(prefix[len(prefixAddr):], addr[:])

	var coins []*Coin
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		// Key layout: "a/" + addr(20) + txid(32) + index(4).
		off := len(prefixAddr) + types.AddressSize
		if len(key) < off+types.HashSize+4 {
			return nil // Malformed key, skip.
		}
		var op types.Outpoint
		copy(op.TxID[:], key[off:off+types.HashSize])
		op.Index = binary.BigEndian.Uint32(key[off+types.HashSize:])

		c, err := s.Get(op)
		if err != nil {
			return nil // Coin may have been spent, skip.
		}
		coins = append(coins, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan address index: %w", err)
	}
	return coins, nil
}
