package storage

import (
	"strings"
	"sync"
)

// MemoryDB implements DB using an in-memory map. Safe for concurrent use.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach iterates over all keys with the given prefix.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	// Snapshot under the read lock so the callback can write to the DB.
	m.mu.RLock()
	p := string(prefix)
	type kv struct {
		k string
		v []byte
	}
	var items []kv
	for k, v := range m.data {
		if strings.HasPrefix(k, p) {
			items = append(items, kv{k, v})
		}
	}
	m.mu.RUnlock()

	for _, item := range items {
		if err := fn([]byte(item.k), item.v); err != nil {
			return err
		}
	}
	return nil
}

// NewBatch creates a batch applied atomically under the write lock.
func (m *MemoryDB) NewBatch() Batch {
	return &memoryBatch{db: m}
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}

type memoryBatch struct {
	db  *MemoryDB
	ops []struct {
		key   string
		value []byte // nil means delete
	}
}

func (b *memoryBatch) Put(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	b.ops = append(b.ops, struct {
		key   string
		value []byte
	}{string(key), v})
	return nil
}

func (b *memoryBatch) Delete(key []byte) error {
	b.ops = append(b.ops, struct {
		key   string
		value []byte
	}{string(key), nil})
	return nil
}

func (b *memoryBatch) Commit() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.value == nil {
			delete(b.db.data, op.key)
		} else {
			b.db.data[op.key] = op.value
		}
	}
	b.ops = nil
	return nil
}
