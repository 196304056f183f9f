package chain

import (
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Entry is one node in the block tree: a header plus the cumulative work
// of its ancestor path. Entries are immutable once created.
type Entry struct {
	Hash      types.Hash    `json:"hash"`
	Header    *block.Header `json:"header"`
	ChainWork uint64        `json:"chain_work"` // Work of this entry plus all ancestors.
}

// Height returns the entry's block height.
func (e *Entry) Height() uint64 {
	return e.Header.Height
}

// Parent returns the hash of the entry's parent.
func (e *Entry) Parent() types.Hash {
	return e.Header.PrevHash
}

// NewEntry builds an entry for header on top of parent. parent is nil for
// genesis.
func NewEntry(header *block.Header, parent *Entry) *Entry {
	work := header.Difficulty
	if parent != nil {
		work += parent.ChainWork
	}
	return &Entry{
		Hash:      header.Hash(),
		Header:    header,
		ChainWork: work,
	}
}

// Index is the in-memory arena of all known entries. It tracks the tip
// set (entries with no known child) and the height index of the active
// path. Callers synchronize access; the chain holds it under its lock.
type Index struct {
	entries map[types.Hash]*Entry
	tips    map[types.Hash]*Entry
	main    map[uint64]types.Hash
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[types.Hash]*Entry),
		tips:    make(map[types.Hash]*Entry),
		main:    make(map[uint64]types.Hash),
	}
}

// Add inserts an entry and updates the tip set: the new entry becomes a
// tip and its parent stops being one.
func (ix *Index) Add(e *Entry) {
	ix.entries[e.Hash] = e
	ix.tips[e.Hash] = e
	delete(ix.tips, e.Parent())
}

// Entry returns the entry for hash, or nil if unknown.
func (ix *Index) Entry(hash types.Hash) *Entry {
	return ix.entries[hash]
}

// Have reports whether the hash is a known entry.
func (ix *Index) Have(hash types.Hash) bool {
	_, ok := ix.entries[hash]
	return ok
}

// Tips returns the hashes of all entries with no known child.
func (ix *Index) Tips() []types.Hash {
	out := make([]types.Hash, 0, len(ix.tips))
	for h := range ix.tips {
		out = append(out, h)
	}
	return out
}

// SetMain records hash as the active-path block at height.
func (ix *Index) SetMain(height uint64, hash types.Hash) {
	ix.main[height] = hash
}

// UnsetMain removes the active-path record at height.
func (ix *Index) UnsetMain(height uint64) {
	delete(ix.main, height)
}

// MainHash returns the active-path hash at height and whether one exists.
func (ix *Index) MainHash(height uint64) (types.Hash, bool) {
	h, ok := ix.main[height]
	return h, ok
}

// IsMain reports whether the entry lies on the active path.
func (ix *Index) IsMain(e *Entry) bool {
	if e == nil {
		return false
	}
	h, ok := ix.main[e.Height()]
	return ok && h == e.Hash
}

// Remove deletes an entry from the arena and the tip set.
func (ix *Index) Remove(hash types.Hash) {
	delete(ix.entries, hash)
	delete(ix.tips, hash)
}

// Len returns the number of known entries.
func (ix *Index) Len() int {
	return len(ix.entries)
}
