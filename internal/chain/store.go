package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ember-tech/ember-chain/internal/storage"
	"github.com/ember-tech/ember-chain/internal/utxo"
	"github.com/ember-tech/ember-chain/pkg/block"
	"github.com/ember-tech/ember-chain/pkg/types"
)

// Key layout:
//
//	b/<hash>   -> block JSON
//	h/<height> -> main-chain block hash (8-byte big-endian height)
//	x/<txid>   -> hash of the main-chain block containing the tx
//	d/<hash>   -> undo record JSON
//	e/<hash>   -> entry JSON
//	s/state    -> chain state JSON
//	s/reorg    -> reorg checkpoint JSON, present only mid-reorg
var (
	prefixBlock  = []byte("b/")
	prefixHeight = []byte("h/")
	prefixTx     = []byte("x/")
	prefixUndo   = []byte("d/")
	prefixEntry  = []byte("e/")
	keyState     = []byte("s/state")
	keyReorg     = []byte("s/reorg")
)

func blockKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixBlock...), hash[:]...)
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txKey(txid types.Hash) []byte {
	return append(append([]byte{}, prefixTx...), txid[:]...)
}

func undoKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixUndo...), hash[:]...)
}

func entryKey(hash types.Hash) []byte {
	return append(append([]byte{}, prefixEntry...), hash[:]...)
}

// BlockStore persists blocks, entries, undo data, the main-chain indexes
// and the chain state in one keyspace.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store over db.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// PutBlock stores block data without touching any index. Side-branch
// blocks are kept this way until a reorg needs them.
func (s *BlockStore) PutBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}
	return s.db.Put(blockKey(blk.Hash()), data)
}

// GetBlock loads a block by hash.
func (s *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", hash, err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("decoding block %s: %w", hash, err)
	}
	return &blk, nil
}

// DeleteBlock removes stored block data.
func (s *BlockStore) DeleteBlock(hash types.Hash) error {
	return s.db.Delete(blockKey(hash))
}

// PutEntry persists a tree entry.
func (s *BlockStore) PutEntry(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	return s.db.Put(entryKey(e.Hash), data)
}

// DeleteEntry removes a persisted entry.
func (s *BlockStore) DeleteEntry(hash types.Hash) error {
	return s.db.Delete(entryKey(hash))
}

// ForEachEntry calls fn for every persisted entry. Used to rebuild the
// in-memory index at startup.
func (s *BlockStore) ForEachEntry(fn func(*Entry) error) error {
	return s.db.ForEach(prefixEntry, func(_, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		return fn(&e)
	})
}

// PutUndo stores the undo record for a connected block.
func (s *BlockStore) PutUndo(hash types.Hash, undo *utxo.UndoRecord) error {
	data, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("encoding undo: %w", err)
	}
	return s.db.Put(undoKey(hash), data)
}

// GetUndo loads the undo record for a block.
func (s *BlockStore) GetUndo(hash types.Hash) (*utxo.UndoRecord, error) {
	data, err := s.db.Get(undoKey(hash))
	if err != nil {
		return nil, fmt.Errorf("undo %s: %w", hash, err)
	}
	var undo utxo.UndoRecord
	if err := json.Unmarshal(data, &undo); err != nil {
		return nil, fmt.Errorf("decoding undo %s: %w", hash, err)
	}
	return &undo, nil
}

// DeleteUndo removes a block's undo record.
func (s *BlockStore) DeleteUndo(hash types.Hash) error {
	return s.db.Delete(undoKey(hash))
}

// MainHash returns the main-chain block hash at height.
func (s *BlockStore) MainHash(height uint64) (types.Hash, error) {
	data, err := s.db.Get(heightKey(height))
	if err != nil {
		return types.Hash{}, fmt.Errorf("height %d: %w", height, err)
	}
	var h types.Hash
	copy(h[:], data)
	return h, nil
}

// TxBlock returns the hash of the main-chain block containing txid.
func (s *BlockStore) TxBlock(txid types.Hash) (types.Hash, error) {
	data, err := s.db.Get(txKey(txid))
	if err != nil {
		return types.Hash{}, fmt.Errorf("tx %s: %w", txid, err)
	}
	var h types.Hash
	copy(h[:], data)
	return h, nil
}

// PutState persists the chain state.
func (s *BlockStore) PutState(st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	return s.db.Put(keyState, data)
}

// GetState loads the chain state. Returns storage.ErrNotFound on a
// fresh database.
func (s *BlockStore) GetState() (*State, error) {
	data, err := s.db.Get(keyState)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return &st, nil
}

// reorgCheckpoint marks a reorg in flight. If the process dies between
// writing it and deleting it, startup recovery rebuilds the coin set by
// replaying the main chain.
type reorgCheckpoint struct {
	OldTip types.Hash `json:"old_tip"`
	NewTip types.Hash `json:"new_tip"`
	Height uint64     `json:"height"`
}

func (s *BlockStore) PutCheckpoint(cp *reorgCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	return s.db.Put(keyReorg, data)
}

func (s *BlockStore) GetCheckpoint() (*reorgCheckpoint, error) {
	data, err := s.db.Get(keyReorg)
	if err != nil {
		return nil, err
	}
	var cp reorgCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *BlockStore) DeleteCheckpoint() error {
	return s.db.Delete(keyReorg)
}

// connectWrites lists everything a block connection must persist besides
// the coin view: block data, entry, main indexes, undo and state.
type connectWrites struct {
	Block *block.Block
	Entry *Entry
	Undo  *utxo.UndoRecord
	State *State
}

// CommitBlock applies all index writes for one connected block. A
// non-nil view has its coin deltas flushed into coins in the same
// write, so on a batching database the tip record and the coin set
// move together or not at all. Callers that flush the view separately
// (the checkpoint-guarded reorg path) pass nil.
func (s *BlockStore) CommitBlock(w connectWrites, view *utxo.View, coins *utxo.Store) error {
	hash := w.Block.Hash()
	height := w.Block.Header.Height

	blockData, err := json.Marshal(w.Block)
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}
	entryData, err := json.Marshal(w.Entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	undoData, err := json.Marshal(w.Undo)
	if err != nil {
		return fmt.Errorf("encoding undo: %w", err)
	}
	stateData, err := json.Marshal(w.State)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	put := s.db.Put
	del := s.db.Delete
	var commit func() error
	if batcher, ok := s.db.(storage.Batcher); ok {
		batch := batcher.NewBatch()
		put = batch.Put
		del = batch.Delete
		commit = batch.Commit
	}

	if err := put(blockKey(hash), blockData); err != nil {
		return err
	}
	if err := put(entryKey(hash), entryData); err != nil {
		return err
	}
	if err := put(heightKey(height), hash[:]); err != nil {
		return err
	}
	if err := put(undoKey(hash), undoData); err != nil {
		return err
	}
	for _, t := range w.Block.Transactions {
		txid := t.Hash()
		if err := put(txKey(txid), hash[:]); err != nil {
			return err
		}
	}
	if err := put(keyState, stateData); err != nil {
		return err
	}
	if view != nil {
		if err := view.CommitTo(coins, put, del); err != nil {
			return err
		}
	}
	if commit != nil {
		if err := commit(); err != nil {
			return fmt.Errorf("commit block %s: %w", hash, err)
		}
	}
	return nil
}

// DisconnectBlock removes a block's main-chain index records. Block data
// and the entry stay: the block moves to a side branch, it does not
// vanish.
func (s *BlockStore) DisconnectBlock(blk *block.Block) error {
	if err := s.db.Delete(heightKey(blk.Header.Height)); err != nil {
		return err
	}
	for _, t := range blk.Transactions {
		if err := s.db.Delete(txKey(t.Hash())); err != nil {
			return err
		}
	}
	return s.db.Delete(undoKey(blk.Hash()))
}
