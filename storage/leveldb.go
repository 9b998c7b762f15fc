package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/tolelom/toldpos/bft"
	"github.com/tolelom/toldpos/core"
)

// LevelDB implements DB using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, core.ErrNotFound
	}
	return val, err
}

func (l *LevelDB) Set(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

// NewBatch returns a write buffer that is applied atomically by Write.
func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db}
}

type levelBatch struct {
	db *leveldb.DB
	b  leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.b.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.b.Delete(key) }
func (b *levelBatch) Write() error          { return b.db.Write(&b.b, nil) }
func (b *levelBatch) Reset()                { b.b.Reset() }

// ---- BlockStore implementation ----

// LevelBlockStore implements core.BlockStore on top of LevelDB.
type LevelBlockStore struct {
	db *LevelDB
}

// NewLevelBlockStore wraps a LevelDB instance as a BlockStore.
func NewLevelBlockStore(db *LevelDB) *LevelBlockStore {
	return &LevelBlockStore{db: db}
}

func (s *LevelBlockStore) PutBlock(block *core.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return s.db.Set([]byte("block:"+block.Hash), data)
}

func (s *LevelBlockStore) GetBlock(hash string) (*core.Block, error) {
	data, err := s.db.Get([]byte("block:" + hash))
	if err != nil {
		return nil, err
	}
	var b core.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *LevelBlockStore) PutBlockByHeight(height int64, hash string) error {
	key := fmt.Sprintf("height:%d", height)
	return s.db.Set([]byte(key), []byte(hash))
}

func (s *LevelBlockStore) GetBlockByHeight(height int64) (*core.Block, error) {
	key := fmt.Sprintf("height:%d", height)
	hash, err := s.db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return s.GetBlock(string(hash))
}

func (s *LevelBlockStore) GetTip() (string, error) {
	val, err := s.db.Get([]byte("chain:tip"))
	if err == core.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (s *LevelBlockStore) SetTip(hash string) error {
	return s.db.Set([]byte("chain:tip"), []byte(hash))
}

// CommitBlock writes the block, its height index entry and the tip pointer
// in one LevelDB batch.
func (s *LevelBlockStore) CommitBlock(block *core.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte("block:"+block.Hash), data)
	batch.Put([]byte(fmt.Sprintf("height:%d", block.Header.Height)), []byte(block.Hash))
	batch.Put([]byte("chain:tip"), []byte(block.Hash))
	return s.db.db.Write(batch, nil)
}

// ---- bft.HeaderStore implementation ----

// LevelHeaderStore implements bft.HeaderStore on top of LevelDB, keyed
// under the same "bft:" prefix space the chain/state keys avoid, the same
// single-DB-multiple-prefix layout LevelBlockStore and StateDB already use.
type LevelHeaderStore struct {
	db *LevelDB
}

// NewLevelHeaderStore wraps a LevelDB instance as a bft.HeaderStore.
func NewLevelHeaderStore(db *LevelDB) *LevelHeaderStore {
	return &LevelHeaderStore{db: db}
}

func headerKey(height int64) []byte {
	return []byte(fmt.Sprintf("bft:header:%020d", height))
}

func (s *LevelHeaderStore) LoadHeaders(_ context.Context, fromHeight, tillHeight int64) ([]bft.BlockHeader, error) {
	headers := make([]bft.BlockHeader, 0, tillHeight-fromHeight+1)
	for h := fromHeight; h <= tillHeight; h++ {
		data, err := s.db.Get(headerKey(h))
		if err == core.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load header %d: %w", h, err)
		}
		var hdr bft.BlockHeader
		if err := json.Unmarshal(data, &hdr); err != nil {
			return nil, fmt.Errorf("unmarshal header %d: %w", h, err)
		}
		headers = append(headers, hdr)
	}
	return headers, nil
}

func (s *LevelHeaderStore) LoadFinalizedHeight(_ context.Context) (int64, error) {
	val, err := s.db.Get([]byte("bft:finalized"))
	if err == core.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(val, &height); err != nil {
		return 0, fmt.Errorf("unmarshal finalized height: %w", err)
	}
	return height, nil
}

func (s *LevelHeaderStore) PersistFinalizedHeight(_ context.Context, height int64) error {
	data, err := json.Marshal(height)
	if err != nil {
		return err
	}
	return s.db.Set([]byte("bft:finalized"), data)
}

// PersistHeader stores a header so it survives restarts; called by the
// consensus package alongside AddBlockHeader so LoadHeaders can serve it
// back after a crash.
func (s *LevelHeaderStore) PersistHeader(hdr bft.BlockHeader) error {
	data, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	return s.db.Set(headerKey(hdr.Height), data)
}
