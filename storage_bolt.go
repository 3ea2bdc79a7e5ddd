package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"feeledger/protocol/params"

	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketBlocks  = []byte("blocks")  // height (big-endian) -> block record
	bucketPending = []byte("pending") // position (big-endian) -> tx record
	bucketMeta    = []byte("meta")    // difficulty, chain length, pending count

	metaKeyDifficulty = []byte("difficulty")
	metaKeyLength     = []byte("length")
	metaKeyPending    = []byte("pending")
)

// BoltStore keeps the same fixed records as FileStore in a bbolt database.
type BoltStore struct {
	db   *bolt.DB
	path string
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}

func uint32Value(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// NewBoltStore opens or creates the ledger database in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, &StorageError{Op: "create data directory", Path: dataDir, Err: err}
	}

	dbPath := filepath.Join(dataDir, DefaultBoltFilename)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: time.Second, // another process holds the lock
		NoSync:  false,
	})
	if err != nil {
		return nil, &StorageError{Op: "open database", Path: dbPath, Err: err}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlocks, bucketPending, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to create buckets: %w (additionally failed to close db: %v)", err, closeErr)
		}
		return nil, &StorageError{Op: "create buckets", Path: dbPath, Err: err}
	}

	return &BoltStore{db: db, path: dbPath}, nil
}

// Path returns the database file location
func (s *BoltStore) Path() string { return s.path }

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Writes
// ============================================================================

func putChain(tx *bolt.Tx, snap ChainSnapshot) error {
	if err := tx.DeleteBucket(bucketBlocks); err != nil {
		return err
	}
	blocks, err := tx.CreateBucket(bucketBlocks)
	if err != nil {
		return err
	}
	for i, b := range snap.Blocks {
		rec := make([]byte, BlockRecordSize)
		putBlockRecord(rec, b)
		if err := blocks.Put(heightKey(uint64(i)), rec); err != nil {
			return err
		}
	}

	meta := tx.Bucket(bucketMeta)
	if err := meta.Put(metaKeyDifficulty, uint32Value(uint32(snap.Difficulty))); err != nil {
		return err
	}
	return meta.Put(metaKeyLength, uint32Value(uint32(len(snap.Blocks))))
}

func putPool(tx *bolt.Tx, txs []Transaction) error {
	if err := tx.DeleteBucket(bucketPending); err != nil {
		return err
	}
	pending, err := tx.CreateBucket(bucketPending)
	if err != nil {
		return err
	}
	for i := range txs {
		rec := make([]byte, TxRecordSize)
		putTxRecord(rec, &txs[i])
		if err := pending.Put(heightKey(uint64(i)), rec); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketMeta).Put(metaKeyPending, uint32Value(uint32(len(txs))))
}

func (s *BoltStore) SaveChain(chain *Chain) error {
	snap := chain.Snapshot()
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return putChain(tx, snap)
	}); err != nil {
		return &StorageError{Op: "save chain", Path: s.path, Err: err}
	}
	return nil
}

func (s *BoltStore) SavePool(pool *Mempool) error {
	txs := pool.Transactions()
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return putPool(tx, txs)
	}); err != nil {
		return &StorageError{Op: "save pool", Path: s.path, Err: err}
	}
	return nil
}

// SaveState commits the chain and the pool in a single transaction.
func (s *BoltStore) SaveState(chain *Chain, pool *Mempool) error {
	snap := chain.Snapshot()
	txs := pool.Transactions()
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putChain(tx, snap); err != nil {
			return err
		}
		return putPool(tx, txs)
	}); err != nil {
		return &StorageError{Op: "save state", Path: s.path, Err: err}
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

func (s *BoltStore) LoadChain() (*Chain, error) {
	var snap ChainSnapshot
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		diffData := meta.Get(metaKeyDifficulty)
		lenData := meta.Get(metaKeyLength)
		if diffData == nil && lenData == nil {
			return nil
		}
		found = true
		if len(diffData) != 4 || len(lenData) != 4 {
			return fmt.Errorf("%w: invalid chain metadata", ErrCorruptData)
		}

		snap.Difficulty = int(int32(binary.BigEndian.Uint32(diffData)))
		length := clampCount(int32(binary.BigEndian.Uint32(lenData)), params.MaxBlocks)

		blocks := tx.Bucket(bucketBlocks)
		snap.Blocks = make([]*Block, 0, length)
		for i := 0; i < length; i++ {
			rec := blocks.Get(heightKey(uint64(i)))
			if len(rec) != BlockRecordSize {
				return fmt.Errorf("%w: block record %d missing or truncated", ErrCorruptData, i)
			}
			snap.Blocks = append(snap.Blocks, getBlockRecord(rec))
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "load chain", Path: s.path, Err: err}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}

	chain, err := restoreChain(snap.Difficulty, snap.Blocks)
	if err != nil {
		return nil, &StorageError{Op: "load chain", Path: s.path, Err: err}
	}
	return chain, nil
}

func (s *BoltStore) LoadPool(cfg MempoolConfig) (*Mempool, error) {
	capacity := NewMempool(cfg).Capacity()
	var txs []Transaction
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		countData := tx.Bucket(bucketMeta).Get(metaKeyPending)
		if countData == nil {
			return nil
		}
		found = true
		if len(countData) != 4 {
			return fmt.Errorf("%w: invalid pending metadata", ErrCorruptData)
		}

		count := clampCount(int32(binary.BigEndian.Uint32(countData)), capacity)
		pending := tx.Bucket(bucketPending)
		txs = make([]Transaction, 0, count)
		for i := 0; i < count; i++ {
			rec := pending.Get(heightKey(uint64(i)))
			if len(rec) != TxRecordSize {
				return fmt.Errorf("%w: tx record %d missing or truncated", ErrCorruptData, i)
			}
			txs = append(txs, getTxRecord(rec))
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "load pool", Path: s.path, Err: err}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	return restoreMempool(cfg, txs), nil
}
