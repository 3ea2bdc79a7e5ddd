package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by a load when nothing has been saved yet. It is
// distinct from ErrCorruptData.
var ErrNotFound = errors.New("no saved ledger state")

// StorageError reports a failed persistence operation. The in-memory state
// the caller tried to save is unaffected.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store persists a chain and a pending pool.
type Store interface {
	SaveChain(chain *Chain) error
	LoadChain() (*Chain, error)
	SavePool(pool *Mempool) error
	LoadPool(cfg MempoolConfig) (*Mempool, error)
	Close() error
}

// restoreMempool rebuilds a pool from loaded transactions, preserving order.
func restoreMempool(cfg MempoolConfig, txs []Transaction) *Mempool {
	pool := NewMempool(cfg)
	pool.Requeue(txs)
	return pool
}

// ============================================================================
// FileStore
// ============================================================================

// FileStore keeps the chain and the pool in two fixed-layout binary files.
type FileStore struct {
	chainPath string
	poolPath  string
}

// NewFileStore creates the data directory if needed and returns a store for
// the chain and pending files inside it.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, &StorageError{Op: "create data directory", Path: dataDir, Err: err}
	}
	return &FileStore{
		chainPath: filepath.Join(dataDir, DefaultChainFilename),
		poolPath:  filepath.Join(dataDir, DefaultPendingFilename),
	}, nil
}

// ChainPath returns the chain file location
func (s *FileStore) ChainPath() string { return s.chainPath }

// PoolPath returns the pending file location
func (s *FileStore) PoolPath() string { return s.poolPath }

func (s *FileStore) SaveChain(chain *Chain) error {
	snap := chain.Snapshot()
	return writeFileAtomic(s.chainPath, "save chain", func(w *bufio.Writer) error {
		return EncodeChain(w, snap)
	})
}

func (s *FileStore) LoadChain() (*Chain, error) {
	f, err := openForLoad(s.chainPath, "load chain")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	snap, err := DecodeChain(bufio.NewReader(f))
	if err != nil {
		return nil, &StorageError{Op: "load chain", Path: s.chainPath, Err: err}
	}
	chain, err := restoreChain(snap.Difficulty, snap.Blocks)
	if err != nil {
		return nil, &StorageError{Op: "load chain", Path: s.chainPath, Err: err}
	}
	return chain, nil
}

func (s *FileStore) SavePool(pool *Mempool) error {
	txs := pool.Transactions()
	return writeFileAtomic(s.poolPath, "save pool", func(w *bufio.Writer) error {
		return EncodePool(w, txs)
	})
}

func (s *FileStore) LoadPool(cfg MempoolConfig) (*Mempool, error) {
	f, err := openForLoad(s.poolPath, "load pool")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pool := NewMempool(cfg)
	txs, err := DecodePool(bufio.NewReader(f), pool.Capacity())
	if err != nil {
		return nil, &StorageError{Op: "load pool", Path: s.poolPath, Err: err}
	}
	return restoreMempool(cfg, txs), nil
}

// Close is a no-op; files are closed after every operation.
func (s *FileStore) Close() error {
	return nil
}

func openForLoad(path, op string) (*os.File, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, &StorageError{Op: op, Path: path, Err: err}
	}
	return f, nil
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it over path, so readers see either the old or the new file.
func writeFileAtomic(path, op string, write func(w *bufio.Writer) error) (err error) {
	fail := func(e error) error {
		return &StorageError{Op: op, Path: path, Err: e}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fail(err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fail(err)
	}
	return nil
}
