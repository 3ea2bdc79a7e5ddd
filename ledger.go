package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"feeledger/debug"
	"feeledger/protocol/params"
)

// LedgerConfig configures a ledger
type LedgerConfig struct {
	// DataDir is where the default file store keeps its files
	DataDir string

	// Difficulty applies only when a new chain is created; a loaded chain
	// keeps its stored difficulty
	Difficulty int

	// Store overrides the default FileStore in DataDir
	Store Store

	// MaxTxPerBlock caps how many pending transactions one mined block takes
	MaxTxPerBlock int

	// ResetCorrupt starts a fresh chain or pool when stored data is corrupt
	// instead of refusing to open
	ResetCorrupt bool

	Miner   MinerConfig
	Mempool MempoolConfig

	// Logger receives structured events (nil = discard)
	Logger *slog.Logger
}

// DefaultLedgerConfig returns sensible defaults
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		DataDir:       DefaultDataDir,
		Difficulty:    params.DefaultDifficulty,
		MaxTxPerBlock: params.MaxTxPerBlock,
		Miner:         DefaultMinerConfig(),
		Mempool:       DefaultMempoolConfig(),
	}
}

// Ledger owns one chain, one pending pool, the miner and the store behind
// them. Mutating operations are serialized; queries may run alongside.
type Ledger struct {
	mu debug.Mutex

	cfg     LedgerConfig
	chain   *Chain
	mempool *Mempool
	miner   *Miner
	store   Store
	log     *slog.Logger

	blockSubs   []chan *Block
	blockSubsMu sync.Mutex
}

// stateSaver is implemented by stores that can commit chain and pool together
type stateSaver interface {
	SaveState(chain *Chain, pool *Mempool) error
}

// Open loads the ledger from its store, creating and persisting a mined
// genesis block when nothing was saved yet.
func Open(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxTxPerBlock <= 0 {
		cfg.MaxTxPerBlock = params.MaxTxPerBlock
	}

	store := cfg.Store
	if store == nil {
		fs, err := NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	l := &Ledger{
		cfg:   cfg,
		miner: NewMiner(cfg.Miner),
		store: store,
		log:   logger,
	}
	l.mu.SetName("ledger")

	created, err := l.loadChain(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.loadPool(); err != nil {
		return nil, err
	}

	if created {
		if err := l.Save(); err != nil {
			return nil, fmt.Errorf("failed to persist genesis: %w", err)
		}
	} else if report := l.chain.VerifyChain(); !report.Valid {
		l.log.Warn("loaded chain failed verification", "failures", len(report.Failures()))
	}

	l.log.Info("ledger opened",
		"blocks", l.chain.Length(),
		"difficulty", l.chain.Difficulty(),
		"pending", l.mempool.Size())
	return l, nil
}

func (l *Ledger) loadChain(ctx context.Context) (created bool, err error) {
	chain, err := l.store.LoadChain()
	switch {
	case err == nil:
		if want := NormalizeDifficulty(l.cfg.Difficulty); want != chain.Difficulty() {
			l.log.Info("keeping stored difficulty", "stored", chain.Difficulty(), "requested", want)
		}
		l.chain = chain
		return false, nil
	case errors.Is(err, ErrNotFound):
		l.log.Info("no saved chain, creating genesis")
	case errors.Is(err, ErrCorruptData) && l.cfg.ResetCorrupt:
		l.log.Warn("saved chain is corrupt, starting a new one", "error", err)
	default:
		return false, fmt.Errorf("failed to load chain: %w", err)
	}

	chain, err = NewChain(ctx, l.miner, l.cfg.Difficulty)
	if err != nil {
		return false, err
	}
	genesis := chain.Tail()
	l.log.Info("genesis mined", "hash", genesis.Hash, "nonce", genesis.Nonce, "difficulty", chain.Difficulty())
	l.chain = chain
	return true, nil
}

func (l *Ledger) loadPool() error {
	pool, err := l.store.LoadPool(l.cfg.Mempool)
	switch {
	case err == nil:
		l.mempool = pool
		return nil
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, ErrCorruptData) && l.cfg.ResetCorrupt:
		l.log.Warn("saved pool is corrupt, starting empty", "error", err)
	default:
		return fmt.Errorf("failed to load pending pool: %w", err)
	}
	l.mempool = NewMempool(l.cfg.Mempool)
	return nil
}

func (l *Ledger) Chain() *Chain     { return l.chain }
func (l *Ledger) Mempool() *Mempool { return l.mempool }
func (l *Ledger) Miner() *Miner     { return l.miner }
func (l *Ledger) Store() Store      { return l.store }

// Submit queues a transaction for the next mined block. A zero EventTime is
// set to now.
func (l *Ledger) Submit(tx Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitLocked(tx)
}

func (l *Ledger) submitLocked(tx Transaction) error {
	if tx.EventTime == 0 {
		tx.EventTime = time.Now().Unix()
	}
	if err := l.mempool.Add(tx); err != nil {
		return fmt.Errorf("failed to queue %s for %s: %w", tx.Type, tx.InvoiceID, err)
	}
	l.log.Debug("transaction queued", "type", tx.Type.String(), "invoice", tx.InvoiceID, "pending", l.mempool.Size())
	return nil
}

// MinePending mines the oldest pending transactions into a block and appends
// it to the chain. The transactions stay pending, and visible to queries,
// until the block is on the chain; a failed or cancelled mine leaves the pool
// as it was.
func (l *Ledger) MinePending(ctx context.Context) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	block, err := l.mempool.Peek(l.cfg.MaxTxPerBlock, l.chain.Tail())
	if err != nil {
		return nil, err
	}

	if err := l.miner.Mine(ctx, block, l.chain.Difficulty()); err != nil {
		l.log.Warn("block not committed", "id", block.ID, "txs", len(block.Transactions), "error", err)
		return nil, fmt.Errorf("failed to mine block %d: %w", block.ID, err)
	}
	if err := l.chain.AddBlock(block); err != nil {
		l.log.Warn("block not committed", "id", block.ID, "txs", len(block.Transactions), "error", err)
		return nil, fmt.Errorf("failed to append block %d: %w", block.ID, err)
	}
	if n := l.mempool.Remove(block.Transactions); n != len(block.Transactions) {
		l.log.Warn("mined transactions missing from pool", "want", len(block.Transactions), "removed", n)
	}

	l.notifyBlock(block.Clone())

	stats := l.miner.Stats()
	l.log.Info("block committed",
		"id", block.ID,
		"hash", block.Hash,
		"nonce", block.Nonce,
		"txs", len(block.Transactions),
		"solve", stats.LastSolve)
	return block, nil
}

// SubscribeBlocks returns a channel that receives committed blocks
func (l *Ledger) SubscribeBlocks() chan *Block {
	l.blockSubsMu.Lock()
	defer l.blockSubsMu.Unlock()
	ch := make(chan *Block, 10)
	l.blockSubs = append(l.blockSubs, ch)
	return ch
}

// UnsubscribeBlocks stops delivery to ch
func (l *Ledger) UnsubscribeBlocks(ch chan *Block) {
	l.blockSubsMu.Lock()
	defer l.blockSubsMu.Unlock()
	for i, sub := range l.blockSubs {
		if sub == ch {
			l.blockSubs = append(l.blockSubs[:i], l.blockSubs[i+1:]...)
			return
		}
	}
}

// notifyBlock sends block to all subscribers
func (l *Ledger) notifyBlock(block *Block) {
	l.blockSubsMu.Lock()
	defer l.blockSubsMu.Unlock()
	for _, ch := range l.blockSubs {
		select {
		case ch <- block:
		default: // Don't block if subscriber is slow
		}
	}
}

// Verify scans the whole chain.
func (l *Ledger) Verify() VerificationReport {
	return l.chain.VerifyChain()
}

// Save persists the chain and the pool. On failure the in-memory state is
// unchanged.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if s, ok := l.store.(stateSaver); ok {
		err = s.SaveState(l.chain, l.mempool)
	} else {
		err = l.store.SaveChain(l.chain)
		if err == nil {
			err = l.store.SavePool(l.mempool)
		}
	}
	if err != nil {
		l.log.Error("save failed", "error", err)
		return err
	}
	return nil
}

// Close releases the store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
