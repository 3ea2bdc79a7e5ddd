package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feeledger/debug"
	"feeledger/protocol/params"
)

var (
	ErrMempoolFull  = fmt.Errorf("%w: mempool full (%d pending)", ErrCapacity, params.MaxPending)
	ErrDuplicateTx  = errors.New("transaction already pending")
	ErrEmptyMempool = errors.New("no pending transactions")
)

// MempoolConfig configures the mempool
type MempoolConfig struct {
	// MaxSize is the maximum number of pending transactions
	MaxSize int
}

// DefaultMempoolConfig returns sensible defaults
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxSize: params.MaxPending,
	}
}

// MempoolEntry is a pending transaction with its cached id
type MempoolEntry struct {
	Tx      Transaction
	TxID    string
	AddedAt time.Time
}

// Mempool holds transactions waiting to be mined, oldest first.
type Mempool struct {
	mu debug.RWMutex

	config MempoolConfig

	entries []*MempoolEntry
	byID    map[string]*MempoolEntry
}

// NewMempool creates a new mempool
func NewMempool(cfg MempoolConfig) *Mempool {
	if cfg.MaxSize <= 0 || cfg.MaxSize > params.MaxPending {
		cfg.MaxSize = params.MaxPending
	}
	m := &Mempool{
		config: cfg,
		byID:   make(map[string]*MempoolEntry),
	}
	m.mu.SetName("mempool")
	return m
}

// Capacity returns the maximum number of pending transactions.
func (m *Mempool) Capacity() int {
	return m.config.MaxSize
}

// Add appends a transaction to the back of the queue.
func (m *Mempool) Add(tx Transaction) error {
	if err := tx.checkLimits(); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.config.MaxSize {
		return ErrMempoolFull
	}

	txID := tx.TxID()
	if _, exists := m.byID[txID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTx, shortHash(txID))
	}

	entry := &MempoolEntry{Tx: tx, TxID: txID, AddedAt: time.Now()}
	m.entries = append(m.entries, entry)
	m.byID[txID] = entry
	return nil
}

func clampBatch(maxPerBlock int) int {
	return min(max(maxPerBlock, 1), params.MaxTxPerBlock)
}

// nextBlockLocked builds an unmined block from the oldest n entries.
func (m *Mempool) nextBlockLocked(n int, tail *Block) *Block {
	txs := make([]Transaction, n)
	for i, entry := range m.entries[:n] {
		txs[i] = entry.Tx
	}
	return &Block{
		ID:           tail.ID + 1,
		Timestamp:    time.Now().Unix(),
		PrevHash:     tail.Hash,
		Transactions: txs,
	}
}

// Flush removes up to maxPerBlock of the oldest transactions and returns them
// in an unmined block that extends tail. maxPerBlock is clamped to
// [1, MaxTxPerBlock]. The remaining transactions keep their order.
func (m *Mempool) Flush(maxPerBlock int, tail *Block) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return nil, ErrEmptyMempool
	}
	n := min(clampBatch(maxPerBlock), len(m.entries))
	block := m.nextBlockLocked(n, tail)

	for _, entry := range m.entries[:n] {
		delete(m.byID, entry.TxID)
	}
	rest := make([]*MempoolEntry, len(m.entries)-n)
	copy(rest, m.entries[n:])
	m.entries = rest
	return block, nil
}

// Peek is Flush without the removal: the transactions stay pending, and
// visible to queries, until Remove is called for them.
func (m *Mempool) Peek(maxPerBlock int, tail *Block) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return nil, ErrEmptyMempool
	}
	return m.nextBlockLocked(min(clampBatch(maxPerBlock), len(m.entries)), tail), nil
}

// Remove drops the given transactions by id, keeping the order of the rest.
// It returns how many were pending.
func (m *Mempool) Remove(txs []Transaction) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for i := range txs {
		if _, ok := m.byID[txs[i].TxID()]; ok {
			delete(m.byID, txs[i].TxID())
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	kept := make([]*MempoolEntry, 0, len(m.entries)-removed)
	for _, entry := range m.entries {
		if _, ok := m.byID[entry.TxID]; ok {
			kept = append(kept, entry)
		}
	}
	m.entries = kept
	return removed
}

// Requeue puts transactions back at the front of the queue in their given
// order, e.g. after mining a flushed block failed. Transactions already
// pending are skipped. Entries that no longer fit are returned.
func (m *Mempool) Requeue(txs []Transaction) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	front := make([]*MempoolEntry, 0, len(txs))
	var dropped []Transaction
	now := time.Now()
	for _, tx := range txs {
		txID := tx.TxID()
		if _, exists := m.byID[txID]; exists {
			continue
		}
		if len(m.entries)+len(front) >= m.config.MaxSize {
			dropped = append(dropped, tx)
			continue
		}
		entry := &MempoolEntry{Tx: tx, TxID: txID, AddedAt: now}
		front = append(front, entry)
		m.byID[txID] = entry
	}

	m.entries = append(front, m.entries...)
	return dropped
}

// ConfirmPending marks the newest unconfirmed pending payment for invoiceID as
// confirmed. Pending transactions are not yet hashed, so this is an in-place
// change. A payment whose confirmed form is already pending is skipped, since
// both would share one id. It returns the updated transaction.
func (m *Mempool) ConfirmPending(invoiceID string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.entries) - 1; i >= 0; i-- {
		entry := m.entries[i]
		if entry.Tx.Type != TxPaymentMade || entry.Tx.InvoiceID != invoiceID || entry.Tx.Confirmed {
			continue
		}
		confirmed := entry.Tx
		confirmed.Confirmed = true
		newID := confirmed.TxID()
		if _, taken := m.byID[newID]; taken {
			// an identical confirmed payment is already pending
			continue
		}
		delete(m.byID, entry.TxID)
		entry.Tx = confirmed
		entry.TxID = newID
		m.byID[newID] = entry
		return entry.Tx, true
	}
	return Transaction{}, false
}

// HasTransaction checks if a transaction is pending
func (m *Mempool) HasTransaction(txID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.byID[txID]
	return exists
}

// Transactions returns copies of the pending transactions, oldest first.
func (m *Mempool) Transactions() []Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Transaction, len(m.entries))
	for i, entry := range m.entries {
		out[i] = entry.Tx
	}
	return out
}

// forEach calls fn for every pending transaction, oldest first.
func (m *Mempool) forEach(fn func(tx *Transaction)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.entries {
		fn(&entry.Tx)
	}
}

// Size returns the number of transactions in mempool
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Clear removes all transactions
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = nil
	m.byID = make(map[string]*MempoolEntry)
}

// MempoolStats summarizes the pending queue
type MempoolStats struct {
	Count    int       `json:"count"`
	Capacity int       `json:"capacity"`
	ByType   [4]int    `json:"by_type"`
	Oldest   time.Time `json:"oldest,omitempty"`
}

// Stats returns mempool statistics
func (m *Mempool) Stats() MempoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MempoolStats{
		Count:    len(m.entries),
		Capacity: m.config.MaxSize,
	}
	for _, entry := range m.entries {
		if entry.Tx.Type.Valid() {
			stats.ByType[entry.Tx.Type]++
		}
	}
	if len(m.entries) > 0 {
		stats.Oldest = m.entries[0].AddedAt
	}
	return stats
}

// MarshalJSON serializes mempool for debugging
func (m *Mempool) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data := struct {
		Count int      `json:"count"`
		TxIDs []string `json:"tx_ids"`
	}{
		Count: len(m.entries),
		TxIDs: make([]string, 0, len(m.entries)),
	}
	for _, entry := range m.entries {
		data.TxIDs = append(data.TxIDs, entry.TxID)
	}

	return json.Marshal(data)
}
