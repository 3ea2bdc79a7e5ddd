package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

// testDifficulty keeps mining fast in tests.
const testDifficulty = 1

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustCreateTestChain(t *testing.T, difficulty int) (*Chain, *Miner) {
	t.Helper()

	miner := NewMiner(DefaultMinerConfig())
	chain, err := NewChain(context.Background(), miner, difficulty)
	if err != nil {
		t.Fatalf("failed to create chain: %v", err)
	}
	return chain, miner
}

// mustMineBlock mines a block carrying txs on top of the chain tail and
// appends it.
func mustMineBlock(t *testing.T, chain *Chain, miner *Miner, txs ...Transaction) *Block {
	t.Helper()

	tail := chain.Tail()
	block := &Block{
		ID:           tail.ID + 1,
		Timestamp:    time.Now().Unix(),
		PrevHash:     tail.Hash,
		Transactions: txs,
	}
	if err := miner.Mine(context.Background(), block, chain.Difficulty()); err != nil {
		t.Fatalf("failed to mine block %d: %v", block.ID, err)
	}
	if err := chain.AddBlock(block); err != nil {
		t.Fatalf("failed to add block %d: %v", block.ID, err)
	}
	return block
}

func mustOpenTestLedger(t *testing.T, dataDir string) *Ledger {
	t.Helper()

	cfg := DefaultLedgerConfig()
	cfg.DataDir = dataDir
	cfg.Difficulty = testDifficulty
	cfg.Logger = quietLogger()

	l, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() {
		if err := l.Close(); err != nil {
			t.Errorf("failed to close ledger: %v", err)
		}
	})
	return l
}

func mustMinePending(t *testing.T, l *Ledger) *Block {
	t.Helper()

	block, err := l.MinePending(context.Background())
	if err != nil {
		t.Fatalf("failed to mine pending: %v", err)
	}
	return block
}

// testTx returns a distinct transaction for the given invoice.
func testTx(typ TxType, invoiceID string, amount Amount, eventTime int64) Transaction {
	return Transaction{
		Type:      typ,
		StudentID: "STU-001",
		InvoiceID: invoiceID,
		Amount:    amount,
		Balance:   amount,
		Reference: "test",
		EventTime: eventTime,
		Confirmed: typ != TxPaymentMade,
	}
}
