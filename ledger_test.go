package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"feeledger/protocol/params"
)

func mustCreateInvoice(t *testing.T, l *Ledger, invoiceID string, amount Amount) Transaction {
	t.Helper()
	tx, err := l.CreateInvoice("STU-001", invoiceID, amount, "")
	if err != nil {
		t.Fatalf("failed to create invoice %s: %v", invoiceID, err)
	}
	return tx
}

func mustRecordPayment(t *testing.T, l *Ledger, invoiceID string, amount Amount) Transaction {
	t.Helper()
	tx, err := l.RecordPayment(invoiceID, amount, "")
	if err != nil {
		t.Fatalf("failed to record payment on %s: %v", invoiceID, err)
	}
	return tx
}

func assertBalance(t *testing.T, l *Ledger, invoiceID string, want Amount) {
	t.Helper()
	got, ok := l.Balance(invoiceID)
	if !ok {
		t.Fatalf("invoice %s not found", invoiceID)
	}
	if got != want {
		t.Fatalf("balance of %s = %s, want %s", invoiceID, got, want)
	}
}

func TestOpen_CreatesAndPersistsGenesis(t *testing.T) {
	dir := t.TempDir()
	l := mustOpenTestLedger(t, dir)

	if l.Chain().Length() != 1 || l.Mempool().Size() != 0 {
		t.Fatalf("unexpected fresh ledger: blocks=%d pending=%d", l.Chain().Length(), l.Mempool().Size())
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultChainFilename)); err != nil {
		t.Fatalf("genesis not persisted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultPendingFilename)); err != nil {
		t.Fatalf("pool not persisted: %v", err)
	}
}

func TestCreateInvoice_Defaults(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	tx := mustCreateInvoice(t, l, "INV-001", 100000)

	if tx.Type != TxInvoiceCreate || tx.Balance != tx.Amount || !tx.Confirmed {
		t.Fatalf("unexpected invoice tx: %+v", tx)
	}
	if tx.Reference != DefaultInvoiceReference {
		t.Fatalf("reference = %q, want default", tx.Reference)
	}
	if tx.EventTime == 0 {
		t.Fatalf("event time not set")
	}
	if !l.InvoiceExists("INV-001") || l.InvoiceStatus("INV-001") != StatusOutstanding {
		t.Fatalf("pending invoice not visible")
	}
}

func TestCreateInvoice_Rejections(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	mustCreateInvoice(t, l, "INV-001", 100000)

	if _, err := l.CreateInvoice("STU-002", "INV-001", 5000, ""); !errors.Is(err, ErrInvoiceExists) {
		t.Fatalf("expected ErrInvoiceExists, got %v", err)
	}
	if _, err := l.CreateInvoice("S!", "INV-002", 5000, ""); err == nil {
		t.Fatalf("expected invalid student id to be rejected")
	}
	if _, err := l.CreateInvoice("STU-001", "INV-002", 0, ""); err == nil {
		t.Fatalf("expected zero amount to be rejected")
	}
	if l.Mempool().Size() != 1 {
		t.Fatalf("rejected invoices were queued: pending=%d", l.Mempool().Size())
	}
}

func TestRecordPayment_BalanceTracking(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	mustCreateInvoice(t, l, "INV-001", 100000)

	tx := mustRecordPayment(t, l, "INV-001", 60000)
	if tx.Balance != 40000 || tx.Confirmed || tx.StudentID != "STU-001" || tx.Reference != DefaultPaymentReference {
		t.Fatalf("unexpected payment tx: %+v", tx)
	}
	assertBalance(t, l, "INV-001", 40000)

	// Balance is the same whether the events are pending or mined
	mustMinePending(t, l)
	assertBalance(t, l, "INV-001", 40000)
}

func TestRecordPayment_Rejections(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	mustCreateInvoice(t, l, "INV-001", 100000)

	if _, err := l.RecordPayment("INV-404", 100, ""); !errors.Is(err, ErrUnknownInvoice) {
		t.Fatalf("expected ErrUnknownInvoice, got %v", err)
	}
	if _, err := l.RecordPayment("INV-001", 100001, ""); !errors.Is(err, ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
	if _, ok := l.Balance("INV-404"); ok {
		t.Fatalf("unknown invoice reported a balance")
	}
	assertBalance(t, l, "INV-001", 100000)
}

func TestInvoiceLifecycle_ConfirmAndSettle(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	mustCreateInvoice(t, l, "INV-001", 100000)
	first := mustRecordPayment(t, l, "INV-001", 60000)
	mustMinePending(t, l)

	// Mined payment: confirmation is a new event, the block is not edited
	res, err := l.ConfirmPayment("INV-001")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if !res.Mined || res.BlockID != 1 || res.SettleQueued {
		t.Fatalf("unexpected confirm result: %+v", res)
	}
	pending := l.Mempool().Transactions()
	if len(pending) != 1 || pending[0].Type != TxPaymentConfirm || pending[0].Reference != first.TxID() {
		t.Fatalf("expected PAYMENT_CONFIRM referencing the payment, got %+v", pending)
	}
	if l.Chain().BlockAt(1).Transactions[1].Confirmed {
		t.Fatalf("mined payment was modified in place")
	}
	if _, err := l.ConfirmPayment("INV-001"); !errors.Is(err, ErrNoUnconfirmedPayment) {
		t.Fatalf("expected ErrNoUnconfirmedPayment, got %v", err)
	}

	// Pending payment that clears the balance: confirmed in place, settle queued
	mustRecordPayment(t, l, "INV-001", 40000)
	if got := l.InvoiceStatus("INV-001"); got != StatusCleared {
		t.Fatalf("status = %s, want %s", got, StatusCleared)
	}
	res, err = l.ConfirmPayment("INV-001")
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if res.Mined || !res.SettleQueued || !res.Payment.Confirmed {
		t.Fatalf("unexpected confirm result: %+v", res)
	}

	block := mustMinePending(t, l)
	if len(block.Transactions) != 3 || block.Transactions[2].Type != TxInvoiceSettle {
		t.Fatalf("unexpected settlement block: %+v", block.Transactions)
	}
	if settle := block.Transactions[2]; settle.Amount != 0 || settle.Balance != 0 || settle.Reference != AutoSettleReference {
		t.Fatalf("unexpected settle tx: %+v", settle)
	}
	if got := l.InvoiceStatus("INV-001"); got != StatusSettled {
		t.Fatalf("status = %s, want %s", got, StatusSettled)
	}
	if _, err := l.RecordPayment("INV-001", 1, ""); !errors.Is(err, ErrInvoiceSettled) {
		t.Fatalf("expected ErrInvoiceSettled, got %v", err)
	}

	history := l.InvoiceHistory("INV-001")
	if len(history) != 5 {
		t.Fatalf("expected 5 events, got %d", len(history))
	}
	for i, ev := range history {
		if ev.Pending || !ev.Confirmed {
			t.Fatalf("event %d (%s) not mined and confirmed: %+v", i, ev.Tx.Type, ev)
		}
	}
	if !l.Verify().Valid {
		t.Fatalf("chain failed verification")
	}
}

func TestConfirmPayment_DoesNotDoubleSettle(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	mustCreateInvoice(t, l, "INV-001", 1000)
	mustRecordPayment(t, l, "INV-001", 1000)
	mustMinePending(t, l)

	// Confirming the mined payment queues the settle
	res, err := l.ConfirmPayment("INV-001")
	if err != nil || !res.SettleQueued {
		t.Fatalf("expected settle queued, got %+v err=%v", res, err)
	}

	if !l.settlePending("INV-001") {
		t.Fatalf("settle not pending")
	}
	if _, err := l.ConfirmPayment("INV-001"); !errors.Is(err, ErrNoUnconfirmedPayment) {
		t.Fatalf("expected ErrNoUnconfirmedPayment, got %v", err)
	}
	settles := 0
	for _, tx := range l.Mempool().Transactions() {
		if tx.Type == TxInvoiceSettle {
			settles++
		}
	}
	if settles != 1 {
		t.Fatalf("expected 1 pending settle, got %d", settles)
	}
}

func TestMinePending_CancelLeavesPoolIntact(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	mustCreateInvoice(t, l, "INV-001", 1000)
	mustCreateInvoice(t, l, "INV-002", 2000)
	before := l.Mempool().Transactions()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.MinePending(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	after := l.Mempool().Transactions()
	if len(after) != len(before) || after[0] != before[0] || after[1] != before[1] {
		t.Fatalf("pool changed by cancelled mining: %+v", after)
	}
	if l.Chain().Length() != 1 {
		t.Fatalf("chain grew after cancelled mining")
	}
}

// mustOpenSlowLedger opens a ledger whose stored chain demands the maximum
// difficulty, so mining runs until cancelled. The genesis is not mined.
func mustOpenSlowLedger(t *testing.T) *Ledger {
	t.Helper()

	dir := t.TempDir()
	genesis := &Block{
		ID:           0,
		Timestamp:    1,
		PrevHash:     GenesisPrevHash,
		Hash:         strings.Repeat("0", params.HashHexLen),
		Transactions: []Transaction{},
	}
	chain, err := restoreChain(params.MaxDifficulty, []*Block{genesis})
	if err != nil {
		t.Fatalf("failed to build chain: %v", err)
	}
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := fs.SaveChain(chain); err != nil {
		t.Fatalf("failed to save chain: %v", err)
	}
	fs.Close()

	return mustOpenTestLedger(t, dir)
}

func TestMinePending_PendingVisibleWhileMining(t *testing.T) {
	l := mustOpenSlowLedger(t)
	mustCreateInvoice(t, l, "INV-001", 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := l.MinePending(ctx)
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !l.Miner().IsRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("miner never started")
		}
		time.Sleep(time.Millisecond)
	}

	if !l.InvoiceExists("INV-001") {
		t.Fatalf("invoice vanished while its block was being mined")
	}
	assertBalance(t, l, "INV-001", 1000)
	if n := l.Mempool().Size(); n != 1 {
		t.Fatalf("expected 1 pending during mining, got %d", n)
	}
	if events := l.InvoiceHistory("INV-001"); len(events) != 1 || !events[0].Pending {
		t.Fatalf("unexpected history during mining: %+v", events)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("mining did not stop after cancel")
	}

	assertBalance(t, l, "INV-001", 1000)
	if l.Mempool().Size() != 1 || l.Chain().Length() != 1 {
		t.Fatalf("cancelled mining changed state: pending=%d blocks=%d", l.Mempool().Size(), l.Chain().Length())
	}
}

func TestMinePending_RemovesMinedFromPool(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	mustCreateInvoice(t, l, "INV-001", 1000)
	mustCreateInvoice(t, l, "INV-002", 2000)

	block := mustMinePending(t, l)
	if len(block.Transactions) != 2 || l.Mempool().Size() != 0 {
		t.Fatalf("expected both transactions mined and removed: txs=%d pending=%d",
			len(block.Transactions), l.Mempool().Size())
	}
	if events := l.InvoiceHistory("INV-001"); len(events) != 1 || events[0].Pending {
		t.Fatalf("expected one mined event, got %+v", events)
	}
}

func TestSubmit_RejectsControlBytes(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	tx := testTx(TxInvoiceCreate, "INV-001", 1000, 1)
	tx.Reference = "fee\x00term2"
	if err := l.Submit(tx); err == nil {
		t.Fatalf("expected reference with NUL to be rejected")
	}
	if l.Mempool().Size() != 0 {
		t.Fatalf("rejected transaction was queued")
	}
}

func TestMinePending_Empty(t *testing.T) {
	l := mustOpenTestLedger(t, t.TempDir())
	if _, err := l.MinePending(context.Background()); !errors.Is(err, ErrEmptyMempool) {
		t.Fatalf("expected ErrEmptyMempool, got %v", err)
	}
}

func TestLedger_ReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	l := mustOpenTestLedger(t, dir)
	mustCreateInvoice(t, l, "INV-001", 100000)
	mustMinePending(t, l)
	mustRecordPayment(t, l, "INV-001", 25000)
	if err := l.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	tail := l.Chain().Tail().Hash

	// Ask for another difficulty; the stored one wins
	cfg := DefaultLedgerConfig()
	cfg.DataDir = dir
	cfg.Difficulty = 3
	cfg.Logger = quietLogger()
	reopened, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Chain().Length() != 2 || reopened.Chain().Tail().Hash != tail {
		t.Fatalf("chain not restored")
	}
	if reopened.Chain().Difficulty() != testDifficulty {
		t.Fatalf("difficulty = %d, want stored %d", reopened.Chain().Difficulty(), testDifficulty)
	}
	if reopened.Mempool().Size() != 1 {
		t.Fatalf("pending pool not restored: %d", reopened.Mempool().Size())
	}
	assertBalance(t, reopened, "INV-001", 75000)
}

func TestOpen_CorruptChain(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultChainFilename), []byte("garbage"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg := DefaultLedgerConfig()
	cfg.DataDir = dir
	cfg.Difficulty = testDifficulty
	cfg.Logger = quietLogger()
	if _, err := Open(context.Background(), cfg); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData, got %v", err)
	}

	cfg.ResetCorrupt = true
	l, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open with reset failed: %v", err)
	}
	defer l.Close()
	if l.Chain().Length() != 1 || !l.Verify().Valid {
		t.Fatalf("expected fresh valid chain after reset")
	}
}

func TestLedger_BoltStore(t *testing.T) {
	dir := t.TempDir()
	open := func() *Ledger {
		store, err := NewBoltStore(dir)
		if err != nil {
			t.Fatalf("failed to open bolt store: %v", err)
		}
		cfg := DefaultLedgerConfig()
		cfg.Store = store
		cfg.Difficulty = testDifficulty
		cfg.Logger = quietLogger()
		l, err := Open(context.Background(), cfg)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		return l
	}

	l := open()
	mustCreateInvoice(t, l, "INV-001", 5000)
	mustMinePending(t, l)
	if err := l.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	l = open()
	defer l.Close()
	if l.Chain().Length() != 2 {
		t.Fatalf("expected 2 blocks, got %d", l.Chain().Length())
	}
	assertBalance(t, l, "INV-001", 5000)
}
