package main

import (
	"errors"
	"fmt"
	"time"
)

// Default references used when the user leaves the note empty
const (
	DefaultInvoiceReference = "ALU Tuition Invoice"
	DefaultPaymentReference = "PAYMENT"
	AutoSettleReference     = "AUTO-SETTLE"
)

var (
	ErrInvoiceExists        = errors.New("invoice already exists")
	ErrUnknownInvoice       = errors.New("invoice not found")
	ErrInvoiceSettled       = errors.New("invoice is already fully settled")
	ErrOverpayment          = errors.New("payment exceeds outstanding balance")
	ErrNoUnconfirmedPayment = errors.New("no unconfirmed payment")
)

// InvoiceStatus summarizes where an invoice stands.
type InvoiceStatus int

const (
	StatusUnknown     InvoiceStatus = iota
	StatusOutstanding               // balance above zero
	StatusCleared                   // balance zero, settlement not yet mined
	StatusSettled                   // INVOICE_SETTLE on chain
)

func (s InvoiceStatus) String() string {
	switch s {
	case StatusOutstanding:
		return "OUTSTANDING"
	case StatusCleared:
		return "CLEARED (mine to settle)"
	case StatusSettled:
		return "SETTLED"
	default:
		return "UNKNOWN"
	}
}

// InvoiceEvent is one transaction touching an invoice.
type InvoiceEvent struct {
	Tx      Transaction
	BlockID uint32 // meaningful only when Pending is false
	Pending bool
	// Confirmed is true when the event itself is confirmed or, for a mined
	// payment, when a PAYMENT_CONFIRM references it
	Confirmed bool
}

// ============================================================================
// Queries
// ============================================================================

// Balance returns the latest recorded balance of an invoice, scanning the
// chain then the pool. INVOICE_CREATE sets it to the amount; PAYMENT_MADE and
// INVOICE_SETTLE set it to their balance. ok is false when no INVOICE_CREATE
// exists.
func (l *Ledger) Balance(invoiceID string) (balance Amount, ok bool) {
	apply := func(tx *Transaction) {
		if tx.InvoiceID != invoiceID {
			return
		}
		switch tx.Type {
		case TxInvoiceCreate:
			balance = tx.Amount
			ok = true
		case TxPaymentMade, TxInvoiceSettle:
			balance = tx.Balance
		}
	}
	l.chain.forEachTx(func(_ *Block, tx *Transaction) { apply(tx) })
	l.mempool.forEach(apply)

	if !ok {
		return 0, false
	}
	return balance, true
}

// InvoiceExists reports whether an INVOICE_CREATE for the id is on chain or
// pending.
func (l *Ledger) InvoiceExists(invoiceID string) bool {
	_, ok := l.StudentForInvoice(invoiceID)
	return ok
}

// InvoiceSettled reports whether an INVOICE_SETTLE for the id is on chain.
func (l *Ledger) InvoiceSettled(invoiceID string) bool {
	settled := false
	l.chain.forEachTx(func(_ *Block, tx *Transaction) {
		if tx.Type == TxInvoiceSettle && tx.InvoiceID == invoiceID {
			settled = true
		}
	})
	return settled
}

// StudentForInvoice returns the student the invoice was issued to.
func (l *Ledger) StudentForInvoice(invoiceID string) (string, bool) {
	var student string
	found := false
	match := func(tx *Transaction) {
		if !found && tx.Type == TxInvoiceCreate && tx.InvoiceID == invoiceID {
			student = tx.StudentID
			found = true
		}
	}
	l.chain.forEachTx(func(_ *Block, tx *Transaction) { match(tx) })
	l.mempool.forEach(match)
	return student, found
}

// InvoiceStatus classifies an invoice.
func (l *Ledger) InvoiceStatus(invoiceID string) InvoiceStatus {
	balance, ok := l.Balance(invoiceID)
	switch {
	case !ok:
		return StatusUnknown
	case l.InvoiceSettled(invoiceID):
		return StatusSettled
	case balance == 0:
		return StatusCleared
	default:
		return StatusOutstanding
	}
}

// InvoiceHistory lists every event for an invoice, mined events first in
// chain order followed by pending ones.
func (l *Ledger) InvoiceHistory(invoiceID string) []InvoiceEvent {
	confirmedRefs := l.confirmationRefs()

	var events []InvoiceEvent
	l.chain.forEachTx(func(b *Block, tx *Transaction) {
		if tx.InvoiceID != invoiceID {
			return
		}
		ev := InvoiceEvent{Tx: *tx, BlockID: b.ID, Confirmed: tx.Confirmed}
		if tx.Type == TxPaymentMade && !tx.Confirmed {
			ev.Confirmed = confirmedRefs[tx.TxID()]
		}
		events = append(events, ev)
	})
	l.mempool.forEach(func(tx *Transaction) {
		if tx.InvoiceID != invoiceID {
			return
		}
		events = append(events, InvoiceEvent{Tx: *tx, Pending: true, Confirmed: tx.Confirmed})
	})
	return events
}

// confirmationRefs collects the payment ids referenced by PAYMENT_CONFIRM
// events on chain or pending.
func (l *Ledger) confirmationRefs() map[string]bool {
	refs := make(map[string]bool)
	collect := func(tx *Transaction) {
		if tx.Type == TxPaymentConfirm {
			refs[tx.Reference] = true
		}
	}
	l.chain.forEachTx(func(_ *Block, tx *Transaction) { collect(tx) })
	l.mempool.forEach(collect)
	return refs
}

// ============================================================================
// Commands
// ============================================================================

// CreateInvoice queues an INVOICE_CREATE. The opening balance equals the
// amount and the event is confirmed. An empty reference becomes the default
// invoice note.
func (l *Ledger) CreateInvoice(studentID, invoiceID string, amount Amount, reference string) (Transaction, error) {
	if err := ValidateStudentID(studentID); err != nil {
		return Transaction{}, err
	}
	if err := ValidateInvoiceID(invoiceID); err != nil {
		return Transaction{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return Transaction{}, err
	}
	if reference == "" {
		reference = DefaultInvoiceReference
	}
	if err := ValidateReference(reference); err != nil {
		return Transaction{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.InvoiceExists(invoiceID) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrInvoiceExists, invoiceID)
	}

	tx := Transaction{
		Type:      TxInvoiceCreate,
		StudentID: studentID,
		InvoiceID: invoiceID,
		Amount:    amount,
		Balance:   amount,
		Reference: reference,
		EventTime: time.Now().Unix(),
		Confirmed: true,
	}
	if err := l.submitLocked(tx); err != nil {
		return Transaction{}, err
	}
	l.log.Info("invoice created", "invoice", invoiceID, "student", studentID, "amount", amount.String())
	return tx, nil
}

// RecordPayment queues an unconfirmed PAYMENT_MADE against an existing,
// unsettled invoice. The recorded balance is the current balance minus the
// payment.
func (l *Ledger) RecordPayment(invoiceID string, amount Amount, reference string) (Transaction, error) {
	if err := ValidateInvoiceID(invoiceID); err != nil {
		return Transaction{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return Transaction{}, err
	}
	if reference == "" {
		reference = DefaultPaymentReference
	}
	if err := ValidateReference(reference); err != nil {
		return Transaction{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	student, ok := l.StudentForInvoice(invoiceID)
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownInvoice, invoiceID)
	}
	if l.InvoiceSettled(invoiceID) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrInvoiceSettled, invoiceID)
	}
	balance, _ := l.Balance(invoiceID)
	if amount > balance {
		return Transaction{}, fmt.Errorf("%w: paying %s against %s", ErrOverpayment, amount, balance)
	}

	tx := Transaction{
		Type:      TxPaymentMade,
		StudentID: student,
		InvoiceID: invoiceID,
		Amount:    amount,
		Balance:   balance - amount,
		Reference: reference,
		EventTime: time.Now().Unix(),
		Confirmed: false,
	}
	if err := l.submitLocked(tx); err != nil {
		return Transaction{}, err
	}
	l.log.Info("payment recorded", "invoice", invoiceID, "amount", amount.String(), "balance", tx.Balance.String())
	return tx, nil
}

// ConfirmResult describes what ConfirmPayment did.
type ConfirmResult struct {
	Payment Transaction
	BlockID uint32 // block holding the payment when Mined is true
	Mined   bool
	// SettleQueued is true when the confirmation cleared the balance and an
	// INVOICE_SETTLE was queued
	SettleQueued bool
}

// ConfirmPayment confirms the most recent unconfirmed payment for an
// invoice. A mined payment is confirmed by queuing a PAYMENT_CONFIRM that
// references its id; mined blocks are never modified. Otherwise a pending
// payment is confirmed in place. A confirmed payment that left a zero
// balance also queues an INVOICE_SETTLE.
func (l *Ledger) ConfirmPayment(invoiceID string) (ConfirmResult, error) {
	if err := ValidateInvoiceID(invoiceID); err != nil {
		return ConfirmResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var res ConfirmResult
	if payment, blockID, ok := l.latestUnconfirmedMined(invoiceID); ok {
		confirm := Transaction{
			Type:      TxPaymentConfirm,
			StudentID: payment.StudentID,
			InvoiceID: payment.InvoiceID,
			Amount:    payment.Amount,
			Balance:   payment.Balance,
			Reference: payment.TxID(),
			EventTime: time.Now().Unix(),
			Confirmed: true,
		}
		if err := l.submitLocked(confirm); err != nil {
			return ConfirmResult{}, err
		}
		payment.Confirmed = true
		res = ConfirmResult{Payment: payment, BlockID: blockID, Mined: true}
	} else if payment, ok := l.mempool.ConfirmPending(invoiceID); ok {
		res = ConfirmResult{Payment: payment}
	} else {
		return ConfirmResult{}, fmt.Errorf("%w for invoice %s", ErrNoUnconfirmedPayment, invoiceID)
	}

	l.log.Info("payment confirmed", "invoice", invoiceID, "mined", res.Mined, "balance", res.Payment.Balance.String())

	if res.Payment.Balance == 0 && !l.InvoiceSettled(invoiceID) && !l.settlePending(invoiceID) {
		settle := Transaction{
			Type:      TxInvoiceSettle,
			StudentID: res.Payment.StudentID,
			InvoiceID: invoiceID,
			Amount:    0,
			Balance:   0,
			Reference: AutoSettleReference,
			EventTime: time.Now().Unix(),
			Confirmed: true,
		}
		if err := l.submitLocked(settle); err != nil {
			return res, fmt.Errorf("payment confirmed but settlement not queued: %w", err)
		}
		res.SettleQueued = true
		l.log.Info("settlement queued", "invoice", invoiceID)
	}
	return res, nil
}

// latestUnconfirmedMined finds the newest mined PAYMENT_MADE for the invoice
// that is unconfirmed and not yet referenced by a PAYMENT_CONFIRM.
func (l *Ledger) latestUnconfirmedMined(invoiceID string) (Transaction, uint32, bool) {
	refs := l.confirmationRefs()

	var payment Transaction
	var blockID uint32
	found := false
	l.chain.forEachTx(func(b *Block, tx *Transaction) {
		if tx.Type != TxPaymentMade || tx.InvoiceID != invoiceID || tx.Confirmed {
			return
		}
		if refs[tx.TxID()] {
			return
		}
		payment, blockID, found = *tx, b.ID, true
	})
	return payment, blockID, found
}

func (l *Ledger) settlePending(invoiceID string) bool {
	pending := false
	l.mempool.forEach(func(tx *Transaction) {
		if tx.Type == TxInvoiceSettle && tx.InvoiceID == invoiceID {
			pending = true
		}
	})
	return pending
}
