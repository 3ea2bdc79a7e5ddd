package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"feeledger/protocol/params"

	"golang.org/x/crypto/sha3"
)

// TxType tags what a ledger event records. The numeric values are part of the
// block hash preimage and of the on-disk format.
type TxType int32

const (
	TxInvoiceCreate  TxType = 0
	TxPaymentMade    TxType = 1
	TxPaymentConfirm TxType = 2
	TxInvoiceSettle  TxType = 3
)

func (t TxType) String() string {
	switch t {
	case TxInvoiceCreate:
		return "INVOICE_CREATE"
	case TxPaymentMade:
		return "PAYMENT_MADE"
	case TxPaymentConfirm:
		return "PAYMENT_CONFIRM"
	case TxInvoiceSettle:
		return "INVOICE_SETTLE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is one of the known event types.
func (t TxType) Valid() bool {
	return t >= TxInvoiceCreate && t <= TxInvoiceSettle
}

// Transaction is a single invoice or payment event.
type Transaction struct {
	Type      TxType `json:"type"`
	StudentID string `json:"student_id"`
	InvoiceID string `json:"invoice_id"`
	Amount    Amount `json:"amount"`
	Balance   Amount `json:"balance"`
	Reference string `json:"reference"`
	EventTime int64  `json:"event_time"` // Unix seconds
	Confirmed bool   `json:"confirmed"`
}

// appendPreimage appends the transaction's fragment of the block hash
// preimage: TX<type>:<student>:<invoice>:<amount>:<balance>:<reference>:<confirmed>
func (tx *Transaction) appendPreimage(buf []byte) []byte {
	buf = append(buf, "TX"...)
	buf = strconv.AppendInt(buf, int64(tx.Type), 10)
	buf = append(buf, ':')
	buf = append(buf, tx.StudentID...)
	buf = append(buf, ':')
	buf = append(buf, tx.InvoiceID...)
	buf = append(buf, ':')
	buf = append(buf, tx.Amount.String()...)
	buf = append(buf, ':')
	buf = append(buf, tx.Balance.String()...)
	buf = append(buf, ':')
	buf = append(buf, tx.Reference...)
	buf = append(buf, ':')
	if tx.Confirmed {
		buf = append(buf, '1')
	} else {
		buf = append(buf, '0')
	}
	return buf
}

// TxID returns the SHA3-256 identifier of the transaction as lowercase hex.
// It covers every field, the event time included, so two otherwise equal
// payments made at different times have different ids.
func (tx *Transaction) TxID() string {
	buf := tx.appendPreimage(make([]byte, 0, 256))
	buf = append(buf, '@')
	buf = strconv.AppendInt(buf, tx.EventTime, 10)
	sum := sha3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// checkLimits rejects transactions that cannot be stored losslessly in the
// fixed-width record layout.
func (tx *Transaction) checkLimits() error {
	if !tx.Type.Valid() {
		return fmt.Errorf("unknown transaction type %d", tx.Type)
	}
	if len(tx.StudentID) >= params.StudentIDLen {
		return fmt.Errorf("student id too long: %d >= %d", len(tx.StudentID), params.StudentIDLen)
	}
	if len(tx.InvoiceID) >= params.InvoiceIDLen {
		return fmt.Errorf("invoice id too long: %d >= %d", len(tx.InvoiceID), params.InvoiceIDLen)
	}
	if len(tx.Reference) > params.ReferenceLen {
		return fmt.Errorf("reference too long: %d > %d", len(tx.Reference), params.ReferenceLen)
	}
	for _, f := range [...]struct{ name, val string }{
		{"student id", tx.StudentID},
		{"invoice id", tx.InvoiceID},
		{"reference", tx.Reference},
	} {
		if i := strings.IndexFunc(f.val, isControlByte); i >= 0 {
			return fmt.Errorf("%s has control byte 0x%02x at %d", f.name, f.val[i], i)
		}
	}
	return nil
}

// isControlByte matches ASCII control characters. Records are NUL-padded, so
// a NUL inside a field would not survive a save.
func isControlByte(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// ============================================================================
// Input validation
// ============================================================================

// ValidateStudentID checks a student id: 3 to 31 characters of letters,
// digits, '-' and '_'.
func ValidateStudentID(s string) error {
	return validateIdentifier("student id", s, params.StudentIDLen)
}

// ValidateInvoiceID checks an invoice id with the same rules as student ids.
func ValidateInvoiceID(s string) error {
	return validateIdentifier("invoice id", s, params.InvoiceIDLen)
}

func validateIdentifier(what, s string, fieldLen int) error {
	if len(s) < 3 || len(s) >= fieldLen {
		return fmt.Errorf("%s must be 3-%d characters", what, fieldLen-1)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%s may only contain letters, digits, '-' and '_'", what)
		}
	}
	return nil
}

// ValidateAmount requires a strictly positive amount below MaxAmount.
func ValidateAmount(a Amount) error {
	if a == 0 {
		return fmt.Errorf("amount must be positive")
	}
	if a >= MaxAmount {
		return fmt.Errorf("amount must be below %s", MaxAmount)
	}
	return nil
}

// ValidateReference bounds free-text references to the stored field width.
func ValidateReference(s string) error {
	if len(s) > params.ReferenceLen {
		return fmt.Errorf("reference must be at most %d bytes", params.ReferenceLen)
	}
	return nil
}
