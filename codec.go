package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"feeledger/protocol/params"
)

// ErrCorruptData is returned when persisted state is truncated or holds
// values no valid ledger could have written.
var ErrCorruptData = errors.New("corrupt ledger data")

// Fixed record layout (little-endian, packed):
//
//	TxRecord    int32 type | [32]student | [32]invoice | int64 amount |
//	            int64 balance | [64]reference | int64 event_time | int32 confirmed
//	BlockRecord uint32 id | int64 timestamp | [65]prev_hash | [65]hash |
//	            uint64 nonce | int32 tx_count | MaxTxPerBlock x TxRecord
//	chain file  int32 difficulty | int32 length | length x BlockRecord
//	pool file   int32 count | count x TxRecord
const (
	TxRecordSize    = 4 + params.StudentIDLen + params.InvoiceIDLen + 8 + 8 + params.ReferenceLen + 8 + 4
	BlockRecordSize = 4 + 8 + params.HashFieldLen + params.HashFieldLen + 8 + 4 + params.MaxTxPerBlock*TxRecordSize

	chainHeaderSize = 8
	poolHeaderSize  = 4
)

// ChainSnapshot is the persisted form of a chain.
type ChainSnapshot struct {
	Difficulty int
	Blocks     []*Block
}

// ============================================================================
// Fixed-width fields
// ============================================================================

// putField copies s into dst, truncating to the field width and NUL-padding
// the rest. dst must be zeroed.
func putField(dst []byte, s string) {
	copy(dst, s)
}

// getField reads a NUL-padded string field.
func getField(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}

// clampCount bounds a stored element count to [0, max].
func clampCount(n int32, max int) int {
	if n < 0 {
		return 0
	}
	if int(n) > max {
		return max
	}
	return int(n)
}

// ============================================================================
// Records
// ============================================================================

// putTxRecord writes tx into a zeroed TxRecordSize buffer.
func putTxRecord(buf []byte, tx *Transaction) {
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(tx.Type))
	off += 4
	putField(buf[off:off+params.StudentIDLen], tx.StudentID)
	off += params.StudentIDLen
	putField(buf[off:off+params.InvoiceIDLen], tx.InvoiceID)
	off += params.InvoiceIDLen
	binary.LittleEndian.PutUint64(buf[off:], uint64(tx.Amount))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(tx.Balance))
	off += 8
	putField(buf[off:off+params.ReferenceLen], tx.Reference)
	off += params.ReferenceLen
	binary.LittleEndian.PutUint64(buf[off:], uint64(tx.EventTime))
	off += 8
	if tx.Confirmed {
		binary.LittleEndian.PutUint32(buf[off:], 1)
	}
}

func getTxRecord(buf []byte) Transaction {
	var tx Transaction
	off := 0
	tx.Type = TxType(int32(binary.LittleEndian.Uint32(buf[off:])))
	off += 4
	tx.StudentID = getField(buf[off : off+params.StudentIDLen])
	off += params.StudentIDLen
	tx.InvoiceID = getField(buf[off : off+params.InvoiceIDLen])
	off += params.InvoiceIDLen
	tx.Amount = Amount(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	tx.Balance = Amount(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	tx.Reference = getField(buf[off : off+params.ReferenceLen])
	off += params.ReferenceLen
	tx.EventTime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	tx.Confirmed = binary.LittleEndian.Uint32(buf[off:]) != 0
	return tx
}

// putBlockRecord writes b into a zeroed BlockRecordSize buffer. Transactions
// beyond MaxTxPerBlock are not stored.
func putBlockRecord(buf []byte, b *Block) {
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], b.ID)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(b.Timestamp))
	off += 8
	putField(buf[off:off+params.HashHexLen], b.PrevHash)
	off += params.HashFieldLen
	putField(buf[off:off+params.HashHexLen], b.Hash)
	off += params.HashFieldLen
	binary.LittleEndian.PutUint64(buf[off:], b.Nonce)
	off += 8

	n := len(b.Transactions)
	if n > params.MaxTxPerBlock {
		n = params.MaxTxPerBlock
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(n))
	off += 4
	for i := 0; i < n; i++ {
		putTxRecord(buf[off:off+TxRecordSize], &b.Transactions[i])
		off += TxRecordSize
	}
}

func getBlockRecord(buf []byte) *Block {
	b := &Block{}
	off := 0
	b.ID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	b.Timestamp = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	b.PrevHash = getField(buf[off : off+params.HashFieldLen])
	off += params.HashFieldLen
	b.Hash = getField(buf[off : off+params.HashFieldLen])
	off += params.HashFieldLen
	b.Nonce = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	n := clampCount(int32(binary.LittleEndian.Uint32(buf[off:])), params.MaxTxPerBlock)
	off += 4
	b.Transactions = make([]Transaction, n)
	for i := 0; i < n; i++ {
		b.Transactions[i] = getTxRecord(buf[off : off+TxRecordSize])
		off += TxRecordSize
	}
	return b
}

// ============================================================================
// Chain and pool files
// ============================================================================

// EncodeChain writes the chain file layout to w.
func EncodeChain(w io.Writer, snap ChainSnapshot) error {
	if len(snap.Blocks) > params.MaxBlocks {
		return ErrChainFull
	}

	header := make([]byte, chainHeaderSize)
	binary.LittleEndian.PutUint32(header[0:], uint32(int32(snap.Difficulty)))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(snap.Blocks)))
	if _, err := w.Write(header); err != nil {
		return err
	}

	rec := make([]byte, BlockRecordSize)
	for _, b := range snap.Blocks {
		clear(rec)
		putBlockRecord(rec, b)
		if _, err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// DecodeChain reads the chain file layout from r. A stored length above
// MaxBlocks is clamped; missing bytes or an impossible difficulty yield
// ErrCorruptData.
func DecodeChain(r io.Reader) (ChainSnapshot, error) {
	header := make([]byte, chainHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return ChainSnapshot{}, fmt.Errorf("%w: chain header: %v", ErrCorruptData, err)
	}

	difficulty := int(int32(binary.LittleEndian.Uint32(header[0:])))
	if difficulty < params.MinDifficulty || difficulty > params.MaxDifficulty {
		return ChainSnapshot{}, fmt.Errorf("%w: difficulty %d out of range", ErrCorruptData, difficulty)
	}
	length := clampCount(int32(binary.LittleEndian.Uint32(header[4:])), params.MaxBlocks)
	if length == 0 {
		return ChainSnapshot{}, fmt.Errorf("%w: chain has no blocks", ErrCorruptData)
	}

	snap := ChainSnapshot{Difficulty: difficulty, Blocks: make([]*Block, 0, length)}
	rec := make([]byte, BlockRecordSize)
	for i := 0; i < length; i++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return ChainSnapshot{}, fmt.Errorf("%w: block record %d: %v", ErrCorruptData, i, err)
		}
		snap.Blocks = append(snap.Blocks, getBlockRecord(rec))
	}
	return snap, nil
}

// EncodePool writes the pool file layout to w.
func EncodePool(w io.Writer, txs []Transaction) error {
	if len(txs) > params.MaxPending {
		return ErrMempoolFull
	}

	header := make([]byte, poolHeaderSize)
	binary.LittleEndian.PutUint32(header, uint32(len(txs)))
	if _, err := w.Write(header); err != nil {
		return err
	}

	rec := make([]byte, TxRecordSize)
	for i := range txs {
		clear(rec)
		putTxRecord(rec, &txs[i])
		if _, err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// DecodePool reads the pool file layout from r, clamping the stored count to
// maxCount.
func DecodePool(r io.Reader, maxCount int) ([]Transaction, error) {
	header := make([]byte, poolHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: pool header: %v", ErrCorruptData, err)
	}
	count := clampCount(int32(binary.LittleEndian.Uint32(header)), maxCount)

	txs := make([]Transaction, 0, count)
	rec := make([]byte, TxRecordSize)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, fmt.Errorf("%w: tx record %d: %v", ErrCorruptData, i, err)
		}
		txs = append(txs, getTxRecord(rec))
	}
	return txs, nil
}
