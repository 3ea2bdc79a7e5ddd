package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"feeledger/protocol/params"
)

func TestRecordSizes(t *testing.T) {
	if TxRecordSize != 160 {
		t.Fatalf("TxRecordSize = %d, want 160", TxRecordSize)
	}
	if BlockRecordSize != 1434 {
		t.Fatalf("BlockRecordSize = %d, want 1434", BlockRecordSize)
	}
}

func TestChainCodec_RoundTrip(t *testing.T) {
	chain, miner := mustCreateTestChain(t, 2)
	mustMineBlock(t, chain, miner,
		testTx(TxInvoiceCreate, "INV-001", 150000000, 1700000000),
		testTx(TxPaymentMade, "INV-001", 50000000, 1700000100),
	)
	mustMineBlock(t, chain, miner, testTx(TxPaymentConfirm, "INV-001", 50000000, 1700000200))

	var buf bytes.Buffer
	if err := EncodeChain(&buf, chain.Snapshot()); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if buf.Len() != 8+3*BlockRecordSize {
		t.Fatalf("encoded %d bytes, want %d", buf.Len(), 8+3*BlockRecordSize)
	}

	snap, err := DecodeChain(&buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if snap.Difficulty != 2 || len(snap.Blocks) != 3 {
		t.Fatalf("unexpected snapshot: difficulty=%d blocks=%d", snap.Difficulty, len(snap.Blocks))
	}

	orig := chain.Blocks()
	for i, b := range snap.Blocks {
		if b.ID != orig[i].ID || b.Timestamp != orig[i].Timestamp || b.PrevHash != orig[i].PrevHash ||
			b.Hash != orig[i].Hash || b.Nonce != orig[i].Nonce || len(b.Transactions) != len(orig[i].Transactions) {
			t.Fatalf("block %d header mismatch", i)
		}
		for j := range b.Transactions {
			if b.Transactions[j] != orig[i].Transactions[j] {
				t.Fatalf("block %d tx %d mismatch:\n got %+v\nwant %+v", i, j, b.Transactions[j], orig[i].Transactions[j])
			}
		}
		if b.ComputeHash() != b.Hash {
			t.Fatalf("block %d no longer verifies after decode", i)
		}
	}

	restored, err := restoreChain(snap.Difficulty, snap.Blocks)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !restored.VerifyChain().Valid {
		t.Fatalf("restored chain does not verify")
	}
}

func TestChainCodec_LittleEndianHeader(t *testing.T) {
	chain, _ := mustCreateTestChain(t, 3)

	var buf bytes.Buffer
	if err := EncodeChain(&buf, chain.Snapshot()); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	raw := buf.Bytes()
	if got := binary.LittleEndian.Uint32(raw[0:]); got != 3 {
		t.Fatalf("difficulty field = %d", got)
	}
	if got := binary.LittleEndian.Uint32(raw[4:]); got != 1 {
		t.Fatalf("length field = %d", got)
	}
	// prev hash starts after id and timestamp, NUL terminated
	prev := raw[8+12 : 8+12+params.HashFieldLen]
	if string(prev[:params.HashHexLen]) != GenesisPrevHash || prev[params.HashHexLen] != 0 {
		t.Fatalf("unexpected prev hash field %q", prev)
	}
}

func TestDecodeChain_ClampsLength(t *testing.T) {
	chain, _ := mustCreateTestChain(t, testDifficulty)

	var buf bytes.Buffer
	if err := EncodeChain(&buf, chain.Snapshot()); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	raw := buf.Bytes()

	// A negative length is clamped to zero, which no valid chain has
	binary.LittleEndian.PutUint32(raw[4:], uint32(0xFFFFFFFF))
	if _, err := DecodeChain(bytes.NewReader(raw)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData for negative length, got %v", err)
	}

	// A huge length is clamped to MaxBlocks and then runs out of data
	binary.LittleEndian.PutUint32(raw[4:], 1<<30)
	if _, err := DecodeChain(bytes.NewReader(raw)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData for clamped length, got %v", err)
	}
}

func TestDecodeChain_CorruptInput(t *testing.T) {
	chain, _ := mustCreateTestChain(t, testDifficulty)
	var buf bytes.Buffer
	if err := EncodeChain(&buf, chain.Snapshot()); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	raw := buf.Bytes()

	cases := map[string][]byte{
		"empty":            nil,
		"short header":     raw[:5],
		"truncated record": raw[:len(raw)-1],
	}
	for name, data := range cases {
		if _, err := DecodeChain(bytes.NewReader(data)); !errors.Is(err, ErrCorruptData) {
			t.Fatalf("%s: expected ErrCorruptData, got %v", name, err)
		}
	}

	bad := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(bad[0:], 9)
	if _, err := DecodeChain(bytes.NewReader(bad)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData for difficulty 9, got %v", err)
	}
}

func TestDecodeBlock_ClampsTxCount(t *testing.T) {
	rec := make([]byte, BlockRecordSize)
	putBlockRecord(rec, &Block{ID: 1, PrevHash: "a", Hash: "b"})
	// tx_count sits after id, timestamp, both hashes and nonce
	off := 4 + 8 + 2*params.HashFieldLen + 8
	binary.LittleEndian.PutUint32(rec[off:], 500)

	if b := getBlockRecord(rec); len(b.Transactions) != params.MaxTxPerBlock {
		t.Fatalf("tx count not clamped: %d", len(b.Transactions))
	}
}

func TestPoolCodec_RoundTripAndClamp(t *testing.T) {
	txs := []Transaction{
		testTx(TxInvoiceCreate, "INV-001", 1000, 1),
		testTx(TxPaymentMade, "INV-001", 400, 2),
	}
	txs[1].Reference = "0123456789012345678901234567890123456789012345678901234567890123"

	var buf bytes.Buffer
	if err := EncodePool(&buf, txs); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if buf.Len() != 4+2*TxRecordSize {
		t.Fatalf("encoded %d bytes", buf.Len())
	}
	raw := buf.Bytes()

	got, err := DecodePool(bytes.NewReader(raw), params.MaxPending)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(got) != 2 || got[0] != txs[0] || got[1] != txs[1] {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	got, err = DecodePool(bytes.NewReader(raw), 1)
	if err != nil {
		t.Fatalf("decode with clamp failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("count not clamped: %d", len(got))
	}

	if _, err := DecodePool(bytes.NewReader(raw[:10]), params.MaxPending); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData for truncated pool, got %v", err)
	}
}
