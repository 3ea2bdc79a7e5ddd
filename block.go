package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"feeledger/protocol/params"
)

// ErrCapacity is wrapped by every error that rejects an operation because a
// bounded container is full.
var ErrCapacity = errors.New("capacity exceeded")

// Block append rejections. Each leaves the chain unchanged.
var (
	ErrChainFull        = fmt.Errorf("%w: chain is full (%d blocks)", ErrCapacity, params.MaxBlocks)
	ErrBlockTooLarge    = fmt.Errorf("%w: block carries more than %d transactions", ErrCapacity, params.MaxTxPerBlock)
	ErrPrevHashMismatch = errors.New("prev hash does not link to chain tail")
	ErrInvalidPoW       = errors.New("block hash does not satisfy proof of work")
	ErrHashMismatch     = errors.New("block hash does not match block contents")
)

// GenesisPrevHash is the all-zero predecessor hash of block 0.
var GenesisPrevHash = strings.Repeat("0", params.HashHexLen)

// ============================================================================
// Block
// ============================================================================

// Block is a batch of ledger events sealed by proof of work.
type Block struct {
	ID           uint32        `json:"id"`
	Timestamp    int64         `json:"timestamp"` // Unix seconds
	PrevHash     string        `json:"prev_hash"`
	Hash         string        `json:"hash"`
	Nonce        uint64        `json:"nonce"`
	Transactions []Transaction `json:"transactions"`
}

// powPrefix returns the preimage bytes that precede the nonce:
// "<id>|<timestamp>|<prev_hash>|".
func (b *Block) powPrefix() []byte {
	buf := make([]byte, 0, 32+len(b.PrevHash))
	buf = strconv.AppendUint(buf, uint64(b.ID), 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, b.Timestamp, 10)
	buf = append(buf, '|')
	buf = append(buf, b.PrevHash...)
	buf = append(buf, '|')
	return buf
}

// powSuffix returns the preimage bytes that follow the nonce: one
// "|TX..." fragment per transaction, in block order.
func (b *Block) powSuffix() []byte {
	buf := make([]byte, 0, len(b.Transactions)*160)
	for i := range b.Transactions {
		buf = append(buf, '|')
		buf = b.Transactions[i].appendPreimage(buf)
	}
	return buf
}

// CanonicalBytes returns the exact text the block hash is computed over.
func (b *Block) CanonicalBytes() []byte {
	buf := b.powPrefix()
	buf = strconv.AppendUint(buf, b.Nonce, 10)
	return append(buf, b.powSuffix()...)
}

// ComputeHash returns the SHA-256 digest of the block's current fields as
// 64 lowercase hex characters. It ignores the stored Hash.
func (b *Block) ComputeHash() string {
	sum := sha256.Sum256(b.CanonicalBytes())
	return hex.EncodeToString(sum[:])
}

// ComputeHash is the package-level form of Block.ComputeHash.
func ComputeHash(b *Block) string {
	return b.ComputeHash()
}

// IsGenesis reports whether b sits at height 0.
func (b *Block) IsGenesis() bool {
	return b.ID == 0
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() *Block {
	cp := *b
	if b.Transactions != nil {
		cp.Transactions = make([]Transaction, len(b.Transactions))
		copy(cp.Transactions, b.Transactions)
	}
	return &cp
}

// MeetsDifficulty reports whether hash starts with difficulty '0' hex
// characters.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty < 0 || difficulty > len(hash) {
		return false
	}
	for i := 0; i < difficulty; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}

// ============================================================================
// Block Validation
// ============================================================================

// validateAppend runs the append checks of candidate against tail, in order:
// capacity, linkage, proof of work, hash integrity.
func validateAppend(candidate, tail *Block, length, difficulty int) error {
	if length >= params.MaxBlocks {
		return ErrChainFull
	}
	if len(candidate.Transactions) > params.MaxTxPerBlock {
		return ErrBlockTooLarge
	}

	if candidate.PrevHash != tail.Hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrPrevHashMismatch, shortHash(tail.Hash), shortHash(candidate.PrevHash))
	}

	if !MeetsDifficulty(candidate.Hash, difficulty) {
		return fmt.Errorf("%w: difficulty %d, hash %s", ErrInvalidPoW, difficulty, shortHash(candidate.Hash))
	}

	if expected := candidate.ComputeHash(); candidate.Hash != expected {
		return fmt.Errorf("%w: stored %s, computed %s", ErrHashMismatch, shortHash(candidate.Hash), shortHash(expected))
	}

	return nil
}

// shortHash abbreviates a hex hash for messages.
func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
