package main

import (
	"context"
	"fmt"
	"time"

	"feeledger/debug"
	"feeledger/protocol/params"
)

// ============================================================================
// Chain State
// ============================================================================

// Chain is the ordered, append-only list of mined blocks. The difficulty is
// fixed when the genesis block is mined and never changes.
type Chain struct {
	mu debug.RWMutex

	blocks     []*Block
	difficulty int
}

// NormalizeDifficulty clamps a requested difficulty to the supported range.
// Out-of-range values fall back to the default rather than the nearest bound.
func NormalizeDifficulty(difficulty int) int {
	if difficulty < params.MinDifficulty || difficulty > params.MaxDifficulty {
		return params.DefaultDifficulty
	}
	return difficulty
}

// NewChain creates a chain holding only a freshly mined genesis block.
func NewChain(ctx context.Context, miner *Miner, difficulty int) (*Chain, error) {
	difficulty = NormalizeDifficulty(difficulty)

	genesis := &Block{
		ID:           0,
		Timestamp:    time.Now().Unix(),
		PrevHash:     GenesisPrevHash,
		Transactions: []Transaction{},
	}
	if err := miner.Mine(ctx, genesis, difficulty); err != nil {
		return nil, fmt.Errorf("failed to mine genesis block: %w", err)
	}

	return newChain(difficulty, []*Block{genesis}), nil
}

func newChain(difficulty int, blocks []*Block) *Chain {
	c := &Chain{blocks: blocks, difficulty: difficulty}
	c.mu.SetName("chain")
	return c
}

// restoreChain rebuilds a chain from persisted blocks without validating
// them; VerifyChain reports on their integrity.
func restoreChain(difficulty int, blocks []*Block) (*Chain, error) {
	if difficulty < params.MinDifficulty || difficulty > params.MaxDifficulty {
		return nil, fmt.Errorf("%w: difficulty %d out of range", ErrCorruptData, difficulty)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: chain has no blocks", ErrCorruptData)
	}
	if len(blocks) > params.MaxBlocks {
		blocks = blocks[:params.MaxBlocks]
	}
	return newChain(difficulty, blocks), nil
}

// Difficulty returns the chain's proof-of-work difficulty.
func (c *Chain) Difficulty() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.difficulty
}

// Length returns the number of blocks, genesis included.
func (c *Chain) Length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Tail returns a copy of the most recent block.
func (c *Chain) Tail() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Clone()
}

// BlockAt returns a copy of the block at height, or nil when out of range.
func (c *Chain) BlockAt(height int) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height < 0 || height >= len(c.blocks) {
		return nil
	}
	return c.blocks[height].Clone()
}

// Blocks returns copies of every block in chain order.
func (c *Chain) Blocks() []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Block, len(c.blocks))
	for i, b := range c.blocks {
		out[i] = b.Clone()
	}
	return out
}

// Snapshot returns the persisted form of the chain.
func (c *Chain) Snapshot() ChainSnapshot {
	return ChainSnapshot{Difficulty: c.Difficulty(), Blocks: c.Blocks()}
}

// forEachTx calls fn for every transaction in chain order.
// Caller must not mutate the transaction.
func (c *Chain) forEachTx(fn func(block *Block, tx *Transaction)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.blocks {
		for i := range b.Transactions {
			fn(b, &b.Transactions[i])
		}
	}
}

// AddBlock appends a mined block after checking capacity, linkage to the
// tail, proof of work and hash integrity, in that order. A rejected block
// leaves the chain untouched.
func (c *Chain) AddBlock(block *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tail := c.blocks[len(c.blocks)-1]
	if err := validateAppend(block, tail, len(c.blocks), c.difficulty); err != nil {
		return err
	}

	c.blocks = append(c.blocks, block.Clone())
	return nil
}

// ============================================================================
// Verification
// ============================================================================

// BlockCheck is the outcome of verifying one block.
type BlockCheck struct {
	ID     uint32
	HashOK bool // stored hash equals the recomputed digest
	PoWOK  bool // stored hash has the required zero prefix
	LinkOK bool // prev hash equals the predecessor's hash (always true for genesis)
}

// OK reports whether every property of the block holds.
func (bc BlockCheck) OK() bool {
	return bc.HashOK && bc.PoWOK && bc.LinkOK
}

// VerificationReport is the result of a full chain scan.
type VerificationReport struct {
	Difficulty int
	Blocks     []BlockCheck
	Valid      bool
}

// Failures returns the checks that did not pass.
func (r VerificationReport) Failures() []BlockCheck {
	var out []BlockCheck
	for _, bc := range r.Blocks {
		if !bc.OK() {
			out = append(out, bc)
		}
	}
	return out
}

// VerifyChain recomputes every block's hash and checks proof of work and
// linkage. It never mutates the chain.
func (c *Chain) VerifyChain() VerificationReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := VerificationReport{
		Difficulty: c.difficulty,
		Blocks:     make([]BlockCheck, 0, len(c.blocks)),
		Valid:      true,
	}

	for i, b := range c.blocks {
		check := BlockCheck{
			ID:     b.ID,
			HashOK: b.Hash == b.ComputeHash(),
			PoWOK:  MeetsDifficulty(b.Hash, c.difficulty),
			LinkOK: i == 0 || b.PrevHash == c.blocks[i-1].Hash,
		}
		if !check.OK() {
			report.Valid = false
		}
		report.Blocks = append(report.Blocks, check)
	}

	return report
}
