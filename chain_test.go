package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"feeledger/protocol/params"
)

func TestNewChain_MinesGenesis(t *testing.T) {
	chain, _ := mustCreateTestChain(t, 2)

	if chain.Length() != 1 {
		t.Fatalf("expected 1 block, got %d", chain.Length())
	}
	genesis := chain.BlockAt(0)
	if !genesis.IsGenesis() || genesis.PrevHash != GenesisPrevHash {
		t.Fatalf("unexpected genesis: id=%d prev=%s", genesis.ID, genesis.PrevHash)
	}
	if len(genesis.Transactions) != 0 {
		t.Fatalf("genesis carries %d transactions", len(genesis.Transactions))
	}
	if !MeetsDifficulty(genesis.Hash, 2) || genesis.Hash != genesis.ComputeHash() {
		t.Fatalf("genesis hash invalid: %s", genesis.Hash)
	}
}

func TestNewChain_NormalizesDifficulty(t *testing.T) {
	for _, d := range []int{0, -3, 9} {
		chain, _ := mustCreateTestChain(t, d)
		if chain.Difficulty() != params.DefaultDifficulty {
			t.Fatalf("difficulty %d: got %d, want default", d, chain.Difficulty())
		}
	}
}

func TestAddBlock_AppendsValidBlock(t *testing.T) {
	chain, miner := mustCreateTestChain(t, testDifficulty)
	b := mustMineBlock(t, chain, miner, testTx(TxInvoiceCreate, "INV-001", 1000, 1))

	if chain.Length() != 2 {
		t.Fatalf("expected length 2, got %d", chain.Length())
	}
	if tail := chain.Tail(); tail.Hash != b.Hash {
		t.Fatalf("tail is not the new block")
	}
}

func TestAddBlock_RejectsBrokenLinkage(t *testing.T) {
	chain, miner := mustCreateTestChain(t, testDifficulty)

	// Self-consistent block that links to nothing
	block := &Block{ID: 1, Timestamp: time.Now().Unix(), PrevHash: GenesisPrevHash}
	if err := miner.Mine(context.Background(), block, testDifficulty); err != nil {
		t.Fatalf("mine failed: %v", err)
	}
	if err := chain.AddBlock(block); !errors.Is(err, ErrPrevHashMismatch) {
		t.Fatalf("expected ErrPrevHashMismatch, got %v", err)
	}
	if chain.Length() != 1 {
		t.Fatalf("chain changed after rejected append")
	}
}

func TestAddBlock_RejectsInvalidPoW(t *testing.T) {
	chain, _ := mustCreateTestChain(t, 2)
	tail := chain.Tail()

	// Find a nonce whose hash is correct but misses the target
	block := &Block{ID: 1, Timestamp: 1, PrevHash: tail.Hash}
	for n := uint64(0); ; n++ {
		block.Nonce = n
		block.Hash = block.ComputeHash()
		if !MeetsDifficulty(block.Hash, 2) {
			break
		}
	}
	if err := chain.AddBlock(block); !errors.Is(err, ErrInvalidPoW) {
		t.Fatalf("expected ErrInvalidPoW, got %v", err)
	}
}

func TestAddBlock_RejectsHashMismatch(t *testing.T) {
	chain, miner := mustCreateTestChain(t, testDifficulty)
	tail := chain.Tail()

	block := &Block{ID: 1, Timestamp: 1, PrevHash: tail.Hash, Transactions: []Transaction{testTx(TxInvoiceCreate, "INV-001", 100, 1)}}
	if err := miner.Mine(context.Background(), block, testDifficulty); err != nil {
		t.Fatalf("mine failed: %v", err)
	}
	block.Transactions[0].Amount = 1 // tamper after sealing

	if err := chain.AddBlock(block); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestAddBlock_CapacityChecksComeFirst(t *testing.T) {
	chain, _ := mustCreateTestChain(t, testDifficulty)

	// Too many transactions, and also unlinked and unmined
	txs := make([]Transaction, params.MaxTxPerBlock+1)
	err := chain.AddBlock(&Block{ID: 1, PrevHash: "bogus", Transactions: txs})
	if !errors.Is(err, ErrBlockTooLarge) || !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrBlockTooLarge wrapping ErrCapacity, got %v", err)
	}

	// Fill the chain without mining, then any append reports a full chain
	tail := chain.blocks[0]
	for len(chain.blocks) < params.MaxBlocks {
		chain.blocks = append(chain.blocks, tail)
	}
	err = chain.AddBlock(&Block{ID: params.MaxBlocks, PrevHash: "bogus"})
	if !errors.Is(err, ErrChainFull) || !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrChainFull wrapping ErrCapacity, got %v", err)
	}
}

func TestAddBlock_StoresCopy(t *testing.T) {
	chain, miner := mustCreateTestChain(t, testDifficulty)
	b := mustMineBlock(t, chain, miner, testTx(TxInvoiceCreate, "INV-001", 1000, 1))

	b.Transactions[0].Amount = 1
	if got := chain.BlockAt(1).Transactions[0].Amount; got != 1000 {
		t.Fatalf("chain block changed through caller's pointer: amount=%d", got)
	}
}

func TestVerifyChain_ValidChain(t *testing.T) {
	chain, miner := mustCreateTestChain(t, testDifficulty)
	mustMineBlock(t, chain, miner, testTx(TxInvoiceCreate, "INV-001", 1000, 1))
	mustMineBlock(t, chain, miner, testTx(TxPaymentMade, "INV-001", 400, 2))

	report := chain.VerifyChain()
	if !report.Valid || len(report.Blocks) != 3 || len(report.Failures()) != 0 {
		t.Fatalf("expected valid 3-block report, got %+v", report)
	}
	if !report.Blocks[0].LinkOK {
		t.Fatalf("genesis link check must always pass")
	}
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	chain, miner := mustCreateTestChain(t, testDifficulty)
	mustMineBlock(t, chain, miner, testTx(TxInvoiceCreate, "INV-001", 1000, 1))
	mustMineBlock(t, chain, miner, testTx(TxPaymentMade, "INV-001", 400, 2))

	// Edit a mined transaction in place
	chain.blocks[1].Transactions[0].Amount = 999999

	report := chain.VerifyChain()
	if report.Valid {
		t.Fatalf("tampered chain reported valid")
	}
	failures := report.Failures()
	if len(failures) != 1 || failures[0].ID != 1 || failures[0].HashOK {
		t.Fatalf("expected block 1 hash failure, got %+v", failures)
	}

	// Re-sealing the block fixes its hash but breaks the link to block 2
	chain.blocks[1].Hash = chain.blocks[1].ComputeHash()
	report = chain.VerifyChain()
	if report.Valid || report.Blocks[2].LinkOK {
		t.Fatalf("expected broken link at block 2, got %+v", report.Blocks[2])
	}
}

func TestRestoreChain_RejectsBadInput(t *testing.T) {
	if _, err := restoreChain(0, []*Block{{}}); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData for difficulty 0, got %v", err)
	}
	if _, err := restoreChain(2, nil); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("expected ErrCorruptData for empty chain, got %v", err)
	}
}

func TestVerifyChain_GenesisLinkIgnoresPrevHash(t *testing.T) {
	chain, miner := mustCreateTestChain(t, testDifficulty)
	mustMineBlock(t, chain, miner, testTx(TxInvoiceCreate, "INV-001", 1000, 1))

	chain.blocks[0].PrevHash = "ff" + GenesisPrevHash[2:]

	report := chain.VerifyChain()
	genesis := report.Blocks[0]
	if !genesis.LinkOK {
		t.Fatalf("genesis link must pass whatever its prev hash holds")
	}
	if genesis.HashOK {
		t.Fatalf("rewritten genesis prev hash should break its hash")
	}
	if report.Valid {
		t.Fatalf("chain with a broken genesis hash reported valid")
	}
}
