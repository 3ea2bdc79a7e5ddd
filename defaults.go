package main

// Ledger defaults.
//
// Keep these centralized so main/cli/storage stay consistent.
const (
	DefaultDataDir         = "./data"
	DefaultChainFilename   = "chain.bin"
	DefaultPendingFilename = "pending.bin"
	DefaultBoltFilename    = "ledger.db"
)
