package params

// Capacity limits for the ledger. These mirror the on-disk record layout, so
// changing any of them changes the file format.
const (
	// MaxBlocks is the maximum number of blocks a chain may hold (genesis included).
	MaxBlocks = 1024

	// MaxPending is the maximum number of unmined transactions in the pool.
	MaxPending = 64

	// MaxTxPerBlock is the maximum number of transactions carried by one block.
	MaxTxPerBlock = 8
)

// Fixed field widths (bytes) of persisted records.
const (
	HashHexLen   = 64             // hex characters in a digest
	HashFieldLen = HashHexLen + 1 // stored with a trailing NUL

	StudentIDLen = 32
	InvoiceIDLen = 32
	ReferenceLen = 64
)

// Proof-of-work difficulty bounds, in leading zero hex characters.
const (
	MinDifficulty     = 1
	MaxDifficulty     = 8
	DefaultDifficulty = 2
)
