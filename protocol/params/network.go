package params

// LedgerID names this ledger format. It is written nowhere on disk; it only
// identifies the build in version output and logs.
const LedgerID = "feeledger_v1"

// MinorUnitsPerMajor is the fixed-point scale of monetary amounts
// (two decimal digits).
const MinorUnitsPerMajor = 100
