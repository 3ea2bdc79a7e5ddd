package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"feeledger/protocol/params"
)

const Version = "1.0.0"

// maxPositionalDifficulty caps the shorthand "feeledger <n>". Higher
// difficulties need -difficulty.
const maxPositionalDifficulty = 6

// positionalDifficulty parses the shorthand difficulty argument. Anything
// outside 1..maxPositionalDifficulty gives the default.
func positionalDifficulty(arg string) int {
	d, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || d < params.MinDifficulty || d > maxPositionalDifficulty {
		return params.DefaultDifficulty
	}
	return d
}

func main() {
	// Parse command line flags
	dataDir := flag.String("data", DefaultDataDir, "Data directory")
	difficulty := flag.Int("difficulty", params.DefaultDifficulty, "Proof-of-work difficulty for a new chain (1-8)")
	storeKind := flag.String("store", "file", "Storage backend: file or bolt")
	mineTimeout := flag.Duration("mine-timeout", 0, "Give up mining a block after this long (0 = no limit)")
	maxAttempts := flag.Uint64("max-attempts", 0, "Nonce attempts per block before giving up (0 = default)")
	noColor := flag.Bool("nocolor", false, "Disable colored output")
	resetCorrupt := flag.Bool("reset-corrupt", false, "Start a new ledger if the saved one is corrupt")
	verbose := flag.Bool("verbose", false, "Log debug events")
	apiAddr := flag.String("api", "", "Serve the JSON API on this address, e.g. 127.0.0.1:8480")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("feeledger v%s (%s)\n", Version, params.LedgerID)
		return
	}

	// A single positional argument sets the difficulty, as in "feeledger 3"
	if flag.NArg() == 1 {
		*difficulty = positionalDifficulty(flag.Arg(0))
	}

	cfg := CLIConfig{
		DataDir:      *dataDir,
		Difficulty:   *difficulty,
		StoreKind:    *storeKind,
		MineTimeout:  *mineTimeout,
		MaxAttempts:  *maxAttempts,
		NoColor:      *noColor,
		ResetCorrupt: *resetCorrupt,
		Verbose:      *verbose,
		APIAddr:      *apiAddr,
	}

	cli, err := NewCLI(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := cli.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
