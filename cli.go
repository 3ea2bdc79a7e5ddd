package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"feeledger/protocol/params"

	"github.com/pterm/pterm"
	"golang.org/x/term"
)

// errQuit ends the command loop
var errQuit = errors.New("quit")

// CLI handles the interactive command-line interface
type CLI struct {
	ledger      *Ledger
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	reader      *bufio.Reader
	interactive bool
	noColor     bool
	mineTimeout time.Duration
	dataDir     string
	startTime   time.Time
	api         *APIServer

	mu         sync.Mutex // protects mineCancel
	mineCancel context.CancelFunc
	closeOnce  sync.Once
}

// CLIConfig holds CLI configuration
type CLIConfig struct {
	DataDir      string
	Difficulty   int
	StoreKind    string        // "file" or "bolt"
	MineTimeout  time.Duration // 0 = no timeout
	MaxAttempts  uint64        // 0 = miner default
	NoColor      bool
	ResetCorrupt bool
	Verbose      bool
	APIAddr      string // empty = no API
}

// DefaultCLIConfig returns default CLI configuration
func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		DataDir:    DefaultDataDir,
		Difficulty: DefaultLedgerConfig().Difficulty,
		StoreKind:  "file",
	}
}

// openStore returns the store backend named by kind
func openStore(kind, dataDir string) (Store, error) {
	switch strings.ToLower(kind) {
	case "", "file":
		return NewFileStore(dataDir)
	case "bolt":
		return NewBoltStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown store %q (want file or bolt)", kind)
	}
}

// NewCLI creates and initializes the CLI
func NewCLI(cfg CLIConfig) (*CLI, error) {
	ctx, cancel := context.WithCancel(context.Background())

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	noColor := cfg.NoColor || !term.IsTerminal(int(os.Stdout.Fd()))
	if noColor {
		pterm.DisableColor()
	}

	ptermLogger := pterm.DefaultLogger
	if cfg.Verbose {
		ptermLogger = *ptermLogger.WithLevel(pterm.LogLevelDebug)
	}
	logger := slog.New(pterm.NewSlogHandler(&ptermLogger))
	slog.SetDefault(logger)

	cli := &CLI{
		log:         logger,
		ctx:         ctx,
		cancel:      cancel,
		reader:      bufio.NewReader(os.Stdin),
		interactive: interactive,
		noColor:     noColor,
		mineTimeout: cfg.MineTimeout,
		dataDir:     cfg.DataDir,
		startTime:   time.Now(),
	}

	store, err := openStore(cfg.StoreKind, cfg.DataDir)
	if err != nil {
		cancel()
		return nil, err
	}

	ledgerCfg := DefaultLedgerConfig()
	ledgerCfg.DataDir = cfg.DataDir
	ledgerCfg.Difficulty = cfg.Difficulty
	ledgerCfg.Store = store
	ledgerCfg.ResetCorrupt = cfg.ResetCorrupt
	ledgerCfg.Logger = logger
	if cfg.MaxAttempts > 0 {
		ledgerCfg.Miner.MaxAttempts = cfg.MaxAttempts
	}

	// Genesis mining on first start can be interrupted with Ctrl+C
	openCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	ledger, err := Open(openCtx, ledgerCfg)
	stop()
	if err != nil {
		store.Close()
		cancel()
		if errors.Is(err, ErrCorruptData) {
			return nil, fmt.Errorf("%w (start with -reset-corrupt to begin a new ledger)", err)
		}
		return nil, err
	}
	cli.ledger = ledger

	if cfg.APIAddr != "" {
		cli.api = NewAPIServer(ledger, cfg.DataDir, logger)
		if err := cli.api.Start(cfg.APIAddr); err != nil {
			ledger.Close()
			cancel()
			return nil, err
		}
	}

	return cli, nil
}

// Run starts the CLI
func (c *CLI) Run() error {
	// Ctrl+C interrupts mining when a block is being mined, otherwise exits
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		for range sigChan {
			c.mu.Lock()
			mineCancel := c.mineCancel
			c.mu.Unlock()
			if mineCancel != nil {
				mineCancel()
				continue
			}

			fmt.Println("\nShutting down...")
			if err := c.shutdown(); err != nil {
				pterm.Warning.Printfln("shutdown encountered errors: %v", err)
			}
			os.Exit(0)
		}
	}()

	c.printWelcome()

	for {
		select {
		case <-c.ctx.Done():
			return c.shutdown()
		default:
		}

		if c.interactive {
			renderMenu(c.ledger.Chain().Length(), c.ledger.Mempool().Size())
		}

		line, err := c.readLine("\nEnter choice: ")
		if err != nil {
			// stdin closed
			return c.shutdown()
		}
		if line == "" {
			continue
		}

		if err := c.executeCommand(line); err != nil {
			if errors.Is(err, errQuit) {
				return c.shutdown()
			}
			pterm.Error.Println(err.Error())
		}
	}
}

func (c *CLI) printWelcome() {
	chain := c.ledger.Chain()
	pterm.Println()
	pterm.DefaultHeader.WithFullWidth().Println("ALU Blockchain Fees System v" + Version)
	pterm.Info.Printfln("Chain loaded: %d block(s), difficulty=%d", chain.Length(), chain.Difficulty())
	if !c.interactive {
		pterm.Info.Println("Type 'help' for available commands")
	}
}

func (c *CLI) executeCommand(line string) error {
	cmd, args := normalizeCommand(line)

	switch cmd {
	case "help":
		c.cmdHelp(args)
	case "invoice create":
		return c.cmdInvoiceCreate()
	case "payment record":
		return c.cmdPaymentRecord()
	case "payment confirm":
		return c.cmdPaymentConfirm()
	case "invoice status":
		return c.cmdInvoiceStatus()
	case "mine":
		return c.cmdMine()
	case "chain view":
		c.cmdChainView()
	case "chain verify":
		c.cmdChainVerify()
	case "pending":
		c.cmdPending()
	case "stats":
		c.cmdStats()
	case "save":
		return c.cmdSave()
	case "version":
		pterm.Println("feeledger v" + Version)
	case "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command: %s (enter a number 0-7 or 'help')", line)
	}

	return nil
}

// ============================================================================
// Commands
// ============================================================================

func (c *CLI) cmdInvoiceCreate() error {
	pterm.DefaultSection.Println("Create Invoice")

	studentID, err := c.promptValid("  Student ID (alphanumeric, 3-31 chars): ", ValidateStudentID)
	if err != nil {
		return err
	}

	invoiceID, err := c.promptValid("  Invoice ID (alphanumeric, 3-31 chars): ", func(s string) error {
		if err := ValidateInvoiceID(s); err != nil {
			return err
		}
		if c.ledger.InvoiceExists(s) {
			return fmt.Errorf("invoice ID already exists, choose another")
		}
		return nil
	})
	if err != nil {
		return err
	}

	amount, err := c.promptAmount("  Total Amount (RWF): ", nil)
	if err != nil {
		return err
	}

	note, err := c.promptValid("  Note/Description: ", ValidateReference)
	if err != nil {
		return err
	}

	tx, err := c.ledger.CreateInvoice(studentID, invoiceID, amount, note)
	if err != nil {
		return err
	}

	pterm.Success.Printfln("Invoice %s created for student %s: %s", tx.InvoiceID, tx.StudentID, formatAmount(tx.Amount))
	pterm.Info.Println("Pending. Run 'mine' to commit to blockchain.")
	return c.save()
}

func (c *CLI) cmdPaymentRecord() error {
	pterm.DefaultSection.Println("Record Payment")

	invoiceID, err := c.promptValid("  Invoice ID: ", func(s string) error {
		if err := ValidateInvoiceID(s); err != nil {
			return err
		}
		if !c.ledger.InvoiceExists(s) {
			return fmt.Errorf("invoice not found")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if c.ledger.InvoiceSettled(invoiceID) {
		pterm.Warning.Println("Invoice is already fully settled.")
		return nil
	}

	balance, _ := c.ledger.Balance(invoiceID)
	pterm.Info.Printfln("Current outstanding balance: %s", formatAmount(balance))

	amount, err := c.promptAmount("  Payment Amount (RWF): ", func(a Amount) error {
		if a > balance {
			return fmt.Errorf("payment (%s) exceeds balance (%s)", a, balance)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ref, err := c.promptValid("  Payment Reference: ", ValidateReference)
	if err != nil {
		return err
	}

	tx, err := c.ledger.RecordPayment(invoiceID, amount, ref)
	if err != nil {
		return err
	}

	pterm.Success.Printfln("Payment of %s recorded (ref: %s).", formatAmount(tx.Amount), tx.Reference)
	pterm.Info.Printfln("Remaining balance: %s", formatAmount(tx.Balance))
	pterm.Info.Println("Pending confirmation. Run 'mine' then 'payment confirm'.")
	return c.save()
}

func (c *CLI) cmdPaymentConfirm() error {
	pterm.DefaultSection.Println("Confirm Payment")

	invoiceID, err := c.promptValid("  Invoice ID: ", ValidateInvoiceID)
	if err != nil {
		return err
	}

	res, err := c.ledger.ConfirmPayment(invoiceID)
	if errors.Is(err, ErrNoUnconfirmedPayment) {
		pterm.Warning.Printfln("No unconfirmed payment found for invoice %s.", invoiceID)
		return nil
	}
	if err != nil {
		return err
	}

	if res.Mined {
		pterm.Success.Printfln("Payment for invoice %s confirmed (block %d).", invoiceID, res.BlockID)
		pterm.Info.Println("Confirmation event queued. Run 'mine' to commit it.")
	} else {
		pterm.Success.Printfln("Pending payment for invoice %s confirmed.", invoiceID)
	}
	if res.SettleQueued {
		pterm.Info.Println("Balance cleared. Settlement event queued.")
		pterm.Info.Println("Run 'mine' to commit settlement.")
	}
	return c.save()
}

func (c *CLI) cmdInvoiceStatus() error {
	pterm.DefaultSection.Println("Invoice Status")

	invoiceID, err := c.promptValid("  Invoice ID: ", ValidateInvoiceID)
	if err != nil {
		return err
	}
	if !c.ledger.InvoiceExists(invoiceID) {
		pterm.Warning.Printfln("Invoice %s not found.", invoiceID)
		return nil
	}

	balance, _ := c.ledger.Balance(invoiceID)
	renderInvoiceHistory(invoiceID, c.ledger.InvoiceHistory(invoiceID), balance, c.ledger.InvoiceStatus(invoiceID))
	return nil
}

func (c *CLI) cmdMine() error {
	pterm.DefaultSection.Println("Mine Block")

	pending := c.ledger.Mempool().Size()
	pterm.Info.Printfln("Pending transactions: %d", pending)
	if pending == 0 {
		pterm.Info.Println("Nothing to mine.")
		return nil
	}

	var mineCtx context.Context
	var mineCancel context.CancelFunc
	if c.mineTimeout > 0 {
		mineCtx, mineCancel = context.WithTimeout(c.ctx, c.mineTimeout)
	} else {
		mineCtx, mineCancel = context.WithCancel(c.ctx)
	}
	c.mu.Lock()
	c.mineCancel = mineCancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.mineCancel = nil
		c.mu.Unlock()
		mineCancel()
	}()

	var spinner *pterm.SpinnerPrinter
	if c.interactive {
		spinner, _ = pterm.DefaultSpinner.Start(fmt.Sprintf("Mining at difficulty %d (Ctrl+C to cancel)...", c.ledger.Chain().Difficulty()))
	}

	block, err := c.ledger.MinePending(mineCtx)
	if err != nil {
		if spinner != nil {
			spinner.Fail("Mining failed")
		}
		switch {
		case errors.Is(err, context.Canceled):
			return fmt.Errorf("mining cancelled, transactions kept pending")
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("mining timed out after %s, transactions kept pending", c.mineTimeout)
		}
		return err
	}

	msg := fmt.Sprintf("Block %d added to chain (nonce %d, %d tx).", block.ID, block.Nonce, len(block.Transactions))
	if spinner != nil {
		spinner.Success(msg)
	} else {
		pterm.Success.Println(msg)
	}
	return c.save()
}

func (c *CLI) cmdChainView() {
	chain := c.ledger.Chain()
	renderChain(chain.Blocks(), chain.Difficulty())
	if n := c.ledger.Mempool().Size(); n > 0 {
		pterm.Info.Printfln("Pending pool: %d unconfirmed transaction(s)", n)
	}
}

func (c *CLI) cmdChainVerify() {
	renderVerification(c.ledger.Verify())
}

func (c *CLI) cmdPending() {
	renderPending(c.ledger.Mempool().Transactions())
}

func (c *CLI) cmdStats() {
	chain := c.ledger.Chain()
	pool := c.ledger.Mempool().Stats()
	miner := c.ledger.Miner().Stats()

	pterm.DefaultSection.Println("Status")
	pterm.Printfln("  Chain:      %d / %d blocks, difficulty %d", chain.Length(), params.MaxBlocks, chain.Difficulty())
	pterm.Printfln("  Pending:    %d / %d transactions", pool.Count, pool.Capacity)
	pterm.Printfln("  Mined:      %d block(s) this session, %d hashes", miner.BlocksFound, miner.HashCount)
	if miner.BlocksFound > 0 {
		pterm.Printfln("  Last solve: %s", miner.LastSolve.Round(time.Millisecond))
	}
	pterm.Printfln("  Hash rate:  %.0f H/s", c.ledger.Miner().HashRate())
	pterm.Printfln("  Uptime:     %s", time.Since(c.startTime).Round(time.Second))
	if c.api != nil && c.api.Addr() != nil {
		pterm.Printfln("  API:        http://%s (token in %s)", c.api.Addr(), cookiePath(c.dataDir))
	}
}

func (c *CLI) cmdSave() error {
	if err := c.save(); err != nil {
		return err
	}
	pterm.Success.Println("Ledger saved")
	return nil
}

func (c *CLI) save() error {
	if err := c.ledger.Save(); err != nil {
		return fmt.Errorf("failed to save ledger (changes kept in memory): %w", err)
	}
	return nil
}

func (c *CLI) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.api != nil {
			c.api.Stop()
		}
		if saveErr := c.save(); saveErr != nil {
			pterm.Warning.Println(saveErr.Error())
		}
		err = c.ledger.Close()
		pterm.Println("Goodbye.")
	})
	return err
}

// ============================================================================
// Prompts
// ============================================================================

// readLine prints prompt and returns the next input line, trimmed and with
// control characters removed.
func (c *CLI) readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := c.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(sanitizeInput(line)), nil
}

// promptValid asks until validate accepts the answer or input ends.
func (c *CLI) promptValid(prompt string, validate func(string) error) (string, error) {
	for {
		line, err := c.readLine(prompt)
		if err != nil {
			return "", fmt.Errorf("input closed: %w", err)
		}
		if err := validate(line); err != nil {
			pterm.Warning.Println(err.Error())
			continue
		}
		return line, nil
	}
}

// promptAmount asks for a positive amount; check adds a command-specific rule.
func (c *CLI) promptAmount(prompt string, check func(Amount) error) (Amount, error) {
	var amount Amount
	_, err := c.promptValid(prompt, func(s string) error {
		a, err := parseAmount(s)
		if err != nil {
			return err
		}
		if err := ValidateAmount(a); err != nil {
			return err
		}
		if check != nil {
			if err := check(a); err != nil {
				return err
			}
		}
		amount = a
		return nil
	})
	return amount, err
}

// sanitizeInput removes control and other non-printable characters from user
// input (fixes tmux copy-paste issues). Printable UTF-8 is kept.
func sanitizeInput(s string) string {
	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError || !unicode.IsPrint(r) {
			return -1 // drop the rune
		}
		return r
	}, s)
}
