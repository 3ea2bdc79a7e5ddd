package main

import (
	"strings"

	"github.com/pterm/pterm"
)

type helpEntry struct {
	usage       string
	aliases     []string
	description []string
	notes       []string
}

// commandAliases maps every accepted spelling to its command. Numbers match
// the menu.
var commandAliases = map[string]string{
	"1": "invoice create", "invoice create": "invoice create", "create": "invoice create",
	"2": "payment record", "payment record": "payment record", "pay": "payment record",
	"3": "payment confirm", "payment confirm": "payment confirm", "confirm": "payment confirm",
	"4": "invoice status", "invoice status": "invoice status", "invoice": "invoice status",
	"5": "mine", "mine": "mine",
	"6": "chain view", "chain view": "chain view", "chain": "chain view", "view": "chain view",
	"7": "chain verify", "chain verify": "chain verify", "verify": "chain verify",
	"pending": "pending", "pool": "pending",
	"stats": "stats", "status": "stats",
	"save":    "save",
	"version": "version",
	"help":    "help", "?": "help",
	"0": "quit", "exit": "quit", "quit": "quit", "q": "quit",
}

// normalizeCommand resolves a typed line to a command name and its remaining
// arguments. Two-word commands win over one-word aliases. Unknown input
// returns "".
func normalizeCommand(line string) (string, []string) {
	parts := strings.Fields(strings.ToLower(line))
	if len(parts) == 0 {
		return "", nil
	}
	if len(parts) >= 2 {
		if cmd, ok := commandAliases[parts[0]+" "+parts[1]]; ok {
			return cmd, parts[2:]
		}
	}
	if cmd, ok := commandAliases[parts[0]]; ok {
		return cmd, parts[1:]
	}
	return "", parts
}

func helpCommandDetails() map[string]helpEntry {
	return map[string]helpEntry{
		"invoice create": {
			usage:       "invoice create",
			aliases:     []string{"1", "create"},
			description: []string{"Queues a new fee invoice for a student."},
			notes: []string{
				"student and invoice ids are 3-31 letters, digits, '-' or '_'",
				"amounts take up to two decimals, e.g. 1500000 or 1500000.50",
				"an empty note becomes \"" + DefaultInvoiceReference + "\"",
			},
		},
		"payment record": {
			usage:       "payment record",
			aliases:     []string{"2", "pay"},
			description: []string{"Queues an unconfirmed payment against an invoice."},
			notes: []string{
				"a payment cannot exceed the outstanding balance",
				"settled invoices take no further payments",
				"an empty reference becomes \"" + DefaultPaymentReference + "\"",
			},
		},
		"payment confirm": {
			usage:       "payment confirm",
			aliases:     []string{"3", "confirm"},
			description: []string{"Confirms the most recent unconfirmed payment for an invoice."},
			notes: []string{
				"a mined payment is confirmed by a new PAYMENT_CONFIRM event; blocks are never edited",
				"a payment that clears the balance also queues an INVOICE_SETTLE",
			},
		},
		"invoice status": {
			usage:       "invoice status",
			aliases:     []string{"4", "invoice"},
			description: []string{"Shows every event for an invoice, its balance and status."},
		},
		"mine": {
			usage:       "mine",
			aliases:     []string{"5"},
			description: []string{"Mines up to 8 pending transactions into a new block."},
			notes: []string{
				"Ctrl+C cancels mining; the transactions stay pending",
				"-mine-timeout bounds how long one block may take",
			},
		},
		"chain view": {
			usage:       "chain view",
			aliases:     []string{"6", "chain", "view"},
			description: []string{"Lists every block and its transactions."},
		},
		"chain verify": {
			usage:       "chain verify",
			aliases:     []string{"7", "verify"},
			description: []string{"Recomputes every block hash and checks proof of work and linkage."},
		},
		"pending": {
			usage:       "pending",
			aliases:     []string{"pool"},
			description: []string{"Lists transactions waiting to be mined."},
		},
		"stats": {
			usage:       "stats",
			aliases:     []string{"status"},
			description: []string{"Shows chain, pool and miner figures."},
		},
		"save": {
			usage:       "save",
			description: []string{"Writes the chain and the pending pool to disk now."},
			notes:       []string{"state is also saved after every change and on exit"},
		},
		"quit": {
			usage:       "exit",
			aliases:     []string{"0", "quit", "q"},
			description: []string{"Saves and exits."},
		},
	}
}

func (c *CLI) cmdHelp(args []string) {
	if len(args) > 0 {
		topic, _ := normalizeCommand(strings.Join(args, " "))
		entry, ok := helpCommandDetails()[topic]
		if !ok {
			pterm.Warning.Printfln("No help for: %s", strings.Join(args, " "))
			return
		}

		pterm.DefaultSection.Println("Help: " + topic)
		pterm.Printfln("  Usage: %s", entry.usage)
		if len(entry.aliases) > 0 {
			pterm.Printfln("  Short names: %s", strings.Join(entry.aliases, ", "))
		}
		for _, line := range entry.description {
			pterm.Printfln("  %s", line)
		}
		for _, line := range entry.notes {
			pterm.Printfln("    - %s", line)
		}
		return
	}

	renderMenu(c.ledger.Chain().Length(), c.ledger.Mempool().Size())
	pterm.Println("  Also: pending, stats, save, version, help <command>")
}
