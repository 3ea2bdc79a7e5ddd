package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
)

const timeLayout = "2006-01-02 15:04:05"

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).Format(timeLayout)
}

func okFail(ok bool) string {
	if ok {
		return pterm.Green("OK")
	}
	return pterm.Red("FAIL")
}

func confirmedLabel(confirmed bool) string {
	if confirmed {
		return "CONFIRMED"
	}
	return "PENDING"
}

func renderMenu(chainLen, pending int) {
	pterm.Println()
	pterm.DefaultSection.Println("ALU Blockchain Fees System")
	pterm.Println("  1. invoice create  - Create a fee invoice")
	pterm.Println("  2. payment record  - Record a payment")
	pterm.Println("  3. payment confirm - Confirm a payment")
	pterm.Println("  4. invoice status  - View invoice details")
	pterm.Println("  5. mine            - Mine pending block")
	pterm.Println("  6. chain view      - Display blockchain")
	pterm.Println("  7. chain verify    - Verify integrity")
	pterm.Println("  0. exit")
	pterm.Printfln("  Pending txs: %d  |  Chain length: %d blocks", pending, chainLen)
}

func renderChain(blocks []*Block, difficulty int) {
	pterm.DefaultSection.Printfln("Blockchain (%d blocks, difficulty %d)", len(blocks), difficulty)

	for _, b := range blocks {
		pterm.Printfln("Block #%d  %s", b.ID, formatUnix(b.Timestamp))
		pterm.Printfln("  Prev:  %s", b.PrevHash)
		pterm.Printfln("  Hash:  %s", b.Hash)
		pterm.Printfln("  Nonce: %d  Txs: %d", b.Nonce, len(b.Transactions))
		if len(b.Transactions) == 0 {
			continue
		}

		data := pterm.TableData{{"Type", "Student", "Invoice", "Amount", "Balance", "Reference", "Confirmed"}}
		for _, tx := range b.Transactions {
			data = append(data, []string{
				tx.Type.String(),
				tx.StudentID,
				tx.InvoiceID,
				tx.Amount.String(),
				tx.Balance.String(),
				tx.Reference,
				yesNo(tx.Confirmed),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			pterm.Error.Println(err.Error())
		}
	}
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

func renderVerification(report VerificationReport) {
	pterm.DefaultSection.Printfln("Chain Verification (difficulty %d)", report.Difficulty)

	data := pterm.TableData{{"Block", "Hash", "PoW", "Link"}}
	for _, bc := range report.Blocks {
		data = append(data, []string{fmt.Sprintf("%d", bc.ID), okFail(bc.HashOK), okFail(bc.PoWOK), okFail(bc.LinkOK)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Println(err.Error())
	}

	if report.Valid {
		pterm.Success.Printfln("Chain is VALID (%d blocks)", len(report.Blocks))
		return
	}
	pterm.Error.Printfln("Chain is INVALID: %d block(s) failed", len(report.Failures()))
}

func renderInvoiceHistory(invoiceID string, events []InvoiceEvent, balance Amount, status InvoiceStatus) {
	pterm.DefaultSection.Println("Invoice: " + invoiceID)

	data := pterm.TableData{{"Where", "Event", "Amount", "Balance", "Time", "State"}}
	for _, ev := range events {
		where := fmt.Sprintf("Block %d", ev.BlockID)
		state := confirmedLabel(ev.Confirmed)
		if ev.Pending {
			where = "PENDING"
			if !ev.Confirmed {
				state = "UNCONFIRMED"
			}
		}
		data = append(data, []string{
			where,
			ev.Tx.Type.String(),
			ev.Tx.Amount.String(),
			ev.Tx.Balance.String(),
			formatUnix(ev.Tx.EventTime),
			state,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Println(err.Error())
	}

	pterm.Println()
	pterm.Printfln("  Outstanding Balance : %s", formatAmount(balance))
	pterm.Printfln("  Status              : %s", status)
}

func renderPending(txs []Transaction) {
	pterm.DefaultSection.Printfln("Pending pool (%d)", len(txs))
	if len(txs) == 0 {
		pterm.Info.Println("No pending transactions.")
		return
	}

	data := pterm.TableData{{"#", "Type", "Invoice", "Amount", "Balance", "Reference", "Confirmed"}}
	for i, tx := range txs {
		data = append(data, []string{
			fmt.Sprintf("%d", i+1),
			tx.Type.String(),
			tx.InvoiceID,
			tx.Amount.String(),
			tx.Balance.String(),
			tx.Reference,
			yesNo(tx.Confirmed),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Println(err.Error())
	}
}
