package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"feeledger/protocol/params"
)

// ============================================================================
// Read handlers
// ============================================================================

// handleStatus returns chain, pool and miner figures.
// GET /api/status
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	chain := s.ledger.Chain()
	miner := s.ledger.Miner()
	stats := miner.Stats()

	writeJSON(w, http.StatusOK, map[string]any{
		"ledger":       params.LedgerID,
		"version":      Version,
		"blocks":       chain.Length(),
		"max_blocks":   params.MaxBlocks,
		"difficulty":   chain.Difficulty(),
		"tip":          chain.Tail().Hash,
		"pending":      s.ledger.Mempool().Stats(),
		"mining":       miner.IsRunning(),
		"hash_count":   stats.HashCount,
		"blocks_found": stats.BlocksFound,
		"hashrate":     miner.HashRate(),
	})
}

// handleChain returns a summary of every block.
// GET /api/chain
func (s *APIServer) handleChain(w http.ResponseWriter, r *http.Request) {
	chain := s.ledger.Chain()
	blocks := chain.Blocks()
	out := make([]map[string]any, len(blocks))
	for i, b := range blocks {
		out[i] = map[string]any{
			"id":        b.ID,
			"timestamp": b.Timestamp,
			"prev_hash": b.PrevHash,
			"hash":      b.Hash,
			"nonce":     b.Nonce,
			"tx_count":  len(b.Transactions),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"difficulty": chain.Difficulty(),
		"blocks":     out,
	})
}

// handleVerify runs a full chain verification.
// GET /api/chain/verify
func (s *APIServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	report := s.ledger.Verify()
	checks := make([]map[string]any, len(report.Blocks))
	for i, bc := range report.Blocks {
		checks[i] = map[string]any{
			"id":      bc.ID,
			"hash_ok": bc.HashOK,
			"pow_ok":  bc.PoWOK,
			"link_ok": bc.LinkOK,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      report.Valid,
		"difficulty": report.Difficulty,
		"failures":   len(report.Failures()),
		"blocks":     checks,
	})
}

// handleBlock returns a block by height (integer) or hash (hex).
// GET /api/block/{id}
func (s *APIServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chain := s.ledger.Chain()

	var block *Block
	if height, err := strconv.Atoi(id); err == nil {
		block = chain.BlockAt(height)
	} else if len(id) == params.HashHexLen {
		for _, b := range chain.Blocks() {
			if b.Hash == id {
				block = b
				break
			}
		}
	} else {
		writeError(w, http.StatusBadRequest, "id must be a height or 64-char hex hash")
		return
	}

	if block == nil {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}
	writeJSON(w, http.StatusOK, blockToJSON(block))
}

// handleTx returns a transaction by id, searching the pool then the chain.
// GET /api/tx/{hash}
func (s *APIServer) handleTx(w http.ResponseWriter, r *http.Request) {
	txID := r.PathValue("hash")
	if len(txID) != params.HashHexLen {
		writeError(w, http.StatusBadRequest, "hash must be 64 hex characters")
		return
	}

	for _, tx := range s.ledger.Mempool().Transactions() {
		if tx.TxID() == txID {
			writeJSON(w, http.StatusOK, map[string]any{
				"tx":      txToJSON(&tx),
				"pending": true,
			})
			return
		}
	}

	var found *Transaction
	var blockID uint32
	s.ledger.Chain().forEachTx(func(b *Block, tx *Transaction) {
		if found == nil && tx.TxID() == txID {
			cp := *tx
			found, blockID = &cp, b.ID
		}
	})
	if found == nil {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tx":       txToJSON(found),
		"block_id": blockID,
		"pending":  false,
	})
}

// handlePending lists the pending pool, oldest first.
// GET /api/pending
func (s *APIServer) handlePending(w http.ResponseWriter, r *http.Request) {
	txs := s.ledger.Mempool().Transactions()
	out := make([]map[string]any, len(txs))
	for i := range txs {
		out[i] = txToJSON(&txs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(txs),
		"transactions": out,
	})
}

// handleInvoice returns an invoice's history, balance and status.
// GET /api/invoice/{id}
func (s *APIServer) handleInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.PathValue("id")
	balance, ok := s.ledger.Balance(invoiceID)
	if !ok {
		writeError(w, http.StatusNotFound, "invoice not found")
		return
	}
	student, _ := s.ledger.StudentForInvoice(invoiceID)

	events := s.ledger.InvoiceHistory(invoiceID)
	out := make([]map[string]any, len(events))
	for i, ev := range events {
		entry := txToJSON(&ev.Tx)
		entry["pending"] = ev.Pending
		entry["confirmed"] = ev.Confirmed
		if !ev.Pending {
			entry["block_id"] = ev.BlockID
		}
		out[i] = entry
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"invoice_id": invoiceID,
		"student_id": student,
		"balance":    balance.String(),
		"status":     s.ledger.InvoiceStatus(invoiceID).String(),
		"events":     out,
	})
}

// ============================================================================
// Write handlers
// ============================================================================

// handleCreateInvoice queues a new invoice.
// POST /api/invoice
func (s *APIServer) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentID string `json:"student_id"`
		InvoiceID string `json:"invoice_id"`
		Amount    string `json:"amount"` // decimal RWF, e.g. "1500000.50"
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount: "+err.Error())
		return
	}

	tx, err := s.ledger.CreateInvoice(sanitizeInput(req.StudentID), sanitizeInput(req.InvoiceID), amount, sanitizeInput(req.Reference))
	if err != nil {
		s.writeLedgerError(w, err, http.StatusBadRequest)
		return
	}

	resp := txToJSON(&tx)
	resp["saved"] = s.persist()
	writeJSON(w, http.StatusCreated, resp)
}

// handleRecordPayment queues a payment. An Idempotency-Key header makes
// retries of the same request replay the first response instead of paying
// twice.
// POST /api/invoice/{id}/payment
func (s *APIServer) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.PathValue("id")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		status, resp := s.recordPayment(invoiceID, body)
		writeJSON(w, status, resp)
		return
	}

	reqHash := hashRequestBody(append([]byte(invoiceID+"\n"), body...))
	state, cached := s.payments.getOrStart(time.Now(), key, reqHash)
	switch state {
	case idemReplay:
		writeRaw(w, cached.status, cached.body)
		return
	case idemInFlight:
		writeError(w, http.StatusConflict, "request with this Idempotency-Key is in progress")
		return
	case idemMismatch:
		writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
		return
	}

	status, resp := s.recordPayment(invoiceID, body)
	payload, err := json.Marshal(resp)
	if err != nil {
		s.payments.abandon(key)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if status >= 500 {
		// Let the client retry with the same key
		s.payments.abandon(key)
	} else {
		s.payments.complete(time.Now(), key, reqHash, status, payload)
	}
	writeRaw(w, status, payload)
}

func (s *APIServer) recordPayment(invoiceID string, body []byte) (int, map[string]any) {
	var req struct {
		Amount    string `json:"amount"`
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		return http.StatusBadRequest, map[string]any{"error": "invalid JSON body"}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return http.StatusBadRequest, map[string]any{"error": "invalid amount: " + err.Error()}
	}

	tx, err := s.ledger.RecordPayment(invoiceID, amount, sanitizeInput(req.Reference))
	if err != nil {
		status, msg := s.ledgerErrorStatus(err, http.StatusBadRequest)
		return status, map[string]any{"error": msg}
	}

	resp := txToJSON(&tx)
	resp["saved"] = s.persist()
	return http.StatusCreated, resp
}

// handleConfirmPayment confirms the newest unconfirmed payment.
// POST /api/invoice/{id}/confirm
func (s *APIServer) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.ConfirmPayment(r.PathValue("id"))
	if err != nil {
		s.writeLedgerError(w, err, http.StatusBadRequest)
		return
	}

	resp := map[string]any{
		"payment":       txToJSON(&res.Payment),
		"mined":         res.Mined,
		"settle_queued": res.SettleQueued,
		"saved":         s.persist(),
	}
	if res.Mined {
		resp["block_id"] = res.BlockID
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMine mines one block from the pending pool. Closing the request
// cancels the search and keeps the transactions pending.
// POST /api/mine
func (s *APIServer) handleMine(w http.ResponseWriter, r *http.Request) {
	block, err := s.ledger.MinePending(r.Context())
	if err != nil {
		s.writeLedgerError(w, err, http.StatusInternalServerError)
		return
	}
	resp := blockToJSON(block)
	resp["saved"] = s.persist()
	writeJSON(w, http.StatusCreated, resp)
}

// handleSave persists the ledger.
// POST /api/save
func (s *APIServer) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Save(); err != nil {
		s.writeLedgerError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true})
}

// persist saves after a change. A failure keeps the change in memory and is
// reported in the response instead of failing the request.
func (s *APIServer) persist() bool {
	if err := s.ledger.Save(); err != nil {
		s.log.Warn("API change not persisted", "error", err)
		return false
	}
	return true
}

// ============================================================================
// Helpers
// ============================================================================

// ledgerErrorStatus maps ledger errors to HTTP statuses. Internal errors are
// logged and redacted.
func (s *APIServer) ledgerErrorStatus(err error, fallback int) (int, string) {
	status := fallback
	switch {
	case errors.Is(err, ErrUnknownInvoice):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvoiceExists), errors.Is(err, ErrInvoiceSettled),
		errors.Is(err, ErrNoUnconfirmedPayment), errors.Is(err, ErrEmptyMempool),
		errors.Is(err, ErrDuplicateTx):
		status = http.StatusConflict
	case errors.Is(err, ErrOverpayment):
		status = http.StatusBadRequest
	case errors.Is(err, ErrCapacity):
		status = http.StatusInsufficientStorage
	case errors.Is(err, ErrNoSolution), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		status = http.StatusInternalServerError
	}
	if status >= 500 && status != http.StatusInsufficientStorage && status != http.StatusServiceUnavailable {
		s.log.Error("API request failed", "error", err)
		return status, "internal error"
	}
	return status, err.Error()
}

func (s *APIServer) writeLedgerError(w http.ResponseWriter, err error, fallback int) {
	status, msg := s.ledgerErrorStatus(err, fallback)
	writeError(w, status, msg)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// txToJSON renders amounts as decimal strings, the form they are hashed in.
func txToJSON(tx *Transaction) map[string]any {
	return map[string]any{
		"txid":       tx.TxID(),
		"type":       tx.Type.String(),
		"student_id": tx.StudentID,
		"invoice_id": tx.InvoiceID,
		"amount":     tx.Amount.String(),
		"balance":    tx.Balance.String(),
		"reference":  tx.Reference,
		"event_time": tx.EventTime,
		"confirmed":  tx.Confirmed,
	}
}

// blockToJSON builds a JSON-friendly block representation.
func blockToJSON(block *Block) map[string]any {
	txs := make([]map[string]any, len(block.Transactions))
	for i := range block.Transactions {
		txs[i] = txToJSON(&block.Transactions[i])
	}
	return map[string]any{
		"id":           block.ID,
		"timestamp":    block.Timestamp,
		"prev_hash":    block.PrevHash,
		"hash":         block.Hash,
		"nonce":        block.Nonce,
		"transactions": txs,
	}
}
