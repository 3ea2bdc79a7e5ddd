package main

import "net/http"

// registerPublicRoutes adds read-only endpoints.
func (s *APIServer) registerPublicRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/chain", s.handleChain)
	mux.HandleFunc("GET /api/chain/verify", s.handleVerify)
	mux.HandleFunc("GET /api/block/{id}", s.handleBlock)
	mux.HandleFunc("GET /api/tx/{hash}", s.handleTx)
	mux.HandleFunc("GET /api/pending", s.handlePending)
	mux.HandleFunc("GET /api/invoice/{id}", s.handleInvoice)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

// registerPrivateRoutes adds endpoints that change the ledger.
func (s *APIServer) registerPrivateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/invoice", s.handleCreateInvoice)
	mux.HandleFunc("POST /api/invoice/{id}/payment", s.handleRecordPayment)
	mux.HandleFunc("POST /api/invoice/{id}/confirm", s.handleConfirmPayment)
	mux.HandleFunc("POST /api/mine", s.handleMine)
	mux.HandleFunc("POST /api/save", s.handleSave)
}
