package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const sseKeepalive = 30 * time.Second

// sseStream writes Server-Sent Events to one client.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// openSSE switches the response to an event stream. The server's write
// timeout is lifted for this connection only.
func openSSE(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("failed to clear write deadline: %w", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseStream{w: w, flusher: flusher}, nil
}

func (s *sseStream) send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ping sends a comment line so idle proxies keep the connection.
func (s *sseStream) ping() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type sseConnected struct {
	Blocks     int `json:"blocks"`
	Difficulty int `json:"difficulty"`
	Pending    int `json:"pending"`
}

type sseNewBlock struct {
	ID        uint32   `json:"id"`
	Hash      string   `json:"hash"`
	Nonce     uint64   `json:"nonce"`
	Timestamp int64    `json:"timestamp"`
	TxCount   int      `json:"tx_count"`
	Invoices  []string `json:"invoices"`
}

func newBlockEvent(b *Block) sseNewBlock {
	ev := sseNewBlock{
		ID:        b.ID,
		Hash:      b.Hash,
		Nonce:     b.Nonce,
		Timestamp: b.Timestamp,
		TxCount:   len(b.Transactions),
		Invoices:  make([]string, 0, len(b.Transactions)),
	}
	for _, tx := range b.Transactions {
		ev.Invoices = append(ev.Invoices, tx.InvoiceID)
	}
	return ev
}

// handleEvents streams "connected" once, then "new_block" per committed block.
// GET /api/events
func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	stream, err := openSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	blocks := s.ledger.SubscribeBlocks()
	defer s.ledger.UnsubscribeBlocks(blocks)

	chain := s.ledger.Chain()
	hello := sseConnected{
		Blocks:     chain.Length(),
		Difficulty: chain.Difficulty(),
		Pending:    s.ledger.Mempool().Size(),
	}
	if err := stream.send("connected", hello); err != nil {
		s.log.Debug("event stream closed before connect", "error", err)
		return
	}

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case b := <-blocks:
			if b == nil {
				continue
			}
			err = stream.send("new_block", newBlockEvent(b))
		case <-ticker.C:
			err = stream.ping()
		}
		if err != nil {
			s.log.Debug("event stream closed", "error", err)
			return
		}
	}
}
