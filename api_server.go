package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	apiMaxBody         = 64 << 10
	paymentKeyTTL      = 24 * time.Hour
	paymentKeyCapacity = 1024
)

// APIServer is the optional local JSON API. It drives the same Ledger as the
// interactive CLI; every route needs the token from the cookie file.
type APIServer struct {
	ledger  *Ledger
	log     *slog.Logger
	dataDir string

	token  string
	server *http.Server
	addr   net.Addr

	payments *idempotencyCache // Idempotency-Key results for payments
}

// NewAPIServer prepares a server for ledger. The cookie is written to dataDir
// on Start. A nil logger falls back to the ledger's.
func NewAPIServer(ledger *Ledger, dataDir string, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = ledger.log
	}
	return &APIServer{
		ledger:   ledger,
		log:      logger.With("component", "api"),
		dataDir:  dataDir,
		payments: newIdempotencyCache(paymentKeyTTL, paymentKeyCapacity),
	}
}

// Handler returns the full middleware stack for token. Tests drive it
// directly without a listener.
func (s *APIServer) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	s.registerPublicRoutes(mux)
	s.registerPrivateRoutes(mux)
	return limitBody(authMiddleware(token, mux), apiMaxBody)
}

// Start binds addr, then publishes a fresh token in the cookie file and
// serves in the background. Nothing is written if the bind fails.
func (s *APIServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}

	token, err := generateToken()
	if err == nil {
		err = writeCookie(s.dataDir, token)
	}
	if err != nil {
		ln.Close()
		return fmt.Errorf("api: publish token: %w", err)
	}

	s.token = token
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s.Handler(token),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // POST /api/mine blocks until solved
		IdleTimeout:       time.Minute,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	s.log.Info("api listening", "addr", s.addr.String(), "cookie", cookiePath(s.dataDir))
	go s.serve(ln)
	return nil
}

func (s *APIServer) serve(ln net.Listener) {
	err := s.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("api server stopped", "error", err)
	}
}

// Addr is the bound address; nil until Start succeeds.
func (s *APIServer) Addr() net.Addr {
	return s.addr
}

// Stop drains open requests for up to five seconds and removes the cookie.
// Event streams are cut at the deadline.
func (s *APIServer) Stop() {
	defer deleteCookie(s.dataDir)
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown incomplete", "error", err)
		s.server.Close()
	}
}

func limitBody(next http.Handler, n int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, n)
		next.ServeHTTP(w, r)
	})
}
