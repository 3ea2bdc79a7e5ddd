package main

import (
	"bufio"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	cookieFilename = "api.cookie"
	tokenBytes     = 32
)

// generateToken returns tokenBytes of randomness as lowercase hex.
func generateToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func cookiePath(dataDir string) string {
	return filepath.Join(dataDir, cookieFilename)
}

// writeCookie stores the token for local clients. The temp file is created
// 0600, so the token is never world-readable, even briefly.
func writeCookie(dataDir, token string) error {
	return writeFileAtomic(cookiePath(dataDir), "write api cookie", func(w *bufio.Writer) error {
		_, err := w.WriteString(token)
		return err
	})
}

func deleteCookie(dataDir string) {
	os.Remove(cookiePath(dataDir))
}

// requestToken extracts the caller's token. Browsers' EventSource cannot set
// headers, so the event stream also accepts ?token=.
func requestToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if !ok || scheme != "Bearer" {
			return "", false
		}
		return value, true
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		if q := r.URL.Query().Get("token"); q != "" {
			return q, true
		}
	}
	return "", false
}

// authMiddleware answers 401 unless the request carries the API token.
func authMiddleware(token string, next http.Handler) http.Handler {
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := requestToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
