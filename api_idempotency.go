package main

import (
	"crypto/sha256"
	"slices"
	"sync"
	"time"
)

// idempotencyState is the outcome of looking up an Idempotency-Key.
type idempotencyState string

const (
	idemStart    idempotencyState = "start"    // caller processes the request, then completes
	idemReplay   idempotencyState = "replay"   // a finished response is cached
	idemInFlight idempotencyState = "inflight" // same key still being processed
	idemMismatch idempotencyState = "mismatch" // key reused with a different request
)

type idempotencyResult struct {
	status int
	body   []byte
}

type idempotencyEntry struct {
	seenAt   time.Time
	reqHash  [32]byte
	inFlight bool
	result   idempotencyResult
}

// idempotencyCache remembers responses to write requests by client key, so a
// retried payment is recorded once. Keys are evicted oldest first.
type idempotencyCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*idempotencyEntry
	order      []string // insertion order of entries' keys
}

func newIdempotencyCache(ttl time.Duration, maxEntries int) *idempotencyCache {
	return &idempotencyCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*idempotencyEntry),
	}
}

func (c *idempotencyCache) getOrStart(now time.Time, key string, reqHash [32]byte) (idempotencyState, idempotencyResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expireLocked(now)

	if e := c.entries[key]; e != nil {
		switch {
		case e.reqHash != reqHash:
			return idemMismatch, idempotencyResult{}
		case e.inFlight:
			return idemInFlight, idempotencyResult{}
		}
		return idemReplay, e.result
	}

	c.entries[key] = &idempotencyEntry{seenAt: now, reqHash: reqHash, inFlight: true}
	c.order = append(c.order, key)
	c.trimLocked()
	return idemStart, idempotencyResult{}
}

// complete stores the response for a key returned by getOrStart.
func (c *idempotencyCache) complete(now time.Time, key string, reqHash [32]byte, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key]
	switch {
	case e == nil:
		return
	case e.reqHash != reqHash:
		c.removeLocked(key)
		return
	}
	e.seenAt = now
	e.inFlight = false
	e.result = idempotencyResult{status: status, body: slices.Clone(body)}
}

// abandon forgets a key so the client may retry it.
func (c *idempotencyCache) abandon(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *idempotencyCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *idempotencyCache) removeLocked(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	if i := slices.Index(c.order, key); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

// expireLocked drops finished entries older than the ttl.
func (c *idempotencyCache) expireLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	kept := c.order[:0]
	for _, k := range c.order {
		e := c.entries[k]
		if !e.inFlight && now.Sub(e.seenAt) > c.ttl {
			delete(c.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}

// trimLocked evicts the oldest finished entries above maxEntries. In-flight
// entries are never evicted.
func (c *idempotencyCache) trimLocked() {
	if c.maxEntries <= 0 {
		return
	}
	for i := 0; len(c.entries) > c.maxEntries && i < len(c.order); {
		k := c.order[i]
		if c.entries[k].inFlight {
			i++
			continue
		}
		delete(c.entries, k)
		c.order = slices.Delete(c.order, i, i+1)
	}
}

func hashRequestBody(body []byte) [32]byte {
	return sha256.Sum256(body)
}
