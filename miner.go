package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// ErrNoSolution is returned when the attempt budget runs out before a nonce
// satisfying the difficulty is found.
var ErrNoSolution = errors.New("no proof-of-work solution within attempt budget")

// MinerConfig holds mining configuration
type MinerConfig struct {
	// CheckInterval is how many attempts run between cancellation checks
	CheckInterval uint64
	// MaxAttempts bounds a single search (0 = whole nonce space)
	MaxAttempts uint64
}

// DefaultMinerConfig returns the default mining configuration
func DefaultMinerConfig() MinerConfig {
	return MinerConfig{
		CheckInterval: 4096,
		MaxAttempts:   1 << 36,
	}
}

// MinerStats holds mining statistics
type MinerStats struct {
	HashCount    uint64
	BlocksFound  uint64
	StartTime    time.Time
	LastSolve    time.Duration
	LastHashTime time.Time
}

// Miner searches for nonces. It holds no chain state; callers pass the block
// and the difficulty.
type Miner struct {
	config MinerConfig

	hashCount   atomic.Uint64
	blocksFound atomic.Uint64
	lastSolveNs atomic.Int64
	lastFoundAt atomic.Int64 // unix nanos
	startTime   time.Time
	running     atomic.Bool
}

// NewMiner creates a new miner
func NewMiner(config MinerConfig) *Miner {
	if config.CheckInterval == 0 {
		config.CheckInterval = DefaultMinerConfig().CheckInterval
	}
	return &Miner{
		config:    config,
		startTime: time.Now(),
	}
}

// Mine finds the smallest nonce, counting up from 0, whose block hash has
// difficulty leading '0' hex characters, then stores the nonce and hash in
// block. The difficulty is normalized first. On any error the block is left
// as it was.
func (m *Miner) Mine(ctx context.Context, block *Block, difficulty int) error {
	difficulty = NormalizeDifficulty(difficulty)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.running.Store(true)
	defer m.running.Store(false)

	prefix := block.powPrefix()
	suffix := block.powSuffix()

	// prefix | nonce digits | suffix, with the nonce re-rendered in place
	buf := make([]byte, 0, len(prefix)+20+len(suffix))
	buf = append(buf, prefix...)

	start := time.Now()
	interval := m.config.CheckInterval
	budget := m.config.MaxAttempts

	var attempts, counted uint64
	for nonce := uint64(0); ; nonce++ {
		if budget > 0 && attempts >= budget {
			m.hashCount.Add(attempts - counted)
			return fmt.Errorf("%w: %d attempts at difficulty %d", ErrNoSolution, attempts, difficulty)
		}

		if attempts > 0 && attempts%interval == 0 {
			m.hashCount.Add(attempts - counted)
			counted = attempts
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			// Keep the CLI responsive on single-core machines
			runtime.Gosched()
		}

		buf = strconv.AppendUint(buf[:len(prefix)], nonce, 10)
		buf = append(buf, suffix...)
		sum := sha256.Sum256(buf)
		attempts++

		if digestMeetsDifficulty(sum[:], difficulty) {
			m.hashCount.Add(attempts - counted)
			block.Nonce = nonce
			block.Hash = hex.EncodeToString(sum[:])

			m.blocksFound.Add(1)
			m.lastSolveNs.Store(int64(time.Since(start)))
			m.lastFoundAt.Store(time.Now().UnixNano())
			return nil
		}

		if nonce == ^uint64(0) {
			m.hashCount.Add(attempts - counted)
			return fmt.Errorf("%w: nonce space exhausted", ErrNoSolution)
		}
	}
}

// digestMeetsDifficulty checks the leading-zero rule on the raw digest, so the
// hex string is only built for the winning attempt.
func digestMeetsDifficulty(sum []byte, difficulty int) bool {
	full := difficulty / 2
	for i := 0; i < full; i++ {
		if sum[i] != 0 {
			return false
		}
	}
	if difficulty%2 == 1 && sum[full]>>4 != 0 {
		return false
	}
	return true
}

// IsRunning returns true while a search is in progress
func (m *Miner) IsRunning() bool {
	return m.running.Load()
}

// Stats returns current mining statistics
func (m *Miner) Stats() MinerStats {
	stats := MinerStats{
		HashCount:   m.hashCount.Load(),
		BlocksFound: m.blocksFound.Load(),
		StartTime:   m.startTime,
		LastSolve:   time.Duration(m.lastSolveNs.Load()),
	}
	if ns := m.lastFoundAt.Load(); ns != 0 {
		stats.LastHashTime = time.Unix(0, ns)
	}
	return stats
}

// HashRate returns the average hash rate (hashes per second) since the miner
// was created
func (m *Miner) HashRate() float64 {
	stats := m.Stats()
	elapsed := time.Since(stats.StartTime).Seconds()
	if elapsed < 1 {
		return 0
	}
	return float64(stats.HashCount) / elapsed
}
