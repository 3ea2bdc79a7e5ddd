// Package debug provides mutexes that can log contention, to find stalls
// between the CLI, the API and a running miner. Tracing is off by default.
//
// Enable with FEELEDGER_LOCK_TRACE=1. FEELEDGER_LOCK_TRACE_MIN_WAIT_MS and
// FEELEDGER_LOCK_TRACE_MIN_HOLD_MS (exclusive locks only) suppress events
// shorter than the given number of milliseconds.
package debug

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	traceEnabled atomic.Bool
	minWaitNS    atomic.Int64
	minHoldNS    atomic.Int64
	lockSeq      atomic.Uint64

	traceInitOnce sync.Once
)

func traceInit() {
	traceInitOnce.Do(func() {
		traceEnabled.Store(envBool("FEELEDGER_LOCK_TRACE"))
		minWaitNS.Store(int64(envMillis("FEELEDGER_LOCK_TRACE_MIN_WAIT_MS")))
		minHoldNS.Store(int64(envMillis("FEELEDGER_LOCK_TRACE_MIN_HOLD_MS")))
	})
}

// SetLockTrace overrides the environment settings.
func SetLockTrace(enabled bool, minWait, minHold time.Duration) {
	traceInit()
	traceEnabled.Store(enabled)
	minWaitNS.Store(int64(minWait))
	minHoldNS.Store(int64(minHold))
}

// LockTraceEnabled reports whether tracing is on.
func LockTraceEnabled() bool {
	traceInit()
	return traceEnabled.Load()
}

// envBool accepts anything strconv.ParseBool does; unset or invalid is false.
func envBool(key string) bool {
	on, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && on
}

// envMillis reads a non-negative millisecond count; anything else is zero.
func envMillis(key string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

// callerShort names the real call site; skip=2 skips this and the wrapper.
func callerShort(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	parts := strings.Split(file, "/")
	if len(parts) >= 2 {
		file = parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return file + ":" + strconv.Itoa(line)
}

func safeName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}

// exclusive tracks the holder of an exclusive lock.
type exclusive struct {
	acquireNS atomic.Int64
	seq       atomic.Uint64
}

func (e *exclusive) acquired(name string, start time.Time) {
	wait := time.Since(start)
	seq := lockSeq.Add(1)
	e.seq.Store(seq)
	e.acquireNS.Store(time.Now().UnixNano())

	if int64(wait) >= minWaitNS.Load() {
		slog.Info("lock acquire", "seq", seq, "name", safeName(name), "mode", "Lock",
			"wait", wait.Truncate(time.Microsecond), "at", callerShort(3))
	}
}

// snapshot must be taken before the unlock.
func (e *exclusive) snapshot() (uint64, int64) {
	return e.seq.Load(), e.acquireNS.Load()
}

func released(name string, seq uint64, acquireNS int64) {
	held := time.Since(time.Unix(0, acquireNS))
	if int64(held) >= minHoldNS.Load() {
		slog.Info("lock release", "seq", seq, "name", safeName(name), "mode", "Unlock",
			"held", held.Truncate(time.Microsecond), "at", callerShort(3))
	}
}

// RWMutex is a sync.RWMutex with optional contention tracing. The zero value
// is ready to use.
type RWMutex struct {
	mu   sync.RWMutex
	name string
	ex   exclusive
}

func (m *RWMutex) SetName(name string) { m.name = name }

func (m *RWMutex) Lock() {
	if !LockTraceEnabled() {
		m.mu.Lock()
		return
	}
	start := time.Now()
	m.mu.Lock()
	m.ex.acquired(m.name, start)
}

func (m *RWMutex) Unlock() {
	if !LockTraceEnabled() {
		m.mu.Unlock()
		return
	}
	seq, acq := m.ex.snapshot()
	m.mu.Unlock()
	released(m.name, seq, acq)
}

// RLock logs the wait only; readers overlap, so hold time is not tracked.
func (m *RWMutex) RLock() {
	if !LockTraceEnabled() {
		m.mu.RLock()
		return
	}
	start := time.Now()
	m.mu.RLock()
	if wait := time.Since(start); int64(wait) >= minWaitNS.Load() {
		slog.Info("lock acquire", "name", safeName(m.name), "mode", "RLock",
			"wait", wait.Truncate(time.Microsecond), "at", callerShort(2))
	}
}

func (m *RWMutex) RUnlock() {
	m.mu.RUnlock()
}

// Mutex is a sync.Mutex with optional contention tracing. The zero value is
// ready to use.
type Mutex struct {
	mu   sync.Mutex
	name string
	ex   exclusive
}

func (m *Mutex) SetName(name string) { m.name = name }

func (m *Mutex) Lock() {
	if !LockTraceEnabled() {
		m.mu.Lock()
		return
	}
	start := time.Now()
	m.mu.Lock()
	m.ex.acquired(m.name, start)
}

func (m *Mutex) Unlock() {
	if !LockTraceEnabled() {
		m.mu.Unlock()
		return
	}
	seq, acq := m.ex.snapshot()
	m.mu.Unlock()
	released(m.name, seq, acq)
}
