package debug

import (
	"sync"
	"testing"
	"time"
)

func TestEnvBool(t *testing.T) {
	tests := []struct {
		val  string
		want bool
	}{
		{"", false},
		{"1", true},
		{" true ", true},
		{"0", false},
		{"maybe", false},
	}
	for _, tc := range tests {
		t.Setenv("FEELEDGER_TEST_BOOL", tc.val)
		if got := envBool("FEELEDGER_TEST_BOOL"); got != tc.want {
			t.Fatalf("envBool(%q) = %v, want %v", tc.val, got, tc.want)
		}
	}
}

func TestEnvMillis(t *testing.T) {
	t.Setenv("FEELEDGER_TEST_MS", " 25 ")
	if got := envMillis("FEELEDGER_TEST_MS"); got != 25*time.Millisecond {
		t.Fatalf("expected 25ms, got %s", got)
	}
	for _, bad := range []string{"abc", "-5", ""} {
		t.Setenv("FEELEDGER_TEST_MS", bad)
		if got := envMillis("FEELEDGER_TEST_MS"); got != 0 {
			t.Fatalf("%q: expected 0, got %s", bad, got)
		}
	}
}

func TestTracedLocksExclude(t *testing.T) {
	SetLockTrace(true, time.Hour, time.Hour)
	defer SetLockTrace(false, 0, 0)

	if !LockTraceEnabled() {
		t.Fatal("tracing should be enabled")
	}

	var rw RWMutex
	rw.SetName("test-rw")
	var mu Mutex
	mu.SetName("test-mu")

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rw.Lock()
			counter++
			rw.Unlock()
		}()
		go func() {
			defer wg.Done()
			mu.Lock()
			rw.RLock()
			_ = counter
			rw.RUnlock()
			mu.Unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
}

func TestSafeName(t *testing.T) {
	if safeName("") != "(unnamed)" || safeName("chain") != "chain" {
		t.Fatal("unexpected lock names")
	}
}
