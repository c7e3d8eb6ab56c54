package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg Config, overrides map[string]Config) *Limiter {
	t.Helper()
	l, err := New("outbound", cfg, overrides, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 1, BurstSize: 3}, nil)

	for i := 0; i < 3; i++ {
		if !l.Allow("upstream-a") {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if l.Allow("upstream-a") {
		t.Fatal("expected rejection once the burst is spent")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 1, BurstSize: 1}, nil)

	if !l.Allow("a") {
		t.Fatal("expected first call for key a")
	}
	if l.Allow("a") {
		t.Fatal("expected key a to be exhausted")
	}
	if !l.Allow("b") {
		t.Fatal("expected key b to have its own bucket")
	}
}

func TestLimiter_TokensRefill(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 100, BurstSize: 1}, nil)

	if !l.Allow("k") {
		t.Fatal("expected first call")
	}
	if l.Allow("k") {
		t.Fatal("expected empty bucket")
	}

	time.Sleep(15 * time.Millisecond) // > 1 token at 100 rps

	if !l.Allow("k") {
		t.Fatal("expected token to have refilled")
	}
}

func TestLimiter_Overrides(t *testing.T) {
	overrides := map[string]Config{
		"generous": {RequestsPerSecond: 1, BurstSize: 10},
	}
	l := newTestLimiter(t, Config{RequestsPerSecond: 1, BurstSize: 1}, overrides)

	l.Allow("strict")
	if l.Allow("strict") {
		t.Fatal("expected default burst of 1 for non-override key")
	}

	for i := 0; i < 10; i++ {
		if !l.Allow("generous") {
			t.Fatalf("expected override burst of 10, rejected at %d", i)
		}
	}
}

func TestLimiter_ConfigValidation(t *testing.T) {
	var cfgErr *ConfigError

	if _, err := New("x", Config{RequestsPerSecond: 0, BurstSize: 1}, nil, nil, nil); !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError for zero rate, got %v", err)
	}
	if _, err := New("x", Config{RequestsPerSecond: 1, BurstSize: 0}, nil, nil, nil); !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError for zero burst, got %v", err)
	}

	bad := map[string]Config{"k": {RequestsPerSecond: -1, BurstSize: 1}}
	if _, err := New("x", Config{RequestsPerSecond: 1, BurstSize: 1}, bad, nil, nil); !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError for bad override, got %v", err)
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 1000, BurstSize: 10}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Burst of 10 plus at most a few refilled tokens during the race.
	if allowed < 10 || allowed > 15 {
		t.Fatalf("expected roughly the burst size to pass, got %d", allowed)
	}
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l, err := New("x", Config{RequestsPerSecond: 1, BurstSize: 1}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Stop()
	l.Stop() // must not panic
}
