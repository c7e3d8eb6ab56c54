package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, cfg Config) *CircuitBreaker {
	t.Helper()
	cb, err := New("test-upstream", cfg, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cb
}

func defaultConfig() Config {
	return Config{
		FailureThreshold:         3,
		ResetTimeout:             30 * time.Second,
		HalfOpenSuccessThreshold: 2,
		HalfOpenMaxCalls:         1,
	}
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_StartsClosed(t *testing.T) {
	cb := newTestBreaker(t, defaultConfig())

	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	cb := newTestBreaker(t, defaultConfig())

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected errBoom, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen after 3 failures, got %v", cb.State())
	}
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	cb := newTestBreaker(t, defaultConfig())

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}

	invoked := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})

	if invoked {
		t.Fatal("expected wrapped call to not be invoked while open")
	}
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}

	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *OpenError, got %T", err)
	}
	if openErr.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter, got %v", openErr.RetryAfter)
	}
}

func TestBreaker_OpenToHalfOpenAfterResetTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResetTimeout = 50 * time.Millisecond
	cb := newTestBreaker(t, cfg)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}

	// Before the timeout: rejected.
	if err := cb.Execute(context.Background(), succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen before reset timeout, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	// After the timeout: the call executes as a probe.
	invoked := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !invoked {
		t.Fatal("expected probe call to be invoked after reset timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen after one probe success, got %v", cb.State())
	}
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResetTimeout = 10 * time.Millisecond
	cfg.HalfOpenSuccessThreshold = 2
	cb := newTestBreaker(t, cfg)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(context.Background(), succeed); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed after success threshold, got %v", cb.State())
	}

	info := cb.StateInfo()
	if info.Failures != 0 || info.Successes != 0 {
		t.Fatalf("expected counts reset on transition, got failures=%d successes=%d", info.Failures, info.Successes)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResetTimeout = 10 * time.Millisecond
	cb := newTestBreaker(t, cfg)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}
	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom from probe, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", cb.State())
	}
}

func TestBreaker_HalfOpenConcurrencyBound(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResetTimeout = 10 * time.Millisecond
	cfg.HalfOpenMaxCalls = 2
	cfg.HalfOpenSuccessThreshold = 10 // stay half-open for the whole test
	cb := newTestBreaker(t, cfg)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}
	time.Sleep(20 * time.Millisecond)

	// Two probes block inside the breaker; a third attempt must be rejected.
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.Execute(context.Background(), func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := cb.Execute(context.Background(), succeed)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen for probe beyond concurrency bound, got %v", err)
	}

	close(release)
	wg.Wait()

	// Permits were released; another probe is admitted.
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("expected probe after release, got %v", err)
	}
}

func TestBreaker_SuccessDoesNotClearClosedFailures(t *testing.T) {
	cb := newTestBreaker(t, defaultConfig())

	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), fail)
	cb.Execute(context.Background(), succeed)

	info := cb.StateInfo()
	if info.Failures != 2 {
		t.Fatalf("expected 2 accumulated failures after interleaved success, got %d", info.Failures)
	}

	// The third failure still trips the breaker.
	cb.Execute(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", cb.State())
	}
}

func TestBreaker_FailurePredicate(t *testing.T) {
	errCounted := errors.New("counted")
	cfg := defaultConfig()
	cfg.FailureThreshold = 1
	cfg.FailurePredicate = func(err error) bool { return errors.Is(err, errCounted) }
	cb := newTestBreaker(t, cfg)

	// Non-matching errors propagate but do not trip the breaker.
	if err := cb.Execute(context.Background(), fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed after unclassified error, got %v", cb.State())
	}

	if err := cb.Execute(context.Background(), func(context.Context) error { return errCounted }); !errors.Is(err, errCounted) {
		t.Fatalf("expected errCounted, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen after classified failure, got %v", cb.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(t, defaultConfig())

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed after Reset, got %v", cb.State())
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("unexpected error after Reset: %v", err)
	}
}

func TestBreaker_ZeroResetTimeoutSemantics(t *testing.T) {
	// A zero reset timeout means the call after tripping is admitted
	// immediately as a half-open probe and actually executes.
	cfg := defaultConfig()
	cfg.ResetTimeout = 0
	cb := newTestBreaker(t, cfg)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}

	invoked := false
	if err := cb.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !invoked {
		t.Fatal("expected call to execute as probe")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", cb.State())
	}
}

func TestBreaker_TransitionLog(t *testing.T) {
	cfg := defaultConfig()
	cfg.ResetTimeout = 5 * time.Millisecond
	cb := newTestBreaker(t, cfg)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}
	time.Sleep(10 * time.Millisecond)
	cb.Execute(context.Background(), fail) // half-open probe fails, reopens

	info := cb.StateInfo()
	want := []struct{ from, to State }{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateOpen},
	}
	if len(info.Transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(info.Transitions))
	}
	for i, w := range want {
		tr := info.Transitions[i]
		if tr.From != w.from || tr.To != w.to {
			t.Errorf("transition %d: expected %v->%v, got %v->%v", i, w.from, w.to, tr.From, tr.To)
		}
		if tr.Time.IsZero() {
			t.Errorf("transition %d: expected timestamp", i)
		}
	}
}

func TestBreaker_StateInfoCounters(t *testing.T) {
	cb := newTestBreaker(t, defaultConfig())

	cb.Execute(context.Background(), succeed)
	cb.Execute(context.Background(), fail)

	info := cb.StateInfo()
	if info.TotalCalls != 2 {
		t.Errorf("expected 2 total calls, got %d", info.TotalCalls)
	}
	if info.Successes != 1 || info.Failures != 1 {
		t.Errorf("expected 1 success and 1 failure, got %d/%d", info.Successes, info.Failures)
	}
	if info.LastSuccess.IsZero() || info.LastFailure.IsZero() {
		t.Error("expected last success and failure timestamps to be set")
	}
	if info.Name != "test-upstream" {
		t.Errorf("expected breaker name in snapshot, got %q", info.Name)
	}
}

func TestBreaker_Do(t *testing.T) {
	cb := newTestBreaker(t, defaultConfig())

	got, err := Do(context.Background(), cb, func(context.Context) (string, error) {
		return "payload", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "payload" {
		t.Fatalf("expected payload, got %q", got)
	}

	_, err = Do(context.Background(), cb, func(context.Context) (string, error) {
		return "", errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
}

func TestBreaker_ConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero failure threshold", Config{ResetTimeout: time.Second, HalfOpenSuccessThreshold: 1, HalfOpenMaxCalls: 1}},
		{"negative reset timeout", Config{FailureThreshold: 1, ResetTimeout: -time.Second, HalfOpenSuccessThreshold: 1, HalfOpenMaxCalls: 1}},
		{"zero half-open successes", Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1}},
		{"zero half-open calls", Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenSuccessThreshold: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("x", tt.cfg, nil, nil)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
		})
	}
}

func TestBreaker_ConcurrentExecute(t *testing.T) {
	cfg := defaultConfig()
	cfg.FailureThreshold = 1000 // stay closed
	cb := newTestBreaker(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				cb.Execute(context.Background(), succeed)
			} else {
				cb.Execute(context.Background(), fail)
			}
			cb.StateInfo()
		}()
	}
	wg.Wait()

	info := cb.StateInfo()
	if info.TotalCalls != 50 {
		t.Fatalf("expected 50 total calls, got %d", info.TotalCalls)
	}
	if info.Successes != 25 || info.Failures != 25 {
		t.Fatalf("expected 25/25 successes/failures, got %d/%d", info.Successes, info.Failures)
	}
}
