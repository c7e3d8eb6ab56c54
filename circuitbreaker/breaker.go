// Package circuitbreaker implements a count-threshold circuit breaker for
// guarding calls to an unreliable dependency. The breaker is a three-state
// machine (closed, open, half-open) with a bounded number of concurrent probe
// calls while half-open.
package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resilience-core/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; limited calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// transitionLogSize bounds the retained state transition history.
const transitionLogSize = 100

// Config holds circuit breaker settings. All thresholds are construction-time
// only; there is no dynamic reconfiguration.
type Config struct {
	// FailureThreshold is the number of countable failures accumulated while
	// closed that trips the breaker open. Successes do not clear accumulated
	// failures; only a state transition or Reset does. This gives the breaker
	// a sliding failure budget rather than a strictly-consecutive count.
	FailureThreshold uint

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration

	// HalfOpenSuccessThreshold is the number of successful probes required to
	// close the breaker from half-open.
	HalfOpenSuccessThreshold uint

	// HalfOpenMaxCalls bounds the number of probe calls in flight while
	// half-open. Additional calls are rejected without being invoked.
	HalfOpenMaxCalls uint

	// FailurePredicate classifies an operation error as a countable failure.
	// Errors it rejects propagate to the caller without affecting breaker
	// state. Nil means every non-nil error counts.
	FailurePredicate func(error) bool
}

// Validate reports whether the configuration is usable. Called once by New;
// configuration problems are construction-time failures, never mid-operation.
func (c Config) Validate() error {
	if c.FailureThreshold == 0 {
		return &ConfigError{Field: "FailureThreshold", Reason: "must be at least 1"}
	}
	if c.ResetTimeout < 0 {
		return &ConfigError{Field: "ResetTimeout", Reason: "must not be negative"}
	}
	if c.HalfOpenSuccessThreshold == 0 {
		return &ConfigError{Field: "HalfOpenSuccessThreshold", Reason: "must be at least 1"}
	}
	if c.HalfOpenMaxCalls == 0 {
		return &ConfigError{Field: "HalfOpenMaxCalls", Reason: "must be at least 1"}
	}
	return nil
}

// Transition records a single state change.
type Transition struct {
	Time time.Time
	From State
	To   State
}

// CircuitBreaker guards calls to a single dependency. All methods are safe
// for concurrent use.
type CircuitBreaker struct {
	name    string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// probes bounds in-flight half-open calls. It is separate from mu so
	// that an executing probe never blocks state inspection.
	probes chan struct{}

	mu          sync.Mutex
	state       State
	failures    uint
	successes   uint
	totalCalls  uint64
	lastFailure time.Time
	lastSuccess time.Time
	transitions []Transition // ring buffer, oldest overwritten first
	transHead   int
	transCount  int
}

// New creates a circuit breaker. The name labels log lines and metrics.
// The metrics sink may be nil.
func New(name string, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:        name,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		probes:      make(chan struct{}, cfg.HalfOpenMaxCalls),
		state:       StateClosed,
		transitions: make([]Transition, transitionLogSize),
	}, nil
}

// Execute runs op under the breaker. When the breaker is open (or half-open
// with no probe permit available) op is never invoked and an *OpenError is
// returned. Otherwise op's error is returned unchanged; whether it counts as
// a breaker failure is decided by the configured FailurePredicate.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	holdsPermit, err := cb.admit()
	if err != nil {
		return err
	}
	if holdsPermit {
		defer func() { <-cb.probes }()
	}

	opErr := op(ctx)
	cb.record(opErr)
	return opErr
}

// Do runs a value-returning operation under the breaker. Method type
// parameters are not a thing, so this is the package-level companion to
// Execute for typed results.
func Do[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// admit decides whether a call may proceed. It returns whether the caller
// holds a half-open probe permit that must be released after the call.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		remaining := cb.cfg.ResetTimeout - time.Since(cb.lastFailure)
		if remaining > 0 {
			cb.reject()
			return false, &OpenError{Breaker: cb.name, RetryAfter: remaining}
		}
		cb.transitionTo(StateHalfOpen)
		return cb.acquireProbe()

	case StateHalfOpen:
		return cb.acquireProbe()
	}
	return false, nil
}

// acquireProbe takes a half-open permit without blocking. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) acquireProbe() (bool, error) {
	select {
	case cb.probes <- struct{}{}:
		return true, nil
	default:
		cb.reject()
		return false, &OpenError{Breaker: cb.name, RetryAfter: cb.cfg.ResetTimeout}
	}
}

// reject accounts for a call turned away without invoking the operation.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) reject() {
	if cb.metrics != nil {
		cb.metrics.BreakerRejections.WithLabelValues(cb.name).Inc()
	}
}

// record applies the outcome of an executed call to the state machine.
func (cb *CircuitBreaker) record(opErr error) {
	countable := opErr != nil
	if opErr != nil && cb.cfg.FailurePredicate != nil {
		countable = cb.cfg.FailurePredicate(opErr)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if opErr == nil {
		cb.lastSuccess = time.Now()
		switch cb.state {
		case StateClosed:
			// Accumulated failures are deliberately NOT cleared here; see
			// Config.FailureThreshold.
			cb.successes++
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.HalfOpenSuccessThreshold {
				cb.transitionTo(StateClosed)
			}
		}
		return
	}

	if !countable {
		// The error propagates to the caller but is invisible to the breaker.
		return
	}

	cb.lastFailure = time.Now()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
	}
}

// Reset forces the breaker closed from any state and clears counts. This is
// the manual override for operators.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transitionTo(StateClosed)
		return
	}
	cb.failures = 0
	cb.successes = 0
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// transitionTo changes state, resets counts, appends to the transition log,
// and emits metrics and a log line. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	from := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0

	cb.transitions[cb.transHead] = Transition{Time: time.Now(), From: from, To: newState}
	cb.transHead = (cb.transHead + 1) % transitionLogSize
	if cb.transCount < transitionLogSize {
		cb.transCount++
	}

	if cb.metrics != nil {
		cb.metrics.BreakerTransitions.WithLabelValues(cb.name, from.String(), newState.String()).Inc()
		cb.metrics.BreakerState.WithLabelValues(cb.name).Set(float64(newState))
	}

	cb.logger.Info("circuit breaker state change",
		"breaker", cb.name,
		"from", from.String(),
		"to", newState.String(),
	)
}
