// Package retry executes operations against unreliable dependencies,
// re-attempting transient failures with a configurable backoff strategy.
// Failures are classified by Kind and HTTP-like status code; unclassified
// errors are never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dskow/resilience-core/metrics"
)

// Config holds retry settings.
type Config struct {
	// MaxRetries is the number of re-attempts after the first try; a handler
	// makes at most MaxRetries+1 calls.
	MaxRetries uint

	// BaseDelay feeds the backoff strategy. Must be positive.
	BaseDelay time.Duration

	// Backoff computes inter-attempt delays. Must be non-nil.
	Backoff Strategy

	// RetryableKinds and NonRetryableKinds classify failures by Kind. A kind
	// in NonRetryableKinds short-circuits even when it also appears in
	// RetryableKinds.
	RetryableKinds    []Kind
	NonRetryableKinds []Kind

	// RetryableStatusCodes and NonRetryableStatusCodes classify failures that
	// carry a status code but no recognized Kind.
	RetryableStatusCodes    []int
	NonRetryableStatusCodes []int
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.BaseDelay <= 0 {
		return &ConfigError{Field: "BaseDelay", Reason: "must be positive"}
	}
	if c.Backoff == nil {
		return &ConfigError{Field: "Backoff", Reason: "must be set"}
	}
	return nil
}

// ConfigError reports an invalid construction parameter. Returned only by
// New, never during operation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("retry config: %s %s", e.Field, e.Reason)
}

// ErrExhausted is the errors.Is target for attempt-budget exhaustion.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError is returned when every attempt failed. It wraps the last
// underlying error for diagnostics.
type ExhaustedError struct {
	// Handler is the name of the handler that gave up.
	Handler string

	// Attempts is the total number of calls made, including the first.
	Attempts uint

	// Err is the error from the final attempt.
	Err error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry %q: exhausted after %d attempts: %v", e.Handler, e.Attempts, e.Err)
}

// Unwrap exposes the last underlying error plus the ErrExhausted sentinel.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Err}
}

// Handler executes operations with retries. It keeps no state across calls;
// concurrent Execute invocations are fully independent.
type Handler struct {
	name    string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	retryKinds    map[Kind]struct{}
	noRetryKinds  map[Kind]struct{}
	retryStatus   map[int]struct{}
	noRetryStatus map[int]struct{}
}

// New creates a retry handler. The name labels log lines and metrics.
// The metrics sink may be nil.
func New(name string, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		name:          name,
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		retryKinds:    kindSet(cfg.RetryableKinds),
		noRetryKinds:  kindSet(cfg.NonRetryableKinds),
		retryStatus:   intSet(cfg.RetryableStatusCodes),
		noRetryStatus: intSet(cfg.NonRetryableStatusCodes),
	}, nil
}

func kindSet(kinds []Kind) map[Kind]struct{} {
	s := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

func intSet(codes []int) map[int]struct{} {
	s := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

// Execute runs op, re-attempting retryable failures until success or the
// attempt budget is spent. Non-retryable and unclassified errors are returned
// unchanged after the first failing attempt. The wait between attempts is
// cancellable: when ctx is done mid-wait, ctx.Err() is returned and the loop
// aborts.
func (h *Handler) Execute(ctx context.Context, op func(context.Context) error) error {
	attempts := h.cfg.MaxRetries + 1

	var lastErr error
	for attempt := uint(1); attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}
		if !h.shouldRetry(lastErr) {
			return lastErr
		}

		delay := h.cfg.Backoff.Delay(attempt, h.cfg.BaseDelay)

		if h.metrics != nil {
			h.metrics.RetryTotal.WithLabelValues(h.name).Inc()
		}
		h.logger.Warn("retrying operation",
			"handler", h.name,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if h.metrics != nil {
		h.metrics.RetryExhausted.WithLabelValues(h.name).Inc()
	}
	return &ExhaustedError{Handler: h.name, Attempts: attempts, Err: lastErr}
}

// Do runs a value-returning operation with retries; the package-level
// companion to Execute for typed results.
func Do[T any](ctx context.Context, h *Handler, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := h.Execute(ctx, func(ctx context.Context) error {
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

// shouldRetry classifies a failure. Order matters: non-retryable kind, then
// retryable kind, then non-retryable status, then retryable status. Anything
// unclassified is not retried.
func (h *Handler) shouldRetry(err error) bool {
	kind := KindOf(err)
	if _, ok := h.noRetryKinds[kind]; ok {
		return false
	}
	if _, ok := h.retryKinds[kind]; ok {
		return true
	}

	if status := StatusOf(err); status != 0 {
		if _, ok := h.noRetryStatus[status]; ok {
			return false
		}
		if _, ok := h.retryStatus[status]; ok {
			return true
		}
	}
	return false
}
