package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrOpen is the errors.Is target for breaker rejections.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned when the breaker rejects a call without invoking the
// wrapped operation, either because the circuit is open or because all
// half-open probe permits are in use.
type OpenError struct {
	// Breaker is the name of the rejecting breaker.
	Breaker string

	// RetryAfter estimates how long until the breaker will admit a call.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Breaker, e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrOpen) work on rejections.
func (e *OpenError) Unwrap() error {
	return ErrOpen
}

// ConfigError reports an invalid construction parameter. It is returned only
// by New, never during operation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("circuitbreaker config: %s %s", e.Field, e.Reason)
}
