package retry

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a closed classification of failure causes. Retry decisions are made
// against Kind values and HTTP-like status codes, never against concrete
// error types, so callers tag errors rather than relying on type hierarchies.
type Kind int

const (
	KindUnknown    Kind = iota // unclassified; never retried
	KindTimeout                // the call exceeded its own deadline
	KindConnection             // transport-level failure (refused, reset, DNS)
	KindThrottled              // the dependency asked us to back off
	KindServer                 // dependency-side error (5xx-like)
	KindClient                 // caller-side error (4xx-like)
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindThrottled:
		return "throttled"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Kinder is implemented by errors that carry a failure kind.
type Kinder interface {
	RetryKind() Kind
}

// StatusCoder is implemented by errors that carry an HTTP-like status code.
type StatusCoder interface {
	StatusCode() int
}

// KindOf extracts the failure kind from err. Context deadline errors map to
// KindTimeout; anything else without a Kinder in its chain is KindUnknown.
func KindOf(err error) Kind {
	var k Kinder
	if errors.As(err, &k) {
		return k.RetryKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// StatusOf extracts an HTTP-like status code from err's chain. Returns 0 when
// the error carries no status.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// kindError tags an error with a Kind without otherwise changing it.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string   { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error   { return e.err }
func (e *kindError) RetryKind() Kind { return e.kind }

// WithKind tags err with a failure kind so the handler can classify it.
// Returns nil when err is nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// StatusError is a failure carrying an HTTP-like status code. Client wrappers
// return it (or any StatusCoder) so the handler can classify by status.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error   { return e.Err }
func (e *StatusError) StatusCode() int { return e.Code }
