// Package pipeline composes a response cache, retry handler, and circuit
// breaker into a single guarded call path. Composition is explicit: the
// pipeline holds references to the components it was built with and applies
// them in a fixed, caller-chosen order, with no runtime function wrapping.
package pipeline

import (
	"context"
	"time"

	"github.com/dskow/resilience-core/cache"
	"github.com/dskow/resilience-core/circuitbreaker"
	"github.com/dskow/resilience-core/retry"
)

// Pipeline applies cache-then-guarded-call to an operation. Any of the three
// components may be absent; the corresponding layer is skipped. The zero
// value is a pipeline that just invokes the operation.
type Pipeline struct {
	cache   *cache.Cache
	retry   *retry.Handler
	breaker *circuitbreaker.CircuitBreaker

	// retryInsideBreaker nests the retry loop inside the breaker, so a full
	// retry exhaustion counts as one breaker failure. When false the breaker
	// guards each individual attempt and the retry handler sees (and does not
	// retry) breaker rejections.
	retryInsideBreaker bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCache adds a cache lookup before the call and a store after success.
func WithCache(c *cache.Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithRetry adds a retry layer around the call.
func WithRetry(h *retry.Handler) Option {
	return func(p *Pipeline) { p.retry = h }
}

// WithBreaker adds a circuit breaker layer around the call.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(p *Pipeline) { p.breaker = cb }
}

// RetryInsideBreaker nests the whole retry loop in a single breaker call.
// The default is the opposite: the breaker guards each attempt.
func RetryInsideBreaker() Option {
	return func(p *Pipeline) { p.retryInsideBreaker = true }
}

// New builds a pipeline from the given options.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do executes op through the pipeline. When a cache is configured and key is
// non-empty, a fresh cached value short-circuits the call entirely; a
// successful call stores its result under key with the given ttl (zero ttl
// uses the cache default).
func Do[T any](ctx context.Context, p *Pipeline, key string, ttl time.Duration, op func(context.Context) (T, error)) (T, error) {
	if p.cache != nil && key != "" {
		if v, ok := p.cache.Get(key); ok {
			if typed, ok := v.(T); ok {
				return typed, nil
			}
			// A value of the wrong type under this key means the key is
			// shared across call sites; treat as a miss and overwrite below.
		}
	}

	var out T
	call := func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}

	if err := p.execute(ctx, call); err != nil {
		var zero T
		return zero, err
	}

	if p.cache != nil && key != "" {
		p.cache.Set(key, out, ttl)
	}
	return out, nil
}

// Execute runs an error-only operation through the guard layers, skipping the
// cache. Useful for writes and other non-idempotent calls that must not be
// served from cache.
func (p *Pipeline) Execute(ctx context.Context, op func(context.Context) error) error {
	return p.execute(ctx, op)
}

func (p *Pipeline) execute(ctx context.Context, op func(context.Context) error) error {
	switch {
	case p.retry != nil && p.breaker != nil && p.retryInsideBreaker:
		return p.breaker.Execute(ctx, func(ctx context.Context) error {
			return p.retry.Execute(ctx, op)
		})
	case p.retry != nil && p.breaker != nil:
		return p.retry.Execute(ctx, func(ctx context.Context) error {
			return p.breaker.Execute(ctx, op)
		})
	case p.breaker != nil:
		return p.breaker.Execute(ctx, op)
	case p.retry != nil:
		return p.retry.Execute(ctx, op)
	default:
		return op(ctx)
	}
}
