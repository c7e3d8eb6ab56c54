// Package ratelimit provides keyed token-bucket rate limiting for outbound
// calls. Each key (typically an upstream service name) gets its own bucket;
// stale buckets are cleaned up by a background goroutine.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/resilience-core/metrics"
)

const (
	cleanupInterval = 1 * time.Minute
	staleAfter      = 3 * time.Minute
)

// Config holds token bucket settings.
type Config struct {
	// RequestsPerSecond is the sustained refill rate. Must be positive.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity. Must be at least 1.
	BurstSize int
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.RequestsPerSecond <= 0 {
		return &ConfigError{Field: "RequestsPerSecond", Reason: "must be positive"}
	}
	if c.BurstSize < 1 {
		return &ConfigError{Field: "BurstSize", Reason: "must be at least 1"}
	}
	return nil
}

// ConfigError reports an invalid construction parameter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ratelimit config: %s %s", e.Field, e.Reason)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// bucketKey encodes the key together with its effective limits, so a key
// whose override changes gets a fresh bucket.
type bucketKey struct {
	key   string
	rate  rate.Limit
	burst int
}

// Limiter tracks per-key token buckets and performs periodic cleanup of
// stale entries. All methods are safe for concurrent use.
type Limiter struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	buckets   map[bucketKey]*bucket
	rate      rate.Limit
	burst     int
	overrides map[string]Config

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter with the given default limits and optional per-key
// overrides, and starts a background goroutine that removes stale buckets.
// Call Stop when the limiter is no longer needed. The metrics sink may be nil.
func New(name string, cfg Config, overrides map[string]Config, logger *slog.Logger, m *metrics.Metrics) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for key, o := range overrides {
		if err := o.Validate(); err != nil {
			return nil, fmt.Errorf("override %q: %w", key, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		name:      name,
		logger:    logger,
		metrics:   m,
		buckets:   make(map[bucketKey]*bucket),
		rate:      rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.BurstSize,
		overrides: overrides,
		stopCh:    make(chan struct{}),
	}
	go l.cleanup()
	return l, nil
}

// Allow reports whether a call for key may proceed now, consuming a token
// when it may.
func (l *Limiter) Allow(key string) bool {
	limiter := l.getBucket(key)
	if limiter.Allow() {
		return true
	}
	l.logger.Warn("rate limit exceeded", "limiter", l.name, "key", key)
	if l.metrics != nil {
		l.metrics.RateLimitRejections.WithLabelValues(l.name).Inc()
	}
	return false
}

// Stop terminates the background cleanup goroutine. Safe to call more than
// once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// limitsFor resolves the effective rate and burst for key.
func (l *Limiter) limitsFor(key string) (rate.Limit, int) {
	if o, ok := l.overrides[key]; ok {
		return rate.Limit(o.RequestsPerSecond), o.BurstSize
	}
	return l.rate, l.burst
}

// getBucket returns or creates the bucket for key. Read-lock for existing
// buckets (the common path), write-lock only for new insertions. rate.Limiter
// is internally goroutine-safe, so Allow is not called under our lock.
func (l *Limiter) getBucket(key string) *rate.Limiter {
	r, burst := l.limitsFor(key)
	bk := bucketKey{key: key, rate: r, burst: burst}

	l.mu.RLock()
	if b, exists := l.buckets[bk]; exists {
		// Refresh lastSeen only when stale enough to matter for cleanup;
		// avoids taking the write lock on every hit.
		if time.Since(b.lastSeen) > cleanupInterval {
			l.mu.RUnlock()
			l.mu.Lock()
			b.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return b.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if b, exists := l.buckets[bk]; exists {
		b.lastSeen = time.Now()
		return b.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	l.buckets[bk] = &bucket{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for bk, b := range l.buckets {
				if time.Since(b.lastSeen) > staleAfter {
					delete(l.buckets, bk)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
