// Package cache provides a thread-safe, capacity-bounded response cache with
// per-entry TTLs, pluggable eviction, and a periodic background sweep that
// purges expired entries.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resilience-core/metrics"
)

// NoExpiry as a Set TTL argument stores the entry without an expiry, even
// when the cache has a default TTL configured.
const NoExpiry time.Duration = -1

// Config holds cache settings.
type Config struct {
	// MaxSize bounds the number of entries. Enforced at Set time: when a new
	// key would exceed it, victims are evicted first.
	MaxSize uint

	// DefaultTTL applies to entries stored with a zero TTL argument.
	// Zero means entries do not expire unless Set is given a TTL.
	DefaultTTL time.Duration

	// Eviction selects the victim policy when the cache is full.
	Eviction Eviction

	// CleanupInterval is how often the background sweep purges expired
	// entries. Must be positive.
	CleanupInterval time.Duration
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.MaxSize == 0 {
		return &ConfigError{Field: "MaxSize", Reason: "must be at least 1"}
	}
	if c.CleanupInterval <= 0 {
		return &ConfigError{Field: "CleanupInterval", Reason: "must be positive"}
	}
	if !c.Eviction.valid() {
		return &ConfigError{Field: "Eviction", Reason: "unknown policy"}
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
	return fmt.Sprintf("cache config: %s %s", e.Field, e.Reason)
}

// Stats are monotonically increasing operation counters, reset only by Clear.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
	Requests  uint64 `json:"total_requests"`
}

// Info is a point-in-time snapshot for runtime inspection.
type Info struct {
	Name   string `json:"name"`
	Size   int    `json:"size"`
	Stats  Stats  `json:"stats"`
	Config Config `json:"config"`
}

type entry struct {
	value        any
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  uint64
	ttl          time.Duration // 0 = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.After(e.createdAt.Add(e.ttl))
}

// Cache is a bounded key/value store. All methods are safe for concurrent
// use; the background sweep takes the same lock as foreground operations, so
// readers never observe a half-updated entry.
type Cache struct {
	name    string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background cleanup sweep. Call Close to
// stop the sweep when the cache is no longer needed. The metrics sink may be
// nil.
func New(name string, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	go c.sweep()
	return c, nil
}

// Get returns the value stored under key. An entry whose TTL has elapsed is
// removed and reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Requests++

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		if c.metrics != nil {
			c.metrics.CacheMisses.WithLabelValues(c.name).Inc()
		}
		return nil, false
	}

	if e.expired(now) {
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Expired++
		if c.metrics != nil {
			c.metrics.CacheMisses.WithLabelValues(c.name).Inc()
			c.metrics.CacheExpired.WithLabelValues(c.name).Inc()
			c.metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
		}
		return nil, false
	}

	e.lastAccessed = now
	e.accessCount++
	c.stats.Hits++
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(c.name).Inc()
	}
	return e.value, true
}

// Set stores value under key. A zero ttl uses the configured default; pass
// NoExpiry to store without an expiry regardless of the default. When the key
// is new and the cache is full, victims are evicted first.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	now := c.now()

	effective := ttl
	switch {
	case ttl == 0:
		effective = c.cfg.DefaultTTL
	case ttl < 0:
		effective = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for uint(len(c.entries)) >= c.cfg.MaxSize {
			if !c.evictOne(now) {
				break
			}
		}
	}

	c.entries[key] = &entry{
		value:        value,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  1,
		ttl:          effective,
	}
	if c.metrics != nil {
		c.metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
	}
}

// evictOne removes a single victim chosen by the configured policy. Must be
// called with c.mu held. Returns false when the store is empty.
func (c *Cache) evictOne(now time.Time) bool {
	key, ok := c.cfg.Eviction.victim(c.entries, now)
	if !ok {
		return false
	}
	delete(c.entries, key)
	c.stats.Evictions++
	if c.metrics != nil {
		c.metrics.CacheEvictions.WithLabelValues(c.name).Inc()
	}
	c.logger.Debug("cache eviction", "cache", c.name, "key", key, "policy", c.cfg.Eviction.String())
	return true
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		if c.metrics != nil {
			c.metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
		}
	}
	return ok
}

// Clear removes all entries and resets the stats counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.stats = Stats{}
	if c.metrics != nil {
		c.metrics.CacheSize.WithLabelValues(c.name).Set(0)
	}
}

// CleanupExpired removes every entry whose TTL has elapsed and returns how
// many were removed. The background sweep calls this on the configured
// interval; callers may also invoke it synchronously.
func (c *Cache) CleanupExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.stats.Expired += uint64(removed)
		if c.metrics != nil {
			c.metrics.CacheExpired.WithLabelValues(c.name).Add(float64(removed))
			c.metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
		}
	}
	return removed
}

// Len returns the number of live entries, including any whose TTL has elapsed
// but which have not yet been swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetInfo returns a snapshot of the cache size, stats, and configuration.
func (c *Cache) GetInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Name:   c.name,
		Size:   len(c.entries),
		Stats:  c.stats,
		Config: c.cfg,
	}
}

// Close stops the background sweep. Safe to call more than once. The cache
// remains usable after Close; only periodic cleanup stops.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.CleanupExpired(); n > 0 {
				c.logger.Debug("cache sweep removed expired entries", "cache", c.name, "count", n)
			}
		case <-c.stopCh:
			return
		}
	}
}
