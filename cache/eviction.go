package cache

import "time"

// Eviction selects the policy used to choose a victim when the cache is full.
type Eviction int

const (
	// LRU evicts the entry with the oldest last access.
	LRU Eviction = iota

	// LFU evicts the entry with the fewest accesses.
	LFU

	// TTLFirst evicts the oldest expired entry when one exists, otherwise the
	// oldest entry by creation time.
	TTLFirst
)

// String returns the policy name as used in configuration files.
func (e Eviction) String() string {
	switch e {
	case LRU:
		return "lru"
	case LFU:
		return "lfu"
	case TTLFirst:
		return "ttl"
	default:
		return "unknown"
	}
}

// ParseEviction maps a configuration string to a policy.
func ParseEviction(s string) (Eviction, bool) {
	switch s {
	case "lru":
		return LRU, true
	case "lfu":
		return LFU, true
	case "ttl":
		return TTLFirst, true
	}
	return 0, false
}

func (e Eviction) valid() bool {
	return e == LRU || e == LFU || e == TTLFirst
}

// victim picks the single entry to evict this round, or ok=false when the
// store is empty.
func (e Eviction) victim(entries map[string]*entry, now time.Time) (string, bool) {
	switch e {
	case LFU:
		return minEntry(entries, func(a, b *entry) bool {
			return a.accessCount < b.accessCount
		})
	case TTLFirst:
		if key, ok := minEntry(entries, func(a, b *entry) bool {
			return a.createdAt.Before(b.createdAt)
		}, func(en *entry) bool { return en.expired(now) }); ok {
			return key, true
		}
		return minEntry(entries, func(a, b *entry) bool {
			return a.createdAt.Before(b.createdAt)
		})
	default: // LRU
		return minEntry(entries, func(a, b *entry) bool {
			return a.lastAccessed.Before(b.lastAccessed)
		})
	}
}

// minEntry scans for the smallest entry under less, optionally restricted by
// a filter. Linear scan: the cache bounds are small and a scan avoids the
// bookkeeping of auxiliary heaps for three different orderings.
func minEntry(entries map[string]*entry, less func(a, b *entry) bool, filters ...func(*entry) bool) (string, bool) {
	var (
		bestKey string
		best    *entry
	)
scan:
	for key, e := range entries {
		for _, keep := range filters {
			if !keep(e) {
				continue scan
			}
		}
		if best == nil || less(e, best) {
			bestKey = key
			best = e
		}
	}
	return bestKey, best != nil
}
