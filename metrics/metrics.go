// Package metrics provides Prometheus instrumentation for the resilience
// components. Collectors are constructed per Metrics instance and registered
// on a caller-supplied Registerer; there is no package-level state, so
// multiple independent component sets (or tests) can each own a sink.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all resilience collectors. A nil *Metrics is valid everywhere
// a component accepts one: components skip instrumentation when the sink is
// nil, so metrics are strictly opt-in.
type Metrics struct {
	// BreakerState reports the current circuit breaker state by breaker name
	// (0 = closed, 1 = open, 2 = half-open).
	BreakerState *prometheus.GaugeVec

	// BreakerTransitions counts state transitions by breaker name, from, and to.
	BreakerTransitions *prometheus.CounterVec

	// BreakerRejections counts calls rejected without invoking the wrapped
	// operation, by breaker name.
	BreakerRejections *prometheus.CounterVec

	// RetryTotal counts retry waits (not first attempts) by handler name.
	RetryTotal *prometheus.CounterVec

	// RetryExhausted counts operations that failed all attempts, by handler name.
	RetryExhausted *prometheus.CounterVec

	// CacheHits, CacheMisses, CacheEvictions, and CacheExpired count cache
	// outcomes by cache name.
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheExpired   *prometheus.CounterVec

	// CacheSize tracks the number of live entries by cache name.
	CacheSize *prometheus.GaugeVec

	// RateLimitRejections counts rate limit rejections by limiter name.
	RateLimitRejections *prometheus.CounterVec
}

// New constructs all collectors and registers them on reg. Registering the
// same Metrics twice on one registry panics (prometheus semantics), so build
// one instance per registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resilience_breaker_state",
				Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_breaker_transitions_total",
				Help: "Total circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_breaker_rejections_total",
				Help: "Total calls rejected by an open or saturated breaker",
			},
			[]string{"breaker"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_retries_total",
				Help: "Total retry attempts after a failed call",
			},
			[]string{"handler"},
		),
		RetryExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_retries_exhausted_total",
				Help: "Total operations that failed every attempt",
			},
			[]string{"handler"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_cache_hits_total",
				Help: "Total cache hits",
			},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_cache_misses_total",
				Help: "Total cache misses",
			},
			[]string{"cache"},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_cache_evictions_total",
				Help: "Total entries evicted to make room",
			},
			[]string{"cache"},
		),
		CacheExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_cache_expired_total",
				Help: "Total entries removed because their TTL elapsed",
			},
			[]string{"cache"},
		),
		CacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resilience_cache_entries",
				Help: "Number of live cache entries",
			},
			[]string{"cache"},
		),
		RateLimitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_rate_limit_rejections_total",
				Help: "Total rate limit rejections",
			},
			[]string{"limiter"},
		),
	}

	reg.MustRegister(
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.RetryTotal,
		m.RetryExhausted,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.CacheExpired,
		m.CacheSize,
		m.RateLimitRejections,
	)

	return m
}

// Handler returns an HTTP handler that serves the given registry in the
// Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
