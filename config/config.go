// Package config provides YAML configuration loading with validation and
// environment variable substitution for the resilience components, plus a
// hot-reload watcher so integrators can rebuild components on changes.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/dskow/resilience-core/cache"
	"github.com/dskow/resilience-core/circuitbreaker"
	"github.com/dskow/resilience-core/ratelimit"
	"github.com/dskow/resilience-core/retry"
)

// Config is the top-level resilience policy configuration.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
}

// LoggingConfig holds structured-log settings.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"` // "debug", "info", "warn", "error"; default "info"
}

// CircuitBreakerConfig holds breaker settings applied to guarded upstreams.
type CircuitBreakerConfig struct {
	FailureThreshold         uint          `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout             time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenSuccessThreshold uint          `yaml:"half_open_success_threshold" json:"half_open_success_threshold"`
	HalfOpenMaxCalls         uint          `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// Build converts the section into a circuit breaker configuration.
func (c CircuitBreakerConfig) Build() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:         c.FailureThreshold,
		ResetTimeout:             c.ResetTimeout,
		HalfOpenSuccessThreshold: c.HalfOpenSuccessThreshold,
		HalfOpenMaxCalls:         c.HalfOpenMaxCalls,
	}
}

// RetryConfig holds retry handler settings.
type RetryConfig struct {
	MaxRetries              uint          `yaml:"max_retries" json:"max_retries"`
	BaseDelay               time.Duration `yaml:"base_delay" json:"base_delay"`
	Backoff                 string        `yaml:"backoff" json:"backoff"` // "fixed", "linear", "exponential"
	MaxDelay                time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter                  bool          `yaml:"jitter" json:"jitter"`
	JitterFactor            float64       `yaml:"jitter_factor" json:"jitter_factor"`
	RetryableStatusCodes    []int         `yaml:"retryable_status_codes" json:"retryable_status_codes"`
	NonRetryableStatusCodes []int         `yaml:"non_retryable_status_codes" json:"non_retryable_status_codes"`
}

// Build converts the section into a retry configuration. Transient kinds
// (timeout, connection, throttled, server) are retryable; client errors are
// not.
func (c RetryConfig) Build() retry.Config {
	var strategy retry.Strategy
	switch c.Backoff {
	case "fixed":
		strategy = retry.Fixed{}
	case "linear":
		strategy = retry.Linear{MaxDelay: c.MaxDelay}
	default:
		strategy = retry.Exponential{
			MaxDelay:     c.MaxDelay,
			Jitter:       c.Jitter,
			JitterFactor: c.JitterFactor,
		}
	}
	return retry.Config{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.BaseDelay,
		Backoff:    strategy,
		RetryableKinds: []retry.Kind{
			retry.KindTimeout,
			retry.KindConnection,
			retry.KindThrottled,
			retry.KindServer,
		},
		NonRetryableKinds:       []retry.Kind{retry.KindClient},
		RetryableStatusCodes:    c.RetryableStatusCodes,
		NonRetryableStatusCodes: c.NonRetryableStatusCodes,
	}
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	MaxSize         uint          `yaml:"max_size" json:"max_size"`
	DefaultTTL      time.Duration `yaml:"default_ttl" json:"default_ttl"`
	Eviction        string        `yaml:"eviction" json:"eviction"` // "lru", "lfu", "ttl"
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// Build converts the section into a cache configuration.
func (c CacheConfig) Build() cache.Config {
	policy, _ := cache.ParseEviction(c.Eviction)
	return cache.Config{
		MaxSize:         c.MaxSize,
		DefaultTTL:      c.DefaultTTL,
		Eviction:        policy,
		CleanupInterval: c.CleanupInterval,
	}
}

// RateLimitConfig holds outbound rate limit settings with optional per-key
// overrides.
type RateLimitConfig struct {
	RequestsPerSecond float64                      `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int                          `yaml:"burst_size" json:"burst_size"`
	Overrides         map[string]RateLimitOverride `yaml:"overrides" json:"overrides,omitempty"`
}

// RateLimitOverride replaces the default limits for one key.
type RateLimitOverride struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// Build converts the section into limiter configurations.
func (c RateLimitConfig) Build() (ratelimit.Config, map[string]ratelimit.Config) {
	overrides := make(map[string]ratelimit.Config, len(c.Overrides))
	for key, o := range c.Overrides {
		overrides[key] = ratelimit.Config{RequestsPerSecond: o.RequestsPerSecond, BurstSize: o.BurstSize}
	}
	return ratelimit.Config{RequestsPerSecond: c.RequestsPerSecond, BurstSize: c.BurstSize}, overrides
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.ResetTimeout == 0 {
		cfg.CircuitBreaker.ResetTimeout = 30 * time.Second
	}
	if cfg.CircuitBreaker.HalfOpenSuccessThreshold == 0 {
		cfg.CircuitBreaker.HalfOpenSuccessThreshold = 2
	}
	if cfg.CircuitBreaker.HalfOpenMaxCalls == 0 {
		cfg.CircuitBreaker.HalfOpenMaxCalls = 1
	}

	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Retry.Backoff == "" {
		cfg.Retry.Backoff = "exponential"
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 10 * time.Second
	}
	if cfg.Retry.Jitter && cfg.Retry.JitterFactor == 0 {
		cfg.Retry.JitterFactor = 0.1
	}

	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 1000
	}
	if cfg.Cache.Eviction == "" {
		cfg.Cache.Eviction = "lru"
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = 1 * time.Minute
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}
}

// validate checks cross-field constraints. Defaults are applied first, so
// rules see the effective values.
func validate(cfg *Config) error {
	if err := validation.ValidateStruct(&cfg.Logging,
		validation.Field(&cfg.Logging.Level, validation.In("debug", "info", "warn", "error")),
	); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if err := validation.ValidateStruct(&cfg.CircuitBreaker,
		validation.Field(&cfg.CircuitBreaker.FailureThreshold, validation.Required, validation.Min(uint(1))),
		validation.Field(&cfg.CircuitBreaker.ResetTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&cfg.CircuitBreaker.HalfOpenSuccessThreshold, validation.Required, validation.Min(uint(1))),
		validation.Field(&cfg.CircuitBreaker.HalfOpenMaxCalls, validation.Required, validation.Min(uint(1))),
	); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}

	if err := validation.ValidateStruct(&cfg.Retry,
		validation.Field(&cfg.Retry.BaseDelay, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&cfg.Retry.Backoff, validation.Required, validation.In("fixed", "linear", "exponential")),
		validation.Field(&cfg.Retry.JitterFactor, validation.Max(1.0)),
	); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	if err := validation.ValidateStruct(&cfg.Cache,
		validation.Field(&cfg.Cache.MaxSize, validation.Required, validation.Min(uint(1))),
		validation.Field(&cfg.Cache.Eviction, validation.Required, validation.In("lru", "lfu", "ttl")),
		validation.Field(&cfg.Cache.CleanupInterval, validation.Required, validation.Min(time.Millisecond)),
	); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	if err := validation.ValidateStruct(&cfg.RateLimit,
		validation.Field(&cfg.RateLimit.RequestsPerSecond, validation.Required, validation.Min(0.0).Exclusive()),
		validation.Field(&cfg.RateLimit.BurstSize, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}

	for key, o := range cfg.RateLimit.Overrides {
		if o.RequestsPerSecond <= 0 || o.BurstSize < 1 {
			return fmt.Errorf("rate_limit: override %q: requests_per_second and burst_size must be positive", key)
		}
	}

	return nil
}
