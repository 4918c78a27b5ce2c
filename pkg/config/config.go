// Package config loads the runtime's environment knobs (§6): breaker
// tuning, cache sizing, metrics retention, and batch concurrency. Defaults
// come from a YAML file if one is given; every field can be overridden by
// an environment variable so deployments never need to edit the file to
// change a single threshold.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables a dispatchctl process reads at
// startup.
type Config struct {
	Breaker BreakerConfig `yaml:"breaker"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
	Batch   BatchConfig   `yaml:"batch"`
}

// BreakerConfig mirrors tools.BreakerConfig's fields in their wire/env form.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms"`
	FailureWindowMs  int `yaml:"failure_window_ms"`
	MaxBreakers      int `yaml:"max_breakers"`
}

// CacheConfig mirrors tools.Cache's construction knobs.
type CacheConfig struct {
	MaxEntries    int    `yaml:"max_entries"`
	DefaultTTLSec int    `yaml:"default_ttl_seconds"`
	RedisAddr     string `yaml:"redis_addr"`
}

// MetricsConfig mirrors tools.MetricsSink's retention knob.
type MetricsConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// BatchConfig mirrors tools.ExecutorConfig's batch knob.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// Default returns the spec's built-in defaults (§4.3/§4.5/§4.6/§4.7).
func Default() *Config {
	return &Config{
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutMs:   30000,
			FailureWindowMs:  60000,
			MaxBreakers:      500,
		},
		Cache: CacheConfig{
			MaxEntries:    10000,
			DefaultTTLSec: 300,
		},
		Metrics: MetricsConfig{
			RetentionDays: 7,
		},
		Batch: BatchConfig{
			Concurrency: 8,
		},
	}
}

// Load reads a YAML file at path (if non-empty and present) over the
// defaults, then applies environment variable overrides, which always win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envInt("DISPATCH_BREAKER_THRESHOLD", &cfg.Breaker.FailureThreshold)
	envInt("DISPATCH_BREAKER_RESET_MS", &cfg.Breaker.ResetTimeoutMs)
	envInt("DISPATCH_BREAKER_WINDOW_MS", &cfg.Breaker.FailureWindowMs)
	envInt("DISPATCH_BREAKER_MAX", &cfg.Breaker.MaxBreakers)

	envInt("DISPATCH_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	envInt("DISPATCH_CACHE_DEFAULT_TTL_S", &cfg.Cache.DefaultTTLSec)
	envString("DISPATCH_CACHE_REDIS_ADDR", &cfg.Cache.RedisAddr)

	envInt("DISPATCH_METRICS_RETENTION_DAYS", &cfg.Metrics.RetentionDays)

	envInt("DISPATCH_BATCH_CONCURRENCY", &cfg.Batch.Concurrency)
}

func envInt(key string, dest *int) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(raw); err == nil {
		*dest = n
	}
}

func envString(key string, dest *string) {
	if raw, ok := os.LookupEnv(key); ok {
		*dest = raw
	}
}

// ResetTimeout returns the breaker's reset timeout as a time.Duration.
func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMs) * time.Millisecond
}

// FailureWindow returns the breaker's failure window as a time.Duration.
func (b BreakerConfig) FailureWindow() time.Duration {
	return time.Duration(b.FailureWindowMs) * time.Millisecond
}

// Retention returns the metrics retention window as a time.Duration.
func (m MetricsConfig) Retention() time.Duration {
	return time.Duration(m.RetentionDays) * 24 * time.Hour
}
