// Package config loads emberd configuration from a YAML file with
// environment variable overrides. Validation happens once at startup;
// request paths never see configuration errors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds connection settings for the remote cache tier.
type RedisConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	KeyPrefix      string `yaml:"key_prefix"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

// PostgresConfig holds the bulk-persist store settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// CacheConfig holds the tiered cache settings.
type CacheConfig struct {
	L1Capacity         int            `yaml:"l1_capacity"`
	L1MaxTTLSeconds    int            `yaml:"l1_max_ttl_seconds"`
	DefaultTTLSeconds  int            `yaml:"default_ttl_seconds"`
	EvictionFraction   float64        `yaml:"eviction_fraction"`
	CategoryTTLSeconds map[string]int `yaml:"category_ttl_seconds"`
}

// CoalescerConfig holds the write coalescer settings.
type CoalescerConfig struct {
	BatchSize             int `yaml:"batch_size"`
	FlushIntervalMS       int `yaml:"flush_interval_ms"`
	IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds"`
}

// DaemonConfig holds daemon-level settings.
type DaemonConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Config is the central configuration struct.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Cache     CacheConfig     `yaml:"cache"`
	Coalescer CoalescerConfig `yaml:"coalescer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr: ":8087",
			LogLevel: "info",
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			KeyPrefix:      "ember:cache:",
			DialTimeoutMS:  2000,
			ReadTimeoutMS:  1000,
			WriteTimeoutMS: 1000,
		},
		Cache: CacheConfig{
			L1Capacity:        10000,
			L1MaxTTLSeconds:   60,
			DefaultTTLSeconds: 300,
			EvictionFraction:  0.20,
			CategoryTTLSeconds: map[string]int{
				"usage_summary": 300,
				"invoice":       3600,
				"pricing_rules": 86400,
			},
		},
		Coalescer: CoalescerConfig{
			BatchSize:             100,
			FlushIntervalMS:       100,
			IdempotencyTTLSeconds: 86400,
		},
		Telemetry: TelemetryConfig{
			SampleRate: 1.0,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("EMBER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EMBER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EMBER_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("EMBER_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("EMBER_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("EMBER_L1_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.L1Capacity = n
		}
	}
	if v := os.Getenv("EMBER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Coalescer.BatchSize = n
		}
	}
}

// Validate rejects settings that cannot produce a working service.
func (c *Config) Validate() error {
	if c.Cache.L1Capacity <= 0 {
		return fmt.Errorf("cache.l1_capacity must be positive, got %d", c.Cache.L1Capacity)
	}
	if c.Cache.L1MaxTTLSeconds <= 0 {
		return fmt.Errorf("cache.l1_max_ttl_seconds must be positive, got %d", c.Cache.L1MaxTTLSeconds)
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("cache.default_ttl_seconds must be positive, got %d", c.Cache.DefaultTTLSeconds)
	}
	if c.Cache.EvictionFraction <= 0 || c.Cache.EvictionFraction > 1 {
		return fmt.Errorf("cache.eviction_fraction must be in (0, 1], got %g", c.Cache.EvictionFraction)
	}
	for category, ttl := range c.Cache.CategoryTTLSeconds {
		if ttl <= 0 {
			return fmt.Errorf("cache.category_ttl_seconds[%s] must be positive, got %d", category, ttl)
		}
	}
	if c.Coalescer.BatchSize <= 0 {
		return fmt.Errorf("coalescer.batch_size must be positive, got %d", c.Coalescer.BatchSize)
	}
	if c.Coalescer.FlushIntervalMS <= 0 {
		return fmt.Errorf("coalescer.flush_interval_ms must be positive, got %d", c.Coalescer.FlushIntervalMS)
	}
	return nil
}

// L1MaxTTL returns the L1 TTL cap as a duration.
func (c *CacheConfig) L1MaxTTL() time.Duration {
	return time.Duration(c.L1MaxTTLSeconds) * time.Second
}

// DefaultTTL returns the global default TTL as a duration.
func (c *CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// CategoryTTLs returns the per-category TTL table as durations.
func (c *CacheConfig) CategoryTTLs() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.CategoryTTLSeconds))
	for category, seconds := range c.CategoryTTLSeconds {
		out[category] = time.Duration(seconds) * time.Second
	}
	return out
}

// FlushInterval returns the coalescer flush window as a duration.
func (c *CoalescerConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// IdempotencyTTL returns the idempotency mark TTL as a duration.
func (c *CoalescerConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}
