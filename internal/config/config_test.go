package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ember.yaml")
	data := `
daemon:
  http_addr: ":9000"
cache:
  l1_capacity: 500
  category_ttl_seconds:
    invoice: 7200
coalescer:
  batch_size: 25
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Daemon.HTTPAddr != ":9000" {
		t.Fatalf("expected overridden http addr, got %q", cfg.Daemon.HTTPAddr)
	}
	if cfg.Cache.L1Capacity != 500 {
		t.Fatalf("expected overridden capacity, got %d", cfg.Cache.L1Capacity)
	}
	if cfg.Cache.CategoryTTLSeconds["invoice"] != 7200 {
		t.Fatalf("expected overridden invoice TTL, got %d", cfg.Cache.CategoryTTLSeconds["invoice"])
	}
	if cfg.Coalescer.BatchSize != 25 {
		t.Fatalf("expected overridden batch size, got %d", cfg.Coalescer.BatchSize)
	}
	// Untouched settings keep their defaults.
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected default redis addr, got %q", cfg.Redis.Addr)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EMBER_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("EMBER_POSTGRES_DSN", "postgres://ember@db/ember")
	t.Setenv("EMBER_L1_CAPACITY", "2048")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Fatalf("expected env redis addr, got %q", cfg.Redis.Addr)
	}
	if cfg.Postgres.DSN != "postgres://ember@db/ember" {
		t.Fatalf("expected env postgres dsn, got %q", cfg.Postgres.DSN)
	}
	if cfg.Cache.L1Capacity != 2048 {
		t.Fatalf("expected env capacity, got %d", cfg.Cache.L1Capacity)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Cache.L1Capacity = 0 }},
		{"zero l1 ttl", func(c *Config) { c.Cache.L1MaxTTLSeconds = 0 }},
		{"zero default ttl", func(c *Config) { c.Cache.DefaultTTLSeconds = 0 }},
		{"fraction too large", func(c *Config) { c.Cache.EvictionFraction = 1.2 }},
		{"negative category ttl", func(c *Config) { c.Cache.CategoryTTLSeconds["invoice"] = -1 }},
		{"zero batch size", func(c *Config) { c.Coalescer.BatchSize = 0 }},
		{"zero flush interval", func(c *Config) { c.Coalescer.FlushIntervalMS = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Cache.L1MaxTTL() != 60*time.Second {
		t.Fatalf("unexpected L1 max TTL: %s", cfg.Cache.L1MaxTTL())
	}
	if cfg.Coalescer.FlushInterval() != 100*time.Millisecond {
		t.Fatalf("unexpected flush interval: %s", cfg.Coalescer.FlushInterval())
	}
	ttls := cfg.Cache.CategoryTTLs()
	if ttls["invoice"] != time.Hour {
		t.Fatalf("unexpected invoice TTL: %s", ttls["invoice"])
	}
}
