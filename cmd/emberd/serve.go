package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kyralis/ember/internal/cache"
	"github.com/kyralis/ember/internal/coalescer"
	"github.com/kyralis/ember/internal/config"
	"github.com/kyralis/ember/internal/logging"
	"github.com/kyralis/ember/internal/observability"
	"github.com/kyralis/ember/internal/store"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ember daemon",
		Long:  "Run the tiered usage cache, write coalescer and ingest API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")

	return cmd
}

func runServe(cfg *config.Config) error {
	ctx := context.Background()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "emberd",
		SampleRate:  cfg.Telemetry.SampleRate,
	}); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer observability.Shutdown(context.Background())

	// The remote tier is optional: with no Redis configured the cache
	// runs local-only and counters report 0.
	var remote cache.Remote
	if cfg.Redis.Addr != "" {
		r := cache.NewRedisRemote(cache.RedisConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			DialTimeout:  time.Duration(cfg.Redis.DialTimeoutMS) * time.Millisecond,
			ReadTimeout:  time.Duration(cfg.Redis.ReadTimeoutMS) * time.Millisecond,
			WriteTimeout: time.Duration(cfg.Redis.WriteTimeoutMS) * time.Millisecond,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := r.Ping(pingCtx); err != nil {
			logging.Op().Warn("redis unreachable at startup, cache degrades to local-only until it recovers", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
		remote = r
	}

	tiered, err := cache.NewTiered(remote, cache.Options{
		L1Capacity:    cfg.Cache.L1Capacity,
		L1MaxTTL:      cfg.Cache.L1MaxTTL(),
		EvictFraction: cfg.Cache.EvictionFraction,
		TTL: cache.TTLPolicy{
			PerCategory: cfg.Cache.CategoryTTLs(),
			Default:     cfg.Cache.DefaultTTL(),
		},
	})
	if err != nil {
		return err
	}
	defer tiered.Close()

	pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	writer, err := coalescer.New(pg, tiered, coalescer.Config{
		BatchSize:      cfg.Coalescer.BatchSize,
		FlushInterval:  cfg.Coalescer.FlushInterval(),
		IdempotencyTTL: cfg.Coalescer.IdempotencyTTL(),
	})
	if err != nil {
		return err
	}

	handler := &apiHandler{
		cache:  tiered,
		writer: writer,
		store:  pg,
	}
	mux := http.NewServeMux()
	handler.registerRoutes(mux)

	httpServer := &http.Server{
		Addr:    cfg.Daemon.HTTPAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Op().Info("emberd started", "addr", cfg.Daemon.HTTPAddr,
			"l1_capacity", cfg.Cache.L1Capacity, "batch_size", cfg.Coalescer.BatchSize)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Op().Info("shutdown signal received", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		if err := writer.FlushAll(shutdownCtx); err != nil {
			logging.Op().Error("final drain failed, pending events lost", "error", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("emberd server error: %w", err)
	}
}
