package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/internal/config"
	"github.com/Sternrassler/listing-resolver/pkg/cache"
	"github.com/Sternrassler/listing-resolver/pkg/fallback"
	"github.com/Sternrassler/listing-resolver/pkg/provider"
	"github.com/Sternrassler/listing-resolver/pkg/ratelimit"
)

// storeBackend is the configured cache store plus what the process needs
// to probe and release it.
type storeBackend struct {
	store cache.Store
	ping  func(ctx context.Context) error
	close func()
}

func openStore(ctx context.Context, cfg config.CacheConfig) (*storeBackend, error) {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return &storeBackend{
			store: cache.NewRedisStore(client, cfg.RedisPrefix),
			ping:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
			close: func() { client.Close() },
		}, nil

	case config.CacheBackendSQLite:
		store, err := cache.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storeBackend{
			store: store,
			close: func() { store.Close() },
		}, nil

	case config.CacheBackendPostgres:
		store, pool, err := cache.OpenPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return &storeBackend{
			store: store,
			ping:  pool.Ping,
			close: pool.Close,
		}, nil

	default:
		return &storeBackend{
			store: cache.NewFileStore(cfg.File),
			close: func() {},
		}, nil
	}
}

// buildProviders creates the enabled providers in waterfall order.
func buildProviders(cfg *config.Config, limiter *ratelimit.Tracker, logger *zerolog.Logger) []provider.Provider {
	var providers []provider.Provider
	for _, name := range config.ProviderOrder {
		pc := cfg.Provider(name)
		if !pc.Enabled {
			continue
		}

		opts := provider.Options{
			BaseURL:     pc.BaseURL,
			Timeout:     pc.Timeout,
			Breaker:     pc.Breaker(),
			RateLimiter: limiter,
			Logger:      logger,
		}
		switch name {
		case provider.NameEtsyAPI:
			providers = append(providers, provider.NewEtsyAPI(opts))
		case provider.NameSerper:
			providers = append(providers, provider.NewSerper(opts))
		case provider.NamePerplexity:
			providers = append(providers, provider.NewPerplexity(opts))
		case provider.NameBrave:
			providers = append(providers, provider.NewBrave(opts))
		}
	}
	return providers
}

// loadFallback reads the chain file and, when asked, keeps watching it
// until ctx is done.
func loadFallback(ctx context.Context, cfg config.FallbackConfig, logger *zerolog.Logger) (*fallback.Executor, error) {
	set, err := fallback.LoadChains(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}

	exec := fallback.NewExecutor(fallback.Config{
		Chains:   set.Chains,
		Settings: set.Settings,
		Logger:   logger,
	})

	if cfg.Watch {
		w, err := fallback.NewWatcher(cfg.ChainsFile, exec, logger)
		if err != nil {
			return nil, err
		}
		go w.Run(ctx)
	}
	return exec, nil
}
