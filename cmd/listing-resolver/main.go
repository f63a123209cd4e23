// Command listing-resolver serves Etsy listing counts over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/listing-resolver/internal/config"
	"github.com/Sternrassler/listing-resolver/internal/tools"
	"github.com/Sternrassler/listing-resolver/pkg/audit"
	"github.com/Sternrassler/listing-resolver/pkg/batch"
	"github.com/Sternrassler/listing-resolver/pkg/cache"
	"github.com/Sternrassler/listing-resolver/pkg/logging"
	"github.com/Sternrassler/listing-resolver/pkg/orchestrator"
	"github.com/Sternrassler/listing-resolver/pkg/ratelimit"
)

const serviceName = "listing-resolver"

const defaultShutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("listing-resolver stopped")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(logging.Config{
		Level:   logging.LogLevel(cfg.Logging.Level),
		Pretty:  cfg.Logging.Pretty,
		Output:  os.Stderr,
		Service: serviceName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openStore(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer backend.close()
	logger.Info().Str("backend", cfg.Cache.Backend).Msg("Cache store ready")

	resultCache := cache.New(cache.Config{
		MaxSize:      cfg.Cache.MaxSize,
		SyncInterval: cfg.Cache.SyncInterval,
		TTLPolicy:    cfg.Cache.TTLPolicy(),
		Store:        backend.store,
		Logger:       &logger,
	})
	if err := resultCache.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}

	limiter := ratelimit.NewTracker(cfg.RateLimits(), &logger)
	providers := buildProviders(cfg, limiter, &logger)
	if len(providers) == 0 {
		return errors.New("every provider is disabled")
	}

	orch := orchestrator.New(resultCache, providers, &logger)
	deps := tools.Deps{
		Orchestrator: orch,
		Batch:        batch.NewFetcher(orch, batch.Config{MaxConcurrency: cfg.Batch.MaxConcurrency}, &logger),
		Logger:       &logger,
	}

	if cfg.Fallback.ChainsFile != "" {
		exec, err := loadFallback(ctx, cfg.Fallback, &logger)
		if err != nil {
			return err
		}
		deps.Fallback = exec
	}
	if cfg.Audit.Enabled {
		deps.Audit = audit.NewLogger(cfg.Audit.File, &logger)
	}

	app := newApp(&server{
		registry: tools.NewRegistry(deps),
		ready:    backend.ping,
		logger:   logging.NewLogger("http"),
	})

	listen := func() error {
		logger.Info().
			Str("address", cfg.Server.Address).
			Str("environment", cfg.Server.Environment).
			Int("providers", len(providers)).
			Msg("Starting listing resolver")
		return app.Listen(cfg.Server.Address, fiber.ListenConfig{DisableStartupMessage: true})
	}

	return serve(ctx, listen, cfg.Server.ShutdownTimeout, logger,
		shutdownStep{"HTTP shutdown", app.ShutdownWithContext},
		shutdownStep{"Final cache flush", resultCache.Shutdown},
	)
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// serve runs listen until it returns or ctx ends. The shutdown steps run on
// both paths so a failed listener still flushes the cache.
func serve(ctx context.Context, listen func() error, timeout time.Duration, logger zerolog.Logger, steps ...shutdownStep) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- listen()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")

	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, step := range steps {
		if err := step.fn(shutdownCtx); err != nil {
			logger.Warn().Err(err).Str("step", step.name).Msg("Shutdown step failed")
		}
	}

	if serveErr != nil {
		return serveErr
	}
	logger.Info().Msg("Stopped")
	return nil
}
