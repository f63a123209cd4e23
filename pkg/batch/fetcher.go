package batch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/pkg/listing"
	"github.com/Sternrassler/listing-resolver/pkg/logging"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel resolutions.
	// Each resolution may walk several upstream tiers.
	MaxConcurrency int
	// Timeout per keyword
	Timeout time.Duration
}

// DefaultConfig returns a configuration safe for the slowest provider quotas.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        30 * time.Second,
	}
}

// Resolver is the single-keyword resolution the fetcher fans out.
type Resolver interface {
	Resolve(ctx context.Context, keyword string) listing.Result
}

// Fetcher resolves keyword lists in parallel.
type Fetcher struct {
	resolver Resolver
	config   Config
	logger   zerolog.Logger
}

// NewFetcher creates a new batch fetcher
func NewFetcher(resolver Resolver, config Config, logger *zerolog.Logger) *Fetcher {
	def := DefaultConfig()
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &Fetcher{
		resolver: resolver,
		config:   config,
		logger:   logging.OrDefault(logger, "batch"),
	}
}

// ResolveAll resolves every keyword and returns results in input order.
// It never fails; keywords skipped because ctx ended carry the context error.
func (f *Fetcher) ResolveAll(ctx context.Context, keywords []string) []listing.Result {
	start := time.Now()
	results := make([]listing.Result, len(keywords))
	if len(keywords) == 0 {
		return results
	}

	workers := f.config.MaxConcurrency
	if workers > len(keywords) {
		workers = len(keywords)
	}

	queue := make(chan int, len(keywords))
	for i := range keywords {
		queue <- i
	}
	close(queue)

	done := make([]bool, len(keywords))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go f.worker(ctx, keywords, queue, results, done, &wg, w)
	}
	wg.Wait()

	resolved := 0
	for i, ok := range done {
		if !ok {
			results[i] = listing.Unresolved(keywords[i], listing.SourceError, ctx.Err())
			continue
		}
		if results[i].Resolved() {
			resolved++
		}
	}

	f.logger.Info().
		Int("keywords", len(keywords)).
		Int("resolved", resolved).
		Int("workers", workers).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return results
}

// worker resolves keywords from the queue. Each index is owned by exactly
// one worker, so results and done need no lock.
func (f *Fetcher) worker(ctx context.Context, keywords []string, queue <-chan int, results []listing.Result, done []bool, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		select {
		case <-ctx.Done():
			f.logger.Debug().
				Int("worker_id", workerID).
				Int("processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		kwCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		results[i] = f.resolver.Resolve(kwCtx, keywords[i])
		cancel()

		done[i] = true
		processed++
	}

	if processed > 0 {
		f.logger.Debug().
			Int("worker_id", workerID).
			Int("processed", processed).
			Msg("Worker completed")
	}
}
