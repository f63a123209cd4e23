// Package orchestrator resolves listing counts by walking providers from the
// most trusted to the least trusted, behind a result cache.
//
// Resolution is a strict short-circuit waterfall: the first provider that
// answers wins, nothing is merged or voted on. Provider failures are recorded
// against that provider's circuit breaker and never reach the caller; when
// every tier is skipped or fails the caller gets the unresolved sentinel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/pkg/cache"
	"github.com/Sternrassler/listing-resolver/pkg/listing"
	"github.com/Sternrassler/listing-resolver/pkg/logging"
	"github.com/Sternrassler/listing-resolver/pkg/provider"
)

// Prometheus metrics for resolutions.
var (
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_resolutions_total",
		Help: "Total resolutions by the source that answered",
	}, []string{"source"})

	tierAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_tier_attempts_total",
		Help: "Provider tier attempts by outcome",
	}, []string{"provider", "outcome"}) // success, failure, canceled, skipped_unconfigured, skipped_open

	resolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "listing_resolution_duration_seconds",
		Help:    "End-to-end resolution duration in seconds",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// ErrAllTiersExhausted is the terminal condition reported in the result
// error when no provider produced a count.
var ErrAllTiersExhausted = errors.New("all tiers exhausted")

// Options tune a single resolution.
type Options struct {
	// TTL overrides the source-based cache TTL when positive.
	TTL time.Duration

	// BypassCache skips the cache read. The answer is still cached.
	BypassCache bool
}

// Orchestrator is the tiered resolver.
type Orchestrator struct {
	cache     *cache.ResultCache
	providers []provider.Provider
	logger    zerolog.Logger
}

// New creates an orchestrator over providers in priority order. cache may
// be nil to disable caching.
func New(c *cache.ResultCache, providers []provider.Provider, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cache:     c,
		providers: providers,
		logger:    logging.OrDefault(logger, "orchestrator"),
	}
}

// Providers returns the tiers in priority order.
func (o *Orchestrator) Providers() []provider.Provider {
	return o.providers
}

// Cache returns the result cache, or nil.
func (o *Orchestrator) Cache() *cache.ResultCache {
	return o.cache
}

// Resolve returns the best available count for keyword. It never fails;
// problems are reported in the result.
func (o *Orchestrator) Resolve(ctx context.Context, keyword string) listing.Result {
	return o.ResolveWithOptions(ctx, keyword, Options{})
}

// ResolveWithOptions is Resolve with per-call options.
func (o *Orchestrator) ResolveWithOptions(ctx context.Context, keyword string, opts Options) listing.Result {
	startTime := time.Now()
	defer func() {
		resolutionDuration.Observe(time.Since(startTime).Seconds())
	}()

	key := cache.NormalizeKey(keyword)
	if key == "" {
		resolutionsTotal.WithLabelValues(listing.SourceError).Inc()
		return listing.Unresolved(keyword, listing.SourceError, fmt.Errorf("keyword is required"))
	}

	logger := o.logger.With().Str("keyword", key).Logger()

	if o.cache != nil && !opts.BypassCache {
		if entry, ok := o.cache.Get(key); ok {
			logger.Debug().Str("source", entry.Source).Msg("Cache hit")
			resolutionsTotal.WithLabelValues(listing.SourceCache).Inc()
			res := entry.Result(time.Now().UTC())
			res.Keyword = keyword
			return res
		}
	}

	var reasons []string
	for _, p := range o.providers {
		name := p.Name()

		if !p.IsConfigured() {
			tierAttemptsTotal.WithLabelValues(name, "skipped_unconfigured").Inc()
			reasons = append(reasons, fmt.Sprintf("%s: %v", name, provider.ErrNotConfigured))
			continue
		}

		if b := p.Breaker(); b != nil && !b.Allow() {
			tierAttemptsTotal.WithLabelValues(name, "skipped_open").Inc()
			logger.Debug().Str("provider", name).Msg("Circuit open, skipping provider")
			reasons = append(reasons, fmt.Sprintf("%s: %v", name, provider.ErrCircuitOpen))
			continue
		}

		res, err := o.fetch(ctx, p, keyword)
		if err != nil {
			if ctx.Err() != nil {
				// The caller gave up. Not the provider's fault, and later
				// tiers would fail the same way.
				tierAttemptsTotal.WithLabelValues(name, "canceled").Inc()
				reasons = append(reasons, fmt.Sprintf("%s: %v", name, ctx.Err()))
				break
			}

			if b := p.Breaker(); b != nil {
				b.RecordFailure()
			}
			tierAttemptsTotal.WithLabelValues(name, "failure").Inc()
			logger.Warn().
				Err(err).
				Str("provider", name).
				Str("error_class", provider.Classify(err)).
				Msg("Provider failed, falling through")
			reasons = append(reasons, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		if b := p.Breaker(); b != nil {
			b.RecordSuccess()
		}
		tierAttemptsTotal.WithLabelValues(name, "success").Inc()

		if res.Source == "" {
			res.Source = name
		}
		res.Keyword = keyword
		res.Cached = false
		if res.Timestamp.IsZero() {
			res.Timestamp = time.Now().UTC()
		}

		if o.cache != nil {
			o.cache.Set(keyword, res.Count, res.Source, res.Confidence, cache.SetOptions{TTL: opts.TTL})
		}

		logger.Info().
			Str("source", res.Source).
			Int64("count", res.Count).
			Str("confidence", string(res.Confidence)).
			Msg("Resolved listing count")
		resolutionsTotal.WithLabelValues(res.Source).Inc()
		return *res
	}

	var err error
	switch {
	case len(o.providers) == 0:
		err = fmt.Errorf("%w: no providers registered", ErrAllTiersExhausted)
	default:
		err = fmt.Errorf("%w: %s", ErrAllTiersExhausted, strings.Join(reasons, "; "))
	}

	logger.Warn().Err(err).Msg("Could not resolve listing count")
	resolutionsTotal.WithLabelValues(listing.SourceFallback).Inc()
	return listing.Unresolved(keyword, listing.SourceFallback, err)
}

// fetch calls p and converts a panic into a failure.
func (o *Orchestrator) fetch(ctx context.Context, p provider.Provider, keyword string) (res *listing.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("provider", p.Name()).
				Interface("panic", r).
				Msg("Provider panicked")
			res, err = nil, fmt.Errorf("%s panicked: %v", p.Name(), r)
		}
	}()

	res, err = p.Fetch(ctx, keyword)
	if err == nil && res == nil {
		err = fmt.Errorf("%s returned no result", p.Name())
	}
	return res, err
}

// Status is the orchestrator view exposed to operators.
type Status struct {
	Providers []provider.Status `json:"providers"`
	Cache     *cache.Stats      `json:"cache,omitempty"`
}

// Status snapshots every provider and the cache.
func (o *Orchestrator) Status() Status {
	s := Status{Providers: make([]provider.Status, 0, len(o.providers))}
	for _, p := range o.providers {
		s.Providers = append(s.Providers, provider.StatusOf(p))
	}
	if o.cache != nil {
		stats := o.cache.Stats()
		s.Cache = &stats
	}
	return s
}
