// Package provider implements the upstream listing count sources.
//
// Each provider owns one circuit breaker and reports whether its credentials
// are present. Providers never consult their breaker themselves; the caller
// gates requests with Allow and records the outcome.
package provider

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/pkg/circuitbreaker"
	"github.com/Sternrassler/listing-resolver/pkg/listing"
	"github.com/Sternrassler/listing-resolver/pkg/ratelimit"
)

// Provider names, also used as result sources.
const (
	NameEtsyAPI    = "etsy-api"
	NameSerper     = "serper"
	NamePerplexity = "perplexity"
	NameBrave      = "brave"
)

// DefaultTimeout bounds a single upstream call.
const DefaultTimeout = 10 * time.Second

// Provider is one tier of the resolution waterfall.
type Provider interface {
	// Name identifies the provider and is the Source of its results.
	Name() string

	// IsConfigured reports whether required credentials are present.
	IsConfigured() bool

	// Fetch resolves keyword. Any error is a provider failure.
	Fetch(ctx context.Context, keyword string) (*listing.Result, error)

	// Breaker returns the breaker guarding this provider.
	Breaker() *circuitbreaker.Breaker
}

// Coster is implemented by providers that bill per query.
type Coster interface {
	CostPerQuery() float64
}

// Status is the externally visible state of a provider.
type Status struct {
	Name           string                  `json:"name"`
	Configured     bool                    `json:"configured"`
	CircuitBreaker circuitbreaker.Snapshot `json:"circuitBreaker"`
	CostPerQuery   float64                 `json:"costPerQuery,omitempty"`
}

// StatusOf snapshots p.
func StatusOf(p Provider) Status {
	s := Status{
		Name:       p.Name(),
		Configured: p.IsConfigured(),
	}
	if b := p.Breaker(); b != nil {
		s.CircuitBreaker = b.Snapshot()
	}
	if c, ok := p.(Coster); ok {
		s.CostPerQuery = c.CostPerQuery()
	}
	return s
}

// Options configure a provider. Zero values select the provider defaults.
type Options struct {
	// APIKey overrides the key read from the environment.
	APIKey string

	// AccessToken overrides ETSY_ACCESS_TOKEN. Only the Etsy API uses it.
	AccessToken string

	BaseURL    string
	Timeout    time.Duration
	Breaker    circuitbreaker.Config
	HTTPClient *http.Client

	// RateLimiter paces requests. nil means unlimited.
	RateLimiter *ratelimit.Tracker

	Logger *zerolog.Logger
}

func credential(override, env string) string {
	if override != "" {
		return override
	}
	return os.Getenv(env)
}

// breakerConfig fills zero fields of cfg from def.
func breakerConfig(cfg, def circuitbreaker.Config) circuitbreaker.Config {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return cfg
}

// base carries what every provider variant shares.
type base struct {
	name    string
	breaker *circuitbreaker.Breaker
	http    *httpDoer
	baseURL string
}

func newBase(name, defaultURL string, opts Options, def circuitbreaker.Config) base {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultURL
	}
	return base{
		name:    name,
		breaker: circuitbreaker.New(name, breakerConfig(opts.Breaker, def)),
		http:    newHTTPDoer(name, opts),
		baseURL: baseURL,
	}
}

// Name returns the provider name.
func (b *base) Name() string { return b.name }

// Breaker returns the provider's breaker.
func (b *base) Breaker() *circuitbreaker.Breaker { return b.breaker }

func (b *base) result(keyword string, n int64, confidence listing.Confidence) *listing.Result {
	return &listing.Result{
		Keyword:    keyword,
		Count:      n,
		Source:     b.name,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
}
