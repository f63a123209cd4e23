package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/listing-resolver/pkg/logging"
)

// ErrQuotaExhausted is returned by Wait while a provider's quota is critical.
var ErrQuotaExhausted = errors.New("provider quota exhausted")

// Prometheus metrics for rate limit tracking.
var (
	quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "listing_provider_quota_remaining",
		Help: "Requests remaining in the provider's current quota window",
	}, []string{"provider"})

	rateLimitBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_rate_limit_blocks_total",
		Help: "Total number of requests refused because the provider quota is critical",
	}, []string{"provider"})

	rateLimitThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_rate_limit_throttles_total",
		Help: "Total number of requests that had to wait for a rate limit token",
	}, []string{"provider"})
)

// Quota headers, checked in order. Comma-separated values list several
// windows; the last one is the longest window.
var (
	remainingHeaders = []string{"X-Remaining-Today", "X-RateLimit-Remaining"}
	limitHeaders     = []string{"X-Limit-Per-Day", "X-RateLimit-Limit"}
	resetHeaders     = []string{"X-RateLimit-Reset"}
)

// Limit is a token bucket configuration. A non-positive RatePerSecond means
// unlimited.
type Limit struct {
	RatePerSecond float64
	Burst         int
}

// Tracker owns one limiter and one quota state per provider.
type Tracker struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	quotas   map[string]*QuotaState
	now      func() time.Time
	logger   zerolog.Logger
}

// NewTracker creates a tracker with the given per-provider limits.
func NewTracker(limits map[string]Limit, logger *zerolog.Logger) *Tracker {
	t := &Tracker{
		limiters: make(map[string]*rate.Limiter),
		quotas:   make(map[string]*QuotaState),
		now:      time.Now,
		logger:   logging.OrDefault(logger, "ratelimit"),
	}
	for provider, l := range limits {
		t.SetLimit(provider, l)
	}
	return t
}

// SetLimit replaces the limiter for provider.
func (t *Tracker) SetLimit(provider string, l Limit) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l.RatePerSecond <= 0 {
		delete(t.limiters, provider)
		return
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	t.limiters[provider] = rate.NewLimiter(rate.Limit(l.RatePerSecond), burst)
}

// Limiter returns the limiter for provider, or nil when it is unlimited.
func (t *Tracker) Limiter(provider string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiters[provider]
}

// Wait blocks until provider may send a request or ctx is done. A provider
// whose reported quota is critical is refused with ErrQuotaExhausted. Nil
// trackers and unknown providers are unlimited.
func (t *Tracker) Wait(ctx context.Context, provider string) error {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	lim := t.limiters[provider]
	var state QuotaState
	q, hasQuota := t.quotas[provider]
	if hasQuota {
		state = *q
	}
	now := t.now()
	t.mu.Unlock()

	if hasQuota && state.NeedsCriticalBlock(now) {
		rateLimitBlocksTotal.WithLabelValues(provider).Inc()
		t.logger.Error().
			Str("provider", provider).
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset(now)).
			Msg("Provider quota critical - blocking request")
		return fmt.Errorf("%w: %s", ErrQuotaExhausted, provider)
	}

	if lim == nil {
		return nil
	}
	if lim.Allow() {
		return nil
	}

	rateLimitThrottlesTotal.WithLabelValues(provider).Inc()
	t.logger.Debug().Str("provider", provider).Msg("Rate limit reached - waiting for token")
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", provider, err)
	}
	return nil
}

// UpdateFromHeaders records the quota an upstream reported in its response
// headers. Responses without quota headers are ignored.
func (t *Tracker) UpdateFromHeaders(provider string, headers http.Header) error {
	if t == nil {
		return nil
	}

	remainStr := firstHeader(headers, remainingHeaders)
	if remainStr == "" {
		return nil
	}
	remain, err := lastInt(remainStr)
	if err != nil {
		return fmt.Errorf("parse remaining quota header: %w", err)
	}

	now := t.now()
	state := &QuotaState{
		Provider:   provider,
		Remaining:  remain,
		LastUpdate: now,
	}
	if v := firstHeader(headers, limitHeaders); v != "" {
		if limit, err := lastInt(v); err == nil {
			state.Limit = limit
		}
	}
	if v := firstHeader(headers, resetHeaders); v != "" {
		secs, err := lastInt(v)
		if err != nil {
			return fmt.Errorf("parse quota reset header: %w", err)
		}
		state.ResetAt = now.Add(time.Duration(secs) * time.Second)
	}
	state.UpdateHealth()

	t.mu.Lock()
	t.quotas[provider] = state
	t.mu.Unlock()

	quotaRemaining.WithLabelValues(provider).Set(float64(remain))

	switch {
	case state.NeedsCriticalBlock(now):
		t.logger.Error().Str("provider", provider).Int("remaining", remain).
			Msg("Provider quota CRITICAL - requests will be blocked")
	case state.NeedsThrottling(now):
		t.logger.Warn().Str("provider", provider).Int("remaining", remain).
			Msg("Provider quota WARNING")
	default:
		t.logger.Debug().Str("provider", provider).Int("remaining", remain).
			Msg("Provider quota updated")
	}
	return nil
}

// State returns a copy of the last quota reported by provider.
func (t *Tracker) State(provider string) (QuotaState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.quotas[provider]
	if !ok {
		return QuotaState{}, false
	}
	return *q, true
}

func firstHeader(h http.Header, names []string) string {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func lastInt(v string) (int, error) {
	parts := strings.Split(v, ",")
	return strconv.Atoi(strings.TrimSpace(parts[len(parts)-1]))
}
