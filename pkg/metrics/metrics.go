// Package metrics exposes the Prometheus registry used by the listing resolver.
// All metrics are defined in their respective packages (cache, provider,
// orchestrator, ...) to maintain modularity and avoid circular dependencies.
//
// This package provides the HTTP handler and a reference for every metric.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the listing resolver.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Resolution Metrics (pkg/orchestrator):
//   - listing_resolutions_total{source} (Counter): Resolutions by the source that answered (cache, provider, fallback, error)
//   - listing_tier_attempts_total{provider, outcome} (Counter): Tier attempts (success, failure, canceled, skipped_unconfigured, skipped_open)
//   - listing_resolution_duration_seconds (Histogram): End-to-end resolution duration
//
// Provider Metrics (pkg/provider):
//   - listing_provider_requests_total{provider, status} (Counter): Upstream requests by HTTP status
//   - listing_provider_request_duration_seconds{provider} (Histogram): Upstream request duration
//   - listing_provider_errors_total{provider, class} (Counter): Errors by class (client, server, rate_limit, network, timeout, extraction)
//
// Circuit Breaker Metrics (pkg/circuitbreaker):
//   - listing_circuit_breaker_state{provider} (Gauge): 0 closed, 1 open, 2 half-open
//   - listing_circuit_breaker_transitions_total{provider, to} (Counter): State transitions
//
// Rate Limit Metrics (pkg/ratelimit):
//   - listing_provider_quota_remaining{provider} (Gauge): Upstream quota reported by response headers
//   - listing_rate_limit_blocks_total{provider} (Counter): Requests refused because the quota is exhausted
//   - listing_rate_limit_throttles_total{provider} (Counter): Requests delayed by the local limiter
//
// Cache Metrics (pkg/cache):
//   - listing_cache_hits_total (Counter): Cache hits
//   - listing_cache_misses_total (Counter): Cache misses, including lazily expired entries
//   - listing_cache_evictions_total{reason} (Counter): Evictions (lru, expired)
//   - listing_cache_entries (Gauge): Entries currently held
//   - listing_cache_errors_total{operation} (Counter): Persistence errors (load, save)
//
// Fallback Metrics (pkg/fallback):
//   - listing_fallback_executions_total{operation, level} (Counter): Chain executions by answering level, "exhausted" when none did
//   - listing_fallback_level_failures_total{operation, level} (Counter): Failed levels
//
// Tool Metrics (internal/tools):
//   - listing_tool_calls_total{tool, status} (Counter): Tool calls by outcome
//   - listing_tool_call_duration_seconds{tool} (Histogram): Tool call duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(listing_cache_hits_total[5m])) /
//   (sum(rate(listing_cache_hits_total[5m])) + sum(rate(listing_cache_misses_total[5m])))
//
//   # Share of resolutions nobody could answer
//   rate(listing_resolutions_total{source="fallback"}[5m]) / sum(rate(listing_resolutions_total[5m]))
//
//   # Open breakers
//   listing_circuit_breaker_state == 1
//
//   # P95 upstream latency per provider
//   histogram_quantile(0.95, sum by (provider, le) (rate(listing_provider_request_duration_seconds_bucket[5m])))
