package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listing_cache_hits_total",
			Help: "Total number of listing count cache hits",
		},
	)

	// CacheMisses tracks cache misses, including lazily evicted expired entries
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listing_cache_misses_total",
			Help: "Total number of listing count cache misses",
		},
	)

	// CacheEvictions tracks removed entries by reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_cache_evictions_total",
			Help: "Total number of cache evictions by reason",
		},
		[]string{"reason"}, // "lru", "expired"
	)

	// CacheEntries tracks the number of entries held in memory
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listing_cache_entries",
			Help: "Current number of entries in the listing count cache",
		},
	)

	// CacheErrors tracks persistence errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_cache_errors_total",
			Help: "Total number of cache persistence errors",
		},
		[]string{"operation"}, // "load", "save"
	)
)
