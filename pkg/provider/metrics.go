package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for provider requests.
var (
	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_provider_requests_total",
		Help: "Total upstream requests by provider and status",
	}, []string{"provider", "status"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "listing_provider_request_duration_seconds",
		Help:    "Upstream request duration in seconds by provider",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	providerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_provider_errors_total",
		Help: "Total provider errors by class",
	}, []string{"provider", "class"})
)
