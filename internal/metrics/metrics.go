// Package metrics exposes the process's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts registry API requests by method and status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpgateway_requests_total",
		Help: "Registry API requests handled.",
	}, []string{"method", "status"})

	// ProxyRequestsTotal counts proxied MCP requests by backend and status.
	ProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpgateway_proxy_requests_total",
		Help: "MCP requests proxied to backends.",
	}, []string{"server", "status"})

	// ProxyDuration observes proxied request latency by backend.
	ProxyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcpgateway_proxy_duration_seconds",
		Help:    "Latency of proxied MCP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"server"})

	// FederationSyncsTotal counts sync outcomes per source.
	FederationSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpgateway_federation_syncs_total",
		Help: "Federation sync attempts by source and outcome.",
	}, []string{"source", "outcome"})

	// SearchQueriesTotal counts search queries by mode.
	SearchQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpgateway_search_queries_total",
		Help: "Search queries by search mode.",
	}, []string{"mode"})

	// BackpressureTotal counts proxy pool exhaustion events.
	BackpressureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcpgateway_proxy_backpressure_total",
		Help: "Requests rejected because a backend pool was exhausted.",
	}, []string{"server"})
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
