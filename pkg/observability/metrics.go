// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the sitzung gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and model.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitzung_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "model"},
	)

	// RequestDuration records HTTP request duration in seconds by method and model.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitzung_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "model"},
	)

	// StreamingConnections tracks the number of active SSE streaming connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitzung_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// UpstreamRequestsTotal counts dispatch attempts against the backend.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitzung_upstream_requests_total",
			Help: "Upstream dispatch attempts",
		},
		[]string{"model", "status"},
	)

	// UpstreamLatency records backend time-to-completion in seconds.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitzung_upstream_latency_seconds",
			Help:    "Upstream latency",
			Buckets: LLMBuckets,
		},
		[]string{"model"},
	)

	// RetriesTotal counts orchestrator retries by trigger.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitzung_retries_total",
			Help: "Request retries",
		},
		[]string{"reason"},
	)

	// CredentialRefreshesTotal counts refresh triggers by outcome.
	CredentialRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitzung_credential_refreshes_total",
			Help: "Credential refresh triggers",
		},
		[]string{"result"},
	)

	// PoolVersion exposes the credential pool's monotonic version.
	PoolVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitzung_credential_pool_version",
			Help: "Credential pool version",
		},
	)

	// PoolWaiters tracks requests blocked on a credential update.
	PoolWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitzung_credential_pool_waiters",
			Help: "Requests waiting for a credential update",
		},
	)

	// TokensTotal counts estimated tokens by direction (prompt/completion).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitzung_tokens_total",
			Help: "Estimated token count",
		},
		[]string{"model", "direction"},
	)

	// TrackerBacktracksTotal counts stale path-index resends dropped by the
	// stream pipeline.
	TrackerBacktracksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sitzung_tracker_backtracks_total",
			Help: "Path tracker backtrack events",
		},
	)

	// HarvesterConnections tracks connected harvester websocket clients.
	HarvesterConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitzung_harvester_connections_active",
			Help: "Connected harvester clients",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		UpstreamRequestsTotal,
		UpstreamLatency,
		RetriesTotal,
		CredentialRefreshesTotal,
		PoolVersion,
		PoolWaiters,
		TokensTotal,
		TrackerBacktracksTotal,
		HarvesterConnections,
	)
}
