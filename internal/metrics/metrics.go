// Package metrics exposes the gateway's Prometheus instrumentation.
// Collectors are package-level and registered on the default registry
// so any component can record without carrying a handle around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// RequestsTotal tracks requests entering the pipeline by outcome.
	// Outcome is "forwarded" or the name of the stage that rejected.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total requests by host and pipeline outcome",
		},
		[]string{"host", "outcome"},
	)

	// RequestDuration tracks time spent in the pipeline stages,
	// excluding the upstream round trip.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Pipeline processing duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"host"},
	)

	// StageRejections tracks short-circuits by stage and error code.
	StageRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "stage_rejections_total",
			Help:      "Requests rejected by a pipeline stage",
		},
		[]string{"stage", "code"},
	)
)

// Token refresh metrics
var (
	// RefreshTotal tracks refresh attempts by result: rotated,
	// passthrough, reuse or error.
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by result",
		},
		[]string{"result"},
	)
)

// Authorization metrics
var (
	// AuthzDecisions tracks authorization outcomes by decision reason.
	AuthzDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "authz_decisions_total",
			Help:      "Authorization decisions by allow/deny and reason",
		},
		[]string{"allowed", "reason"},
	)

	// StaleTokens counts requests whose permission digest no longer
	// matches the identity service's state.
	StaleTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "stale_permission_tokens_total",
			Help:      "Requests carrying an out-of-date permission digest",
		},
	)
)

// Webhook metrics
var (
	// WebhooksTotal tracks received webhooks by kind and status.
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by kind and status",
		},
		[]string{"kind", "status"},
	)
)

// Refresh result labels.
const (
	RefreshRotated     = "rotated"
	RefreshPassthrough = "passthrough"
	RefreshReuse       = "reuse"
	RefreshError       = "error"
)
