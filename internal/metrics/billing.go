package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequests counts inbound platform notifications by outcome.
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_requests_total",
			Help: "Total number of platform webhook deliveries",
		},
		[]string{"platform", "event_type", "status"},
	)

	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_webhook_duration_seconds",
			Help:    "Time spent handling a platform webhook delivery",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	// ReconcileTotal counts reconciliations by platform and outcome
	// (missing, ignored, unchanged, updated, transition).
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_reconcile_total",
			Help: "Total number of subscription reconciliations",
		},
		[]string{"platform", "outcome"},
	)

	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_side_effect_failures_total",
			Help: "Total number of failed post-commit side effects",
		},
		[]string{"hook"},
	)
)
