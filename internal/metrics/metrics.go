package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient_failure"
	OutcomePermanent = "permanent_failure"
	OutcomeCanceled  = "canceled"
)

var (
	// RefreshesScheduled counts refresh tasks handed to the scheduler.
	RefreshesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_refreshes_scheduled_total",
			Help: "The total number of token refresh tasks scheduled.",
		},
	)

	// RefreshesCompleted counts finished refresh cycles by outcome.
	RefreshesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenkeeper_refreshes_completed_total",
			Help: "The total number of token refresh cycles, by outcome.",
		},
		[]string{"outcome"},
	)

	// RefreshRetries counts individual refresh attempts beyond the first.
	RefreshRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokenkeeper_refresh_retries_total",
			Help: "The total number of token refresh retry attempts.",
		},
	)

	// RefreshDuration observes how long a full refresh cycle takes,
	// including retries and backoff.
	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tokenkeeper_refresh_duration_seconds",
			Help:    "A histogram of token refresh cycle duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// RefreshesInFlight shows refresh cycles currently executing.
	RefreshesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenkeeper_refreshes_in_flight",
			Help: "The number of token refresh cycles currently running.",
		},
	)

	// ScheduledTasks shows accounts with an armed refresh timer.
	ScheduledTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenkeeper_scheduled_tasks",
			Help: "The number of accounts with a pending refresh task.",
		},
	)

	// AuthorizationFlows counts interactive authorization flows by result.
	AuthorizationFlows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenkeeper_authorization_flows_total",
			Help: "The total number of interactive authorization flows, by result.",
		},
		[]string{"result"},
	)

	// StoredTokens mirrors the store's token count for dashboards.
	StoredTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenkeeper_stored_tokens",
			Help: "The number of tokens currently stored.",
		},
	)

	// ExpiredTokens mirrors the store's expired token count.
	ExpiredTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenkeeper_expired_tokens",
			Help: "The number of stored tokens past their expiry.",
		},
	)
)
