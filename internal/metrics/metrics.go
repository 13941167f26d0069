package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronomap_tasks_submitted_total",
			Help: "Total number of research tasks submitted to the provider",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronomap_tasks_completed_total",
			Help: "Total number of research tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronomap_task_duration_seconds",
			Help:    "Wall-clock duration of research tasks observed to completion",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 900},
		},
	)

	// Streaming metrics
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronomap_active_streams",
			Help: "Number of progress streams currently open",
		},
	)

	StreamHandoffs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronomap_stream_handoffs_total",
			Help: "Streams that exhausted their poll budget and handed off to polling",
		},
	)

	ProviderPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronomap_provider_poll_duration_seconds",
			Help:    "Latency of provider status polls",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronomap_provider_errors_total",
			Help: "Provider call failures by operation",
		},
		[]string{"operation"},
	)

	// Quota metrics
	QuotaChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronomap_quota_checks_total",
			Help: "Quota gate decisions by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// Ledger metrics
	LedgerWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronomap_ledger_write_failures_total",
			Help: "Task status write-backs that failed (logged and swallowed)",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronomap_sessions_created_total",
			Help: "Local sessions minted via the identity bridge",
		},
	)

	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronomap_session_cache_hits_total",
			Help: "Session lookups served from the local cache",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronomap_session_cache_misses_total",
			Help: "Session lookups that fell through to Redis",
		},
	)
)
