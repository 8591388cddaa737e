package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	GenerationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_requests_total",
			Help: "Total number of backend generation calls by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	GenerationRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_request_duration_seconds",
			Help:    "Generation call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	BatchJobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_jobs_submitted_total",
			Help: "Total number of batch jobs submitted",
		},
		[]string{"output_type"},
	)
	BatchItemsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_items_running",
			Help: "Number of items currently executing",
		},
	)
	BatchItemsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_items_completed_total",
			Help: "Total number of items that reached a terminal state",
		},
		[]string{"status"},
	)
	CreditsChargedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_charged_total",
			Help: "Total credits debited for jobs",
		},
	)
	CreditsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_refunded_total",
			Help: "Total credits refunded on cancellation",
		},
	)
	WorkerJobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_jobs_claimed_total",
			Help: "Queued jobs claimed by the worker loop",
		},
	)
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Retry attempts by error class",
		},
		[]string{"class"},
	)
	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_waits_total",
			Help: "Acquire outcomes on rate limiters",
		},
		[]string{"limiter", "outcome"},
	)
	CooldownActiveEntities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cooldown_active_entities",
			Help: "Entities currently held in cooldown",
		},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call from multiple entry points.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			GenerationRequestsTotal,
			GenerationRequestDuration,
			BatchJobsSubmittedTotal,
			BatchItemsRunning,
			BatchItemsCompletedTotal,
			CreditsChargedTotal,
			CreditsRefundedTotal,
			WorkerJobsClaimedTotal,
			RetryAttemptsTotal,
			RateLimitWaits,
			CooldownActiveEntities,
		)
	})
}
