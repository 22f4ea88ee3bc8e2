// Package metrics provides Prometheus instrumentation for StoryNest.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storynest_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storynest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Queue metrics.
var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storynest_jobs_enqueued_total",
		Help: "Total number of generation jobs enqueued.",
	}, []string{"kind"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storynest_jobs_completed_total",
		Help: "Total number of generation jobs that succeeded.",
	}, []string{"kind"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storynest_jobs_failed_total",
		Help: "Total number of generation jobs that failed terminally.",
	}, []string{"kind"})

	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storynest_jobs_retried_total",
		Help: "Total number of retryable attempt failures.",
	}, []string{"kind"})

	JobsProcessing = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storynest_jobs_processing",
		Help: "Number of jobs currently being processed.",
	}, []string{"kind"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storynest_job_duration_seconds",
		Help:    "Duration of successful generation attempts in seconds.",
		Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180},
	}, []string{"kind"})
)

// Fan-out metrics.
var (
	SSESubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storynest_sse_subscriptions",
		Help: "Number of live event stream subscriptions.",
	})

	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storynest_push_deliveries_total",
		Help: "Push notification delivery outcomes per device.",
	}, []string{"outcome"}) // delivered, invalid_token, error

	EmailFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storynest_email_fallbacks_total",
		Help: "Notifications delivered via the email fallback.",
	})
)
