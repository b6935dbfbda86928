// Package metrics defines the prometheus collectors for queue throughput.
// Collectors register on the default registry and are exposed by the API
// server's /metrics endpoint via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsClaimed counts jobs claimed by this process.
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_jobs_claimed_total",
		Help: "Jobs claimed from the queue by this worker process.",
	})

	// JobsCompleted counts jobs this process marked completed.
	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_jobs_completed_total",
		Help: "Jobs marked completed by this worker process.",
	})

	// JobsFailed counts failed processor attempts, labelled by whether the
	// failure was permanent (no retry) or transient (returned to pending).
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_failed_total",
		Help: "Failed job attempts reported by this worker process.",
	}, []string{"permanent"})

	// JobsReaped counts stale-job recoveries, labelled by outcome.
	JobsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_jobs_reaped_total",
		Help: "Stale processing jobs recovered by the reaper.",
	}, []string{"outcome"}) // requeued | failed

	// EnqueueThrottled counts enqueue requests rejected by the per-IP limiter.
	EnqueueThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_enqueue_throttled_total",
		Help: "Enqueue requests rejected by the per-IP rate limiter.",
	})

	// JobsInFlight tracks processor invocations currently running.
	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_jobs_in_flight",
		Help: "Processor invocations currently running in this process.",
	})

	// JobDuration observes wall-clock processor execution time by job type.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_job_duration_seconds",
		Help:    "Processor execution time by job type.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms .. ~7m
	}, []string{"job_type"})
)
