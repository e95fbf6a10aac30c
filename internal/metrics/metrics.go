// Package metrics provides Prometheus instrumentation for the pipeline engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric collectors for the pipeline engine.
type Metrics struct {
	JobsEnqueued     *prometheus.CounterVec
	JobsDuplicate    *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	JobsFailed       *prometheus.CounterVec
	JobsRetried      *prometheus.CounterVec
	JobsSuspended    *prometheus.CounterVec
	JobsResumed      *prometheus.CounterVec
	JobsRecovered    prometheus.Counter
	AttemptLatency   *prometheus.HistogramVec
	LockContention   prometheus.Counter
	LeasesLost       prometheus.Counter
	JobsByStatus     *prometheus.GaugeVec
	QueueDepth       *prometheus.GaugeVec
	OutboxPublished  prometheus.Counter
	OutboxFailures   prometheus.Counter
	OutboxPending    prometheus.Gauge
	PoisonDeliveries prometheus.Counter
	WorkerBusy       *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Total number of jobs accepted, partitioned by workflow type.",
		}, []string{"workflow_type"}),

		JobsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_duplicate_total",
			Help: "Submissions that matched an existing correlation id.",
		}, []string{"workflow_type"}),

		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Total number of jobs completed successfully.",
		}, []string{"workflow_type"}),

		JobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_failed_total",
			Help: "Total number of jobs that permanently failed, by classification.",
		}, []string{"workflow_type", "classification"}),

		JobsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_retried_total",
			Help: "Total number of retries scheduled.",
		}, []string{"workflow_type"}),

		JobsSuspended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_suspended_total",
			Help: "Total number of suspensions awaiting an external event.",
		}, []string{"workflow_type"}),

		JobsResumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_resumed_total",
			Help: "Total number of suspended jobs reactivated by an event.",
		}, []string{"workflow_type"}),

		JobsRecovered: f.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_recovered_total",
			Help: "Processing jobs returned to pending after their worker vanished.",
		}),

		AttemptLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_attempt_duration_seconds",
			Help:    "Duration of a single processing attempt.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"workflow_type"}),

		LockContention: f.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_lock_contention_total",
			Help: "Deliveries skipped because another worker held the job lock.",
		}),

		LeasesLost: f.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_leases_lost_total",
			Help: "Attempts abandoned because the job lease expired mid-run.",
		}),

		JobsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_jobs",
			Help: "Current number of jobs by status.",
		}, []string{"status"}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Current number of messages held by a broker queue.",
		}, []string{"queue"}),

		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_outbox_published_total",
			Help: "Outbox messages published to the broker.",
		}),

		OutboxFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_outbox_publish_failures_total",
			Help: "Outbox publish attempts that failed.",
		}),

		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_outbox_pending",
			Help: "Outbox messages not yet dispatched.",
		}),

		PoisonDeliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_poison_deliveries_total",
			Help: "Deliveries rejected because the message could not be decoded.",
		}),

		WorkerBusy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_worker_busy",
			Help: "Number of attempts the worker is currently running.",
		}, []string{"worker_id"}),
	}
}
