// Package metrics defines the Prometheus instrumentation for the mailgrab
// core: detection, connection probing, job queues, sync jobs and the
// database pools. All metrics are registered through promauto at package
// load and exposed by the HTTP API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Detection metrics
var (
	DetectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrab_detection_attempts_total",
			Help: "Total number of detection runs by terminal result",
		},
		[]string{"result"},
	)

	DetectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgrab_detection_duration_seconds",
			Help:    "Duration of detection runs in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
	)

	DetectionCandidatesTested = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgrab_detection_candidates_tested",
			Help:    "Number of candidate configurations attempted per detection",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)

	MXLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrab_mx_lookups_total",
			Help: "Total number of MX lookups by source",
		},
		[]string{"source", "status"},
	)
)

// Connection probe metrics
var (
	ProbeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrab_probe_attempts_total",
			Help: "Total number of candidate connection probes",
		},
		[]string{"protocol", "result"},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgrab_probe_duration_seconds",
			Help:    "Duration of candidate connection probes in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"protocol"},
	)
)

// Queue metrics
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailgrab_queue_jobs",
			Help: "Current number of jobs by state across all owner queues",
		},
		[]string{"state"},
	)

	QueuesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgrab_queues_active",
			Help: "Current number of live owner queues",
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrab_jobs_processed_total",
			Help: "Total number of jobs executed by kind and status",
		},
		[]string{"kind", "status"},
	)

	WorkerSaturationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailgrab_worker_saturation_retries_total",
			Help: "Times a job was requeued because the worker pool was full",
		},
	)
)

// Sync metrics
var (
	SyncJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrab_sync_jobs_total",
			Help: "Total number of sync jobs by terminal status",
		},
		[]string{"status"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgrab_sync_duration_seconds",
			Help:    "Duration of sync jobs in seconds",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 480, 600},
		},
	)

	SyncAddressesExtracted = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailgrab_sync_addresses_extracted",
			Help:    "Unique addresses discovered per sync job",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	SyncQuotaOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrab_sync_quota_outcomes_total",
			Help: "Quota decisions applied to sync results",
		},
		[]string{"outcome"},
	)
)

// Cancellation registry metrics
var (
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrab_cancellations_total",
			Help: "Total number of cancelled operations by kind and reason",
		},
		[]string{"kind", "reason"},
	)

	OperationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgrab_operations_in_flight",
			Help: "Current number of registered cancellable operations",
		},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailgrab_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailgrab_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgrab_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
	)

	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgrab_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
	)

	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailgrab_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
	)
)
