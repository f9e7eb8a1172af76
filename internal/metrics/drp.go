package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "huntsman"

// Queue and scheduler Prometheus metrics.
var (
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Total number of queue items processed",
		},
		[]string{"queue"},
	)

	QueueFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failed_total",
			Help:      "Total number of queue items that failed or panicked",
		},
		[]string{"queue"},
	)

	QueueQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_queued",
			Help:      "Items waiting or in flight",
		},
		[]string{"queue"},
	)

	QueueTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_task_duration_seconds",
			Help:      "Queue item processing duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"queue"},
	)

	CalibBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calib_builds_total",
			Help:      "Master calib builds by dataset type and outcome",
		},
		[]string{"dataset_type", "status"}, // "success" / "failed" / "missing_prerequisite" / "archive_failed"
	)

	CalibBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calib_build_duration_seconds",
			Help:      "Master calib build duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"dataset_type"},
	)

	CalibDatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calib_dates_total",
			Help:      "Calib dates examined by outcome",
		},
		[]string{"result"}, // "built" / "skipped" / "abandoned" / "failed"
	)

	IngestedFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_files_total",
			Help:      "Raw files ingested by outcome",
		},
		[]string{"status"}, // "success" / "metric_failed" / "duplicate" / "failed"
	)

	PipelineCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_command_duration_seconds",
			Help:      "External pipeline command duration in seconds",
			Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 300, 900, 1800},
		},
		[]string{"command", "status"},
	)

	RefcatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refcat_requests_total",
			Help:      "Reference catalogue requests by outcome",
		},
		[]string{"status"},
	)

	RefcatRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refcat_request_duration_seconds",
			Help:      "Reference catalogue request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	HealthDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_deleted_documents_total",
			Help:      "Documents removed by the health monitor, by collection and failed check",
		},
		[]string{"collection", "check"},
	)
)

var drpMetricsRegistered bool

// RegisterDRPMetrics registers the queue, scheduler and pipeline metrics. Must be called once from main.
func RegisterDRPMetrics() {
	if drpMetricsRegistered {
		return
	}
	prometheus.MustRegister(QueueProcessedTotal)
	prometheus.MustRegister(QueueFailedTotal)
	prometheus.MustRegister(QueueQueued)
	prometheus.MustRegister(QueueTaskDuration)
	prometheus.MustRegister(CalibBuildsTotal)
	prometheus.MustRegister(CalibBuildDuration)
	prometheus.MustRegister(CalibDatesTotal)
	prometheus.MustRegister(IngestedFilesTotal)
	prometheus.MustRegister(PipelineCommandDuration)
	prometheus.MustRegister(RefcatRequestsTotal)
	prometheus.MustRegister(RefcatRequestDuration)
	prometheus.MustRegister(HealthDeletedTotal)
	drpMetricsRegistered = true
}
