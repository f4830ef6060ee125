package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// JobsProcessed counts jobs by terminal outcome of one delivery.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dash",
			Name:      "jobs_processed_total",
			Help:      "Total number of processing deliveries handled",
		},
		[]string{"outcome"},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dash",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// StageDuration tracks time spent per pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dash",
			Name:      "stage_duration_seconds",
			Help:      "Time taken per pipeline stage",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage"},
	)

	// JobRetries counts retry attempts started for previously failed jobs.
	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dash",
			Name:      "job_retries_total",
			Help:      "Total number of retry attempts started",
		},
	)

	// TranscodeProgress exposes the last persisted progress percentage.
	TranscodeProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dash",
			Name:      "transcode_progress_percent",
			Help:      "Progress of the most recent transcode write",
		},
	)
)

// RecordOutcome records how a delivery was resolved: processed, duplicate,
// failed, permanently_failed or malformed.
func RecordOutcome(outcome string) {
	JobsProcessed.WithLabelValues(outcome).Inc()
}
