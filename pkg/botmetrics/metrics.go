// Package botmetrics registers the Prometheus instruments emitted by the
// detection pipeline: wave latency, detector timeouts, ledger outcomes, and
// background job health.
package botmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WaveDuration tracks how long each detector wave takes to complete.
	WaveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botwave_wave_duration_seconds",
			Help:    "Duration of a detector wave execution in seconds",
			Buckets: []float64{.0001, .00025, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"wave"},
	)

	// DetectorTimeouts counts detectors that failed to finish within their
	// wave's timeout.
	DetectorTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botwave_detector_timeouts_total",
			Help: "Total number of detector executions that exceeded their timeout",
		},
		[]string{"detector"},
	)

	// DetectorErrors counts transient per-detector failures.
	DetectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botwave_detector_errors_total",
			Help: "Total number of detector executions that returned an error",
		},
		[]string{"detector"},
	)

	// EvaluationsTotal counts completed evaluations by resulting risk band.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botwave_evaluations_total",
			Help: "Total number of requests evaluated, by risk band",
		},
		[]string{"risk_band"},
	)

	// EvaluationDuration tracks end-to-end Evaluate() latency.
	EvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botwave_evaluation_duration_seconds",
			Help:    "Duration of a full Evaluate() call in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"outcome"}, // outcome: completed, timeout
	)

	// ClusterRunDuration tracks BotClusterService.RunClustering durations.
	ClusterRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botwave_cluster_run_duration_seconds",
			Help:    "Duration of a clustering run in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60},
		},
		[]string{},
	)

	// ClusterCount gauges the number of clusters after the last run.
	ClusterCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "botwave_cluster_count",
			Help: "Number of clusters retained after the last clustering run",
		},
		[]string{"classification"},
	)

	// BackgroundJobTotal counts background job ticks (cohort flush,
	// clustering, signature TTL sweep) by status.
	BackgroundJobTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botwave_background_job_total",
			Help: "Total number of background job executions",
		},
		[]string{"job_name", "status"},
	)

	// PendingCohortUpdatesDropped counts back-pressure drops from a full
	// pending cohort update queue.
	PendingCohortUpdatesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botwave_pending_cohort_updates_dropped_total",
			Help: "Total number of pending cohort updates dropped due to a full queue",
		},
		[]string{},
	)
)

func init() {
	prometheus.MustRegister(
		WaveDuration,
		DetectorTimeouts,
		DetectorErrors,
		EvaluationsTotal,
		EvaluationDuration,
		ClusterRunDuration,
		ClusterCount,
		BackgroundJobTotal,
		PendingCohortUpdatesDropped,
	)
}
