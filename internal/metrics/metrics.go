// Package metrics exposes Prometheus instrumentation for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataforge_step_duration_seconds",
			Help:    "Pipeline step execution duration in seconds by step and status",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
		[]string{"step", "status"}, // status: "completed"/"failed"
	)

	stepRowsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataforge_step_rows_removed_total",
			Help: "Total rows removed by each pipeline step",
		},
		[]string{"step"},
	)

	pipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataforge_pipeline_runs_total",
			Help: "Total pipeline runs by mode",
		},
		[]string{"mode"}, // "common" or "finetune"
	)

	pipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataforge_pipeline_duration_seconds",
			Help:    "Complete pipeline run duration in seconds by mode",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~200s
		},
		[]string{"mode"},
	)

	scoringRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataforge_ai_scoring_requests_total",
			Help: "AI scoring batch requests by outcome",
		},
		[]string{"status"}, // "success"/"fallback"
	)
)

// ObserveStep records one step execution.
func ObserveStep(step, status string, d time.Duration, rowsRemoved int) {
	stepDuration.WithLabelValues(step, status).Observe(d.Seconds())
	if rowsRemoved > 0 {
		stepRowsRemoved.WithLabelValues(step).Add(float64(rowsRemoved))
	}
}

// ObserveRun records one complete pipeline run.
func ObserveRun(mode string, d time.Duration) {
	pipelineRuns.WithLabelValues(mode).Inc()
	pipelineDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveScoringBatch records the outcome of one AI scoring batch.
func ObserveScoringBatch(success bool) {
	status := "success"
	if !success {
		status = "fallback"
	}
	scoringRequests.WithLabelValues(status).Inc()
}
