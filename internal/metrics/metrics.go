// Package metrics exposes the Prometheus instruments fixline updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Transformations  *prometheus.CounterVec
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	Jobs             *prometheus.CounterVec
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transformations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fixline_transformations_total",
			Help: "Recipe applications by outcome",
		}, []string{"outcome"}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fixline_pipeline_runs_total",
			Help: "Completed pipeline runs by result status",
		}, []string{"status"}),
		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fixline_pipeline_duration_seconds",
			Help:    "Wall time of full automation runs",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fixline_jobs_total",
			Help: "Jobs reaching a terminal state by type and status",
		}, []string{"type", "status"}),
	}
}

// Default is registered with the process-wide registry served on /metrics.
var Default = New(prometheus.DefaultRegisterer)
