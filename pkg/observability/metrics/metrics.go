package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics covers table builds, dataset steps and partitioning.
type Metrics struct {
	// Stage outcomes by stage and result (ok, skipped, halted, failed)
	StageOutcome *prometheus.CounterVec

	// Table build latency by outcome
	TableDuration *prometheus.HistogramVec

	// Full pipeline run latency
	RunDuration prometheus.Histogram

	// Rows moved to <table>_outside_obs by member table
	RowsOutside *prometheus.CounterVec

	// Advisory warnings by kind
	Warnings *prometheus.CounterVec
}

var buildBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}

// New registers the metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StageOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fdm_stage_outcomes_total",
			Help: "Build stage outcomes by stage and result",
		}, []string{"stage", "result"}),

		TableDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fdm_table_build_duration_seconds",
			Help:    "Duration of single table builds",
			Buckets: buildBuckets,
		}, []string{"outcome"}),

		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fdm_run_duration_seconds",
			Help:    "Duration of full pipeline runs including the dataset build",
			Buckets: buildBuckets,
		}),

		RowsOutside: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fdm_rows_outside_observation_total",
			Help: "Rows moved out of member tables because they fall outside the observation period",
		}, []string{"table"}),

		Warnings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fdm_warnings_total",
			Help: "Advisory build warnings by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) IncStage(stage, result string) {
	if m != nil {
		m.StageOutcome.WithLabelValues(stage, result).Inc()
	}
}

func (m *Metrics) ObserveTable(outcome string, d time.Duration) {
	if m != nil {
		m.TableDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveRun(d time.Duration) {
	if m != nil {
		m.RunDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AddOutside(table string, rows int64) {
	if m != nil && rows > 0 {
		m.RowsOutside.WithLabelValues(table).Add(float64(rows))
	}
}

func (m *Metrics) IncWarning(kind string) {
	if m != nil {
		m.Warnings.WithLabelValues(kind).Inc()
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
