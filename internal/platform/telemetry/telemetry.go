// Package telemetry exposes pipeline counters through a Prometheus registry.
// Metrics are served over HTTP by the status server and, for one-shot
// commands, written to a node-exporter textfile.
package telemetry

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labtat"

// Metrics holds every collector the pipeline reports to.
type Metrics struct {
	registry *prometheus.Registry

	records     *prometheus.CounterVec
	rowsWritten *prometheus.CounterVec
	defaulted   *prometheus.CounterVec
	gapFilled   prometheus.Counter
	runs        *prometheus.CounterVec
	stageTime   *prometheus.HistogramVec
	lastSuccess prometheus.Gauge
}

// NewMetrics registers the pipeline collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Raw records seen by the extractor, by outcome.",
		}, []string{"outcome"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows upserted into the store, by table.",
		}, []string{"table"}),
		defaulted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "defaulted_fields_total",
			Help:      "Input fields replaced by a default value, by field.",
		}, []string{"field"}),
		gapFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_filled_total",
			Help:      "Visits whose completion time was filled after ingest.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs, by result.",
		}, []string{"result"}),
		stageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent per pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
	}
	m.registry.MustRegister(m.records, m.rowsWritten, m.defaulted, m.gapFilled,
		m.runs, m.stageTime, m.lastSuccess)
	return m
}

func (m *Metrics) AddRecords(outcome string, n int) {
	m.records.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) AddRowsWritten(table string, n int) {
	m.rowsWritten.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) AddDefaulted(field string, n int) {
	m.defaulted.WithLabelValues(field).Add(float64(n))
}

func (m *Metrics) AddGapFilled(n int) {
	m.gapFilled.Add(float64(n))
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageTime.WithLabelValues(stage).Observe(d.Seconds())
}

// RunFinished counts a run and, on success, records its completion time.
func (m *Metrics) RunFinished(success bool, at time.Time) {
	if success {
		m.runs.WithLabelValues("success").Inc()
		m.lastSuccess.Set(float64(at.Unix()))
		return
	}
	m.runs.WithLabelValues("failure").Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// PrometheusHandler serves the registry in the Prometheus text format.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// WriteTextfile atomically writes the current metrics to path for the
// node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
