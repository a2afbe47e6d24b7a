// Package metrics exposes Prometheus metrics for the FUP engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing, so callers never need to guard their observations.
type Metrics struct {
	evaluationsTotal *prometheus.CounterVec
	evaluationErrors prometheus.Counter
	usagePercent     prometheus.Histogram

	coaRequestsTotal *prometheus.CounterVec
	coaLatency       *prometheus.HistogramVec

	sweepDuration prometheus.Histogram
	sweepChecked  prometheus.Gauge
	sweepErrors   prometheus.Gauge

	logger *zap.Logger
}

// New creates a new Metrics instance
func New(logger *zap.Logger) *Metrics {
	return &Metrics{
		logger: logger,

		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fupd_evaluations_total",
				Help: "Total FUP evaluations by resulting state and action",
			},
			[]string{"state", "action"},
		),

		evaluationErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fupd_evaluation_errors_total",
				Help: "Total FUP evaluations that failed",
			},
		),

		usagePercent: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fupd_usage_percent",
				Help:    "Distribution of usage-of-quota percentages at evaluation time",
				Buckets: []float64{10, 25, 50, 75, 80, 90, 100, 110, 125, 150, 200},
			},
		),

		coaRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fupd_coa_requests_total",
				Help: "Total CoA/Disconnect dispatches by command and outcome",
			},
			[]string{"command", "status"},
		),

		coaLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fupd_coa_latency_seconds",
				Help:    "NAS round-trip latency by command, including retransmits",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 20},
			},
			[]string{"command"},
		),

		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fupd_sweep_duration_seconds",
				Help:    "Duration of full CheckAll sweeps",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
			},
		),

		sweepChecked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fupd_sweep_checked",
				Help: "Subscribers checked in the last sweep",
			},
		),

		sweepErrors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fupd_sweep_errors",
				Help: "Subscriber evaluation errors in the last sweep",
			},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.evaluationsTotal,
		m.evaluationErrors,
		m.usagePercent,
		m.coaRequestsTotal,
		m.coaLatency,
		m.sweepDuration,
		m.sweepChecked,
		m.sweepErrors,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// RecordEvaluation records one completed user evaluation.
func (m *Metrics) RecordEvaluation(state, action string, usagePercent float64) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(state, action).Inc()
	m.usagePercent.Observe(usagePercent)
}

// RecordEvaluationError records a failed user evaluation.
func (m *Metrics) RecordEvaluationError() {
	if m == nil {
		return
	}
	m.evaluationErrors.Inc()
}

// RecordCoARequest records one CoA/Disconnect dispatch outcome.
func (m *Metrics) RecordCoARequest(command, status string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.coaRequestsTotal.WithLabelValues(command, status).Inc()
	m.coaLatency.WithLabelValues(command).Observe(latencySeconds)
}

// RecordSweep records the outcome of one CheckAll pass.
func (m *Metrics) RecordSweep(durationSeconds float64, checked, errors int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(durationSeconds)
	m.sweepChecked.Set(float64(checked))
	m.sweepErrors.Set(float64(errors))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts an HTTP server exposing /metrics on addr. Blocks until the
// server exits.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	m.logger.Info("metrics server listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
