// Package metrics exposes Prometheus collectors for calculations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shakeoor"

// Rupture outcomes.
const (
	RuptureSimulated        = "simulated"
	RuptureFilteredMag      = "filtered_magnitude"
	RuptureFilteredDistance = "filtered_distance"
	RuptureFarAway          = "far_away"
)

// Task and calculation statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics groups the calculation collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	ruptures     *prometheus.CounterVec
	gmfRows      prometheus.Counter
	lossRows     prometheus.Counter
	calculations *prometheus.CounterVec
	calcDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with registerer, or with
// the default registerer when nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Simulation tasks by calculation mode and status.",
		}, []string{"mode", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of simulation tasks.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"mode"}),
		ruptures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ruptures_total",
			Help:      "Ruptures processed by outcome.",
		}, []string{"outcome"}),
		gmfRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gmf_rows_total",
			Help:      "Non-zero ground motion rows stored.",
		}),
		lossRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loss_rows_total",
			Help:      "Aggregated loss rows stored.",
		}),
		calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calculations_total",
			Help:      "Finished calculations by mode and status.",
		}, []string{"mode", "status"}),
		calcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calculation_duration_seconds",
			Help:      "Wall time of whole calculations.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"mode"}),
	}

	registerer.MustRegister(
		m.tasks, m.taskDuration, m.ruptures, m.gmfRows, m.lossRows, m.calculations, m.calcDuration,
	)

	return m
}

// ObserveTask records one finished task.
func (m *Metrics) ObserveTask(mode string, d time.Duration, err error) {
	if m == nil {
		return
	}

	m.tasks.WithLabelValues(mode, status(err)).Inc()
	m.taskDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// AddRuptures counts n ruptures with the given outcome.
func (m *Metrics) AddRuptures(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}

	m.ruptures.WithLabelValues(outcome).Add(float64(n))
}

// AddGMFRows counts stored ground motion rows.
func (m *Metrics) AddGMFRows(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.gmfRows.Add(float64(n))
}

// AddLossRows counts stored loss rows.
func (m *Metrics) AddLossRows(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.lossRows.Add(float64(n))
}

// ObserveCalculation records one finished calculation.
func (m *Metrics) ObserveCalculation(mode string, d time.Duration, err error) {
	if m == nil {
		return
	}

	m.calculations.WithLabelValues(mode, status(err)).Inc()
	m.calcDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func status(err error) string {
	if err != nil {
		return StatusError
	}

	return StatusOK
}
