package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus instruments shared across the daemon.
type Metrics struct {
	// Spiral lifecycle
	SpiralsTotal     *prometheus.CounterVec
	SpiralIterations prometheus.Histogram
	SpiralDuration   prometheus.Histogram

	// Repository operations
	CheckpointsTotal *prometheus.CounterVec
	RevertsTotal     *prometheus.CounterVec

	// Session activity
	ActiveSessions   prometheus.Gauge
	LockWaitDuration prometheus.Histogram
	QuarantinesTotal prometheus.Counter

	// Quality tracking
	MeasurementsTotal *prometheus.CounterVec
	AggregateScore    prometheus.Gauge

	// Validators
	ValidatorDuration *prometheus.HistogramVec
	ValidatorFailures *prometheus.CounterVec
}

// New creates and registers the instruments. sync.Once keeps repeated
// calls from tripping duplicate-registration panics; every caller gets
// the same instance.
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SpiralsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gyre",
					Subsystem: "spiral",
					Name:      "runs_total",
					Help:      "Total number of spiral runs by disposition",
				},
				[]string{"disposition"}, // "merged" or "reverted_abandoned"
			),

			SpiralIterations: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "gyre",
					Subsystem: "spiral",
					Name:      "iterations",
					Help:      "Iterations consumed per spiral run",
					Buckets:   prometheus.LinearBuckets(1, 1, 10),
				},
			),

			SpiralDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "gyre",
					Subsystem: "spiral",
					Name:      "duration_seconds",
					Help:      "Wall-clock duration of spiral runs in seconds",
					Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5m
				},
			),

			CheckpointsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gyre",
					Subsystem: "repository",
					Name:      "checkpoints_total",
					Help:      "Total number of checkpoint operations",
				},
				[]string{"result"}, // "success" or "error"
			),

			RevertsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gyre",
					Subsystem: "repository",
					Name:      "reverts_total",
					Help:      "Total number of revert operations",
				},
				[]string{"result"},
			),

			ActiveSessions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "gyre",
					Subsystem: "session",
					Name:      "active",
					Help:      "Number of agent sessions currently open",
				},
			),

			LockWaitDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "gyre",
					Subsystem: "session",
					Name:      "lock_wait_seconds",
					Help:      "Time spent waiting for the repository lock in seconds",
					Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
				},
			),

			QuarantinesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "gyre",
					Subsystem: "session",
					Name:      "quarantines_total",
					Help:      "Total number of times repository corruption forced quarantine",
				},
			),

			MeasurementsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gyre",
					Subsystem: "quality",
					Name:      "measurements_total",
					Help:      "Total number of quality measurements recorded",
				},
				[]string{"kind"},
			),

			AggregateScore: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "gyre",
					Subsystem: "quality",
					Name:      "aggregate_score",
					Help:      "Most recent aggregate quality score",
				},
			),

			ValidatorDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "gyre",
					Subsystem: "validate",
					Name:      "duration_seconds",
					Help:      "Duration of validator runs in seconds",
					Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
				},
				[]string{"validator"},
			),

			ValidatorFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "gyre",
					Subsystem: "validate",
					Name:      "failures_total",
					Help:      "Total number of validator runs that errored",
				},
				[]string{"validator"},
			),
		}
	})

	return globalMetrics
}

// RecordSpiral records a finished spiral run.
func (m *Metrics) RecordSpiral(disposition string, iterations int, elapsed time.Duration) {
	m.SpiralsTotal.WithLabelValues(disposition).Inc()
	m.SpiralIterations.Observe(float64(iterations))
	m.SpiralDuration.Observe(elapsed.Seconds())
}

// RecordCheckpoint records a checkpoint attempt.
func (m *Metrics) RecordCheckpoint(err error) {
	m.CheckpointsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordRevert records a revert attempt.
func (m *Metrics) RecordRevert(err error) {
	m.RevertsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordLockWait records how long a session waited for the repository lock.
func (m *Metrics) RecordLockWait(elapsed time.Duration) {
	m.LockWaitDuration.Observe(elapsed.Seconds())
}

// RecordQuarantine records a corruption-triggered quarantine.
func (m *Metrics) RecordQuarantine() {
	m.QuarantinesTotal.Inc()
}

// RecordMeasurement records one accepted quality measurement.
func (m *Metrics) RecordMeasurement(kind string) {
	m.MeasurementsTotal.WithLabelValues(kind).Inc()
}

// SetAggregateScore updates the aggregate score gauge.
func (m *Metrics) SetAggregateScore(score float64) {
	m.AggregateScore.Set(score)
}

// RecordValidator records a validator run with its duration.
func (m *Metrics) RecordValidator(validator string, elapsed time.Duration, err error) {
	m.ValidatorDuration.WithLabelValues(validator).Observe(elapsed.Seconds())
	if err != nil {
		m.ValidatorFailures.WithLabelValues(validator).Inc()
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
