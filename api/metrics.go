package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/rule-history/history"
)

// =============================================================================
// PROMETHEUS METRICS
// =============================================================================

// Metrics is registered per instance so tests can build several handlers.
type Metrics struct {
	registry *prometheus.Registry

	reconcileTotal    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	timelineRecords   prometheus.Histogram
	malformedRecords  prometheus.Counter
	lastSweep         prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// reconcileTotal counts reconciliations by trigger and outcome
		reconcileTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rulehist_reconcile_total",
			Help: "Total rule reconciliations by trigger and result",
		}, []string{"trigger", "result"}),

		reconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulehist_reconcile_duration_seconds",
			Help:    "Rule reconciliation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"trigger"}),

		timelineRecords: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rulehist_timeline_records",
			Help:    "Number of change records per reconciled timeline",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		}),

		malformedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "rulehist_malformed_records_total",
			Help: "Source records skipped during normalization",
		}),

		lastSweep: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rulehist_last_sweep_timestamp_seconds",
			Help: "Unix time of the last completed audit sweep",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveReport records one reconciliation outcome.
func (m *Metrics) ObserveReport(trigger string, rep history.Report, took time.Duration) {
	m.reconcileTotal.WithLabelValues(trigger, resultLabel(rep)).Inc()
	m.reconcileDuration.WithLabelValues(trigger).Observe(took.Seconds())
	if rep.History != nil {
		m.timelineRecords.Observe(float64(len(rep.History.Timeline)))
		m.malformedRecords.Add(float64(len(rep.History.Warnings)))
	}
}

func (m *Metrics) markSweep(at time.Time) {
	m.lastSweep.Set(float64(at.Unix()))
}

// resultLabel keeps label cardinality bounded.
func resultLabel(rep history.Report) string {
	err := rep.Err
	if err == nil {
		err = rep.CurrentErr
	}
	switch {
	case err == nil:
		return "ok"
	case history.IsNotFound(err):
		return "not_found"
	case errors.Is(err, history.ErrNoActiveVersion):
		return "no_active_version"
	case history.IsRetryable(err):
		return "timeout"
	default:
		return "error"
	}
}
