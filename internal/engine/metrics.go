package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"nightshift/internal/assign"
)

type metrics struct {
	runs        *prometheus.CounterVec
	durations   prometheus.Observer
	fetched     prometheus.Gauge
	reverted    prometheus.Counter
	assignments *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *metrics
)

func globalMetrics() *metrics {
	metricsOnce.Do(func() {
		metricsInst = newMetrics()
	})
	return metricsInst
}

func newMetrics() *metrics {
	return &metrics{
		runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nightshift",
			Subsystem: "run",
			Name:      "total",
			Help:      "Runs executed, labeled by outcome",
		}, []string{"outcome"}),
		durations: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nightshift",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Duration of runs",
			Buckets:   prometheus.DefBuckets,
		}),
		fetched: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "nightshift",
			Subsystem: "run",
			Name:      "fetched_tickets",
			Help:      "Tickets fetched by the latest run",
		}),
		reverted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "nightshift",
			Subsystem: "reversion",
			Name:      "tickets_total",
			Help:      "Tickets reverted from Follow-up Required",
		}),
		assignments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nightshift",
			Subsystem: "assignment",
			Name:      "tickets_total",
			Help:      "Assignment attempts, labeled by result",
		}, []string{"result"}),
	}
}

func (m *metrics) startRun() func(RunSummary) {
	if m == nil {
		return func(RunSummary) {}
	}
	timer := prometheus.NewTimer(m.durations)
	return func(sum RunSummary) {
		timer.ObserveDuration()
		outcome := "success"
		if sum.Error != "" {
			outcome = "failure"
		}
		m.runs.WithLabelValues(outcome).Inc()
		m.fetched.Set(float64(sum.Fetched))
		m.reverted.Add(float64(sum.Reverted))
	}
}

func (m *metrics) recordAssignment(res assign.Result) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues("assigned").Add(float64(res.Assigned))
	m.assignments.WithLabelValues("skipped").Add(float64(res.Skipped))
	m.assignments.WithLabelValues("errored").Add(float64(res.Errored))
}
