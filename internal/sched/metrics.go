package sched

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cip999/limmat/internal/status"
)

// Metrics exposes the scheduler's view of the grid. Registered by the caller
// on whatever registry backs the /metrics endpoint.
type Metrics struct {
	cells       *prometheus.GaugeVec
	jobsStarted prometheus.Counter
	cacheHits   prometheus.Counter
	jobDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cells: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "limmat_cells",
			Help: "Number of live cells by state.",
		}, []string{"state"}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limmat_jobs_started_total",
			Help: "Child processes launched.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limmat_cache_hits_total",
			Help: "Cells satisfied from the result database without a launch.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "limmat_job_duration_seconds",
			Help:    "Wall-clock duration of completed jobs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cells, m.jobsStarted, m.cacheHits, m.jobDuration)
	}
	return m
}

func (m *Metrics) setCells(counts map[status.CellState]int) {
	if m == nil {
		return
	}
	for _, st := range []status.CellState{
		status.StateBlocked, status.StatePending, status.StateRunning,
		status.StateDone, status.StateCanceled,
	} {
		m.cells.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Metrics) jobStarted() {
	if m != nil {
		m.jobsStarted.Inc()
	}
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) observeJob(seconds float64) {
	if m != nil {
		m.jobDuration.Observe(seconds)
	}
}
