package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/3leaps/goprovision/pkg/jobstore"
)

// Metrics are the Looper's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	cycleDuration prometheus.Histogram
	jobs          *prometheus.GaugeVec
	dispatched    prometheus.Counter
	spawnFailures prometheus.Counter
	reaped        *prometheus.CounterVec
	requests      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "goprovision",
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one reap, intake and admission cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "goprovision",
			Subsystem: "scheduler",
			Name:      "jobs",
			Help:      "Number of jobs per state.",
		}, []string{"state"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goprovision",
			Subsystem: "scheduler",
			Name:      "jobs_dispatched_total",
			Help:      "Jobs started by the scheduler.",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goprovision",
			Subsystem: "scheduler",
			Name:      "spawn_failures_total",
			Help:      "Job processes that failed to start.",
		}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goprovision",
			Subsystem: "scheduler",
			Name:      "jobs_finished_total",
			Help:      "Jobs finalized by the reaper, by terminal state.",
		}, []string{"state"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goprovision",
			Subsystem: "scheduler",
			Name:      "requests_total",
			Help:      "Requests processed, by action and outcome.",
		}, []string{"action", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.cycleDuration, m.jobs, m.dispatched, m.spawnFailures, m.reaped, m.requests)
	}
	return m
}

func (m *Metrics) observeCycle(seconds float64) {
	if m != nil {
		m.cycleDuration.Observe(seconds)
	}
}

func (m *Metrics) setJobCounts(counts map[jobstore.State]int) {
	if m == nil {
		return
	}
	for _, st := range []jobstore.State{
		jobstore.StateWaiting, jobstore.StateRunning, jobstore.StateCleaning,
		jobstore.StateCompleted, jobstore.StateFailed, jobstore.StateCanceled,
	} {
		m.jobs.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Metrics) incDispatched() {
	if m != nil {
		m.dispatched.Inc()
	}
}

func (m *Metrics) incSpawnFailure() {
	if m != nil {
		m.spawnFailures.Inc()
	}
}

func (m *Metrics) incFinished(st jobstore.State) {
	if m != nil {
		m.reaped.WithLabelValues(string(st)).Inc()
	}
}

func (m *Metrics) incRequest(action jobstore.Action, outcome string) {
	if m != nil {
		m.requests.WithLabelValues(string(action), outcome).Inc()
	}
}
