package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "db_changelog"

// Metrics методы безопасно вызывать на nil.
type Metrics struct {
	lockAttempts *prometheus.CounterVec
	lockWait     prometheus.Histogram
	lockProlongs *prometheus.CounterVec
	changeSets   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_attempts_total",
			Help:      "Change log lock acquire attempts by strategy and result.",
		}, []string{"strategy", "result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the change log lock.",
			Buckets:   []float64{0.01, 0.1, 1, 5, 10, 30, 60, 120, 300},
		}),
		lockProlongs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_prolongs_total",
			Help:      "Change log lock prolong cycles by result.",
		}, []string{"result"}),
		changeSets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changesets_total",
			Help:      "Recorded change sets by exec type.",
		}, []string{"exec_type"}),
	}

	if reg != nil {
		reg.MustRegister(m.lockAttempts, m.lockWait, m.lockProlongs, m.changeSets)
	}
	return m
}

func (m *Metrics) LockAttempt(strategy string, acquired bool) {
	if m == nil {
		return
	}
	result := "contended"
	if acquired {
		result = "acquired"
	}
	m.lockAttempts.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) LockAttemptFailed(strategy string) {
	if m == nil {
		return
	}
	m.lockAttempts.WithLabelValues(strategy, "error").Inc()
}

func (m *Metrics) LockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) Prolong(result string) {
	if m == nil {
		return
	}
	m.lockProlongs.WithLabelValues(result).Inc()
}

func (m *Metrics) ChangeSet(execType string) {
	if m == nil {
		return
	}
	m.changeSets.WithLabelValues(execType).Inc()
}
