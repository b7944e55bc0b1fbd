package dedup

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the dedup subsystem.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	Occurrences      prometheus.Histogram
	SweepEvictions   prometheus.Counter
	SweepDuration    prometheus.Histogram
	StoreErrorsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns dedup metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_decisions_total",
			Help: "Total suppression decisions by outcome.",
		}, []string{"outcome"}),
		Occurrences: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quell_duplicate_occurrences",
			Help:    "Occurrence count observed on duplicate verdicts.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		SweepEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quell_sweep_evictions_total",
			Help: "Total cache records evicted by sweeps.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quell_sweep_duration_seconds",
			Help:    "Duration of cache sweeps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quell_store_errors_total",
			Help: "Total cache store failures by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.Occurrences,
		m.SweepEvictions,
		m.SweepDuration,
		m.StoreErrorsTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnDecision: func(outcome string, count int) {
			m.DecisionsTotal.WithLabelValues(outcome).Inc()
			if outcome == OutcomeDuplicate {
				m.Occurrences.Observe(float64(count))
			}
		},
		OnSweep: func(evicted int, duration float64) {
			m.SweepEvictions.Add(float64(evicted))
			m.SweepDuration.Observe(duration)
		},
		OnStoreError: func(op string) {
			m.StoreErrorsTotal.WithLabelValues(op).Inc()
		},
	}
}
