package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromAdapter implements Metrics and exports Prometheus counters.
// All Prometheus metric types are goroutine-safe.
type PromAdapter struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

// NewPrometheus constructs a Prometheus metrics adapter.
//   - reg: registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns:  Prometheus namespace for the exported metrics
func NewPrometheus(reg prometheus.Registerer, ns string) *PromAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &PromAdapter{
		hits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Cache hits by category and serving tier",
			},
			[]string{"category", "tier"},
		),
		misses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Cache misses by category",
			},
			[]string{"category"},
		),
	}
	reg.MustRegister(a.hits, a.misses)
	return a
}

func (a *PromAdapter) Hit(category, tier string) {
	a.hits.WithLabelValues(category, tier).Inc()
}

func (a *PromAdapter) Miss(category string) {
	a.misses.WithLabelValues(category).Inc()
}

var _ Metrics = (*PromAdapter)(nil)
