package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by every Cache registered on the same registry; series
// are labelled by cache name.
type Metrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	entries   *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		hits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache lookups answered from a live entry",
		}, []string{"cache"}),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups that found no live entry",
		}, []string{"cache"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed by capacity or expiry",
		}, []string{"cache", "reason"}),
		entries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently held",
		}, []string{"cache"}),
	}
}
