package execgw

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	calls    prometheus.Counter
	errors   *prometheus.CounterVec
	duration prometheus.Histogram
	inFlight prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Calls issued to the completion backend",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tutor",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Failed completion calls by error kind",
		}, []string{"kind"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tutor",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Completion call latency until settle or timeout",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15},
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tutor",
			Subsystem: "gateway",
			Name:      "in_flight",
			Help:      "Completion calls not yet settled or timed out",
		}),
	}
}
