package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for policy decisions and
// deployment outcomes.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	Outcomes         *prometheus.CounterVec
	InFlight         prometheus.Gauge
	AdmissionSeconds prometheus.Histogram
}

// New registers collectors against the given registerer. Tests pass a
// fresh prometheus.NewRegistry to avoid cross-test collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deploygate_policy_decisions_total",
				Help: "Policy decisions by operation and result code",
			},
			[]string{"operation", "code"},
		),
		Outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deploygate_deployments_total",
				Help: "Terminal deployment outcomes by delivery group",
			},
			[]string{"group", "outcome"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "deploygate_deployments_in_flight",
				Help: "Deployments currently holding a concurrency token",
			},
		),
		AdmissionSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "deploygate_admission_duration_seconds",
				Help:    "Time spent running the admission gate sequence",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}
