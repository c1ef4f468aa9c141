// Control-plane Prometheus collectors. The registry is injected by the
// caller — there is no package-level default registration.

package serve

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the control plane's collectors. Construct with NewMetrics
// and pass down explicitly; every consumer treats a nil *Metrics as "metrics
// disabled".
type Metrics struct {
	BatchesDispatched   prometheus.Counter
	BatchSize           prometheus.Histogram
	AdmissionRejections *prometheus.CounterVec // labeled by rejecting gate
	RequestFailures     prometheus.Counter
	BreakerState        prometheus.Gauge // 0=closed, 1=half-open, 2=open
	DesiredReplicas     prometheus.Gauge
	RolloutPercent      *prometheus.GaugeVec // labeled by rollout ID
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serve_batches_dispatched_total",
			Help: "Batches handed to the inference runtime.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "serve_batch_size",
			Help:    "Requests per dispatched batch.",
			Buckets: prometheus.LinearBuckets(1, 2, 16),
		}),
		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serve_admission_rejections_total",
			Help: "Requests rejected before queueing, by gate.",
		}, []string{"gate"}),
		RequestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serve_request_failures_total",
			Help: "Requests that resolved with a dispatch or result error.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serve_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		DesiredReplicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serve_desired_replicas",
			Help: "Most recent autoscaler replica decision.",
		}),
		RolloutPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "serve_rollout_percent",
			Help: "Current candidate traffic percentage per rollout.",
		}, []string{"rollout"}),
	}
	reg.MustRegister(
		m.BatchesDispatched,
		m.BatchSize,
		m.AdmissionRejections,
		m.RequestFailures,
		m.BreakerState,
		m.DesiredReplicas,
		m.RolloutPercent,
	)
	return m
}

// ObserveBreakerState maps a breaker state onto the gauge.
func (m *Metrics) ObserveBreakerState(s BreakerState) {
	if m == nil {
		return
	}
	switch s {
	case BreakerClosed:
		m.BreakerState.Set(0)
	case BreakerHalfOpen:
		m.BreakerState.Set(1)
	case BreakerOpen:
		m.BreakerState.Set(2)
	}
}
