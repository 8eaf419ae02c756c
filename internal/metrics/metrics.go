// Package metrics exposes Prometheus collectors for the bridge's
// components, grouped per subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the bridge registers.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ParamBatchSize      prometheus.Histogram
	ParamSyncFailures   *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	MirrorSyncID        prometheus.Gauge
	L1FramesTotal       *prometheus.CounterVec
	L2FramesTotal       *prometheus.CounterVec
}

// New registers and returns the bridge's collector set against reg. Pass
// prometheus.DefaultRegisterer for normal operation, or a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "requests",
			Name:      "total",
			Help:      "Total requests dispatched, by method and terminal state.",
		}, []string{"method", "state"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Request handling latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		ParamBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "paramsync",
			Name:      "batch_size",
			Help:      "Number of coalesced entries per parameter-sync flush.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50},
		}),

		ParamSyncFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "paramsync",
			Name:      "failures_total",
			Help:      "Parameter-sync watches marked unhealthy after retry exhaustion.",
		}, []string{"object_id", "param"}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "recovery",
			Name:      "circuit_breaker_state",
			Help:      "Connection state per connection (0=connected,1=connecting/reconnecting,2=connectionError,-1=idle).",
		}, []string{"connection"}),

		MirrorSyncID: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "mirror",
			Name:      "sync_id",
			Help:      "Current State Mirror syncId.",
		}),

		L1FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "transport_l1",
			Name:      "frames_total",
			Help:      "L1 frames processed, by direction.",
		}, []string{"direction"}),

		L2FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "transport_l2",
			Name:      "frames_total",
			Help:      "L2 frames processed, by direction.",
		}, []string{"direction"}),
	}
}
