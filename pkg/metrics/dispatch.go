package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics contains Prometheus metrics for the alert dispatcher.
type DispatchMetrics struct {
	DispatchesCreated  prometheus.Counter
	DeliveryAttempts   *prometheus.CounterVec
	DeliveryDuration   prometheus.Histogram
	DispatchesTerminal *prometheus.CounterVec
	Requeued           prometheus.Counter
}

// NewDispatchMetrics creates and registers alert dispatcher metrics.
func NewDispatchMetrics(namespace string) *DispatchMetrics {
	m := &DispatchMetrics{
		DispatchesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "created_total",
				Help:      "Total number of alert dispatches created by the evaluator",
			},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "delivery_attempts_total",
				Help:      "Total number of sink delivery attempts",
			},
			[]string{"outcome"}, // delivered, retryable, permanent
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "delivery_duration_seconds",
				Help:      "Duration of sink delivery attempts",
				Buckets:   prometheus.DefBuckets,
			},
		),
		DispatchesTerminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "terminal_total",
				Help:      "Dispatches that reached a terminal state",
			},
			[]string{"status"}, // delivered, failed_permanent
		),
		Requeued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "requeued_total",
				Help:      "Stale pending dispatches requeued by the reconciler",
			},
		),
	}

	MustRegister(
		m.DispatchesCreated,
		m.DeliveryAttempts,
		m.DeliveryDuration,
		m.DispatchesTerminal,
		m.Requeued,
	)

	return m
}
