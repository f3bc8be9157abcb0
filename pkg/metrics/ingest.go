package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingestion gateway.
type IngestMetrics struct {
	EventsIngested       *prometheus.CounterVec
	IngestRejections     *prometheus.CounterVec
	DuplicatesSuppressed prometheus.Counter
	IngestDuration       *prometheus.HistogramVec
	DevicesProvisioned   prometheus.Counter
	StatusTransitions    *prometheus.CounterVec
	DerivationFailures   prometheus.Counter
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec
	SSESubscribers       prometheus.Gauge
	StaleDevicesSwept    prometheus.Counter
}

// NewIngestMetrics creates and registers ingestion gateway metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Total number of events admitted by the gateway",
			},
			[]string{"event_type"},
		),
		IngestRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "rejections_total",
				Help:      "Total number of rejected ingestion attempts",
			},
			[]string{"reason"}, // invalid_payload, unknown_device, store_unavailable
		),
		DuplicatesSuppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duplicates_suppressed_total",
				Help:      "Total number of duplicate deliveries suppressed by dedup",
			},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Duration of ingest calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		DevicesProvisioned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "devices_provisioned_total",
				Help:      "Total number of devices auto-provisioned on first contact",
			},
		),
		StatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "transitions_total",
				Help:      "Total number of device status transitions",
			},
			[]string{"from", "to"},
		),
		DerivationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "derivation_failures_total",
				Help:      "Events durably appended whose derived state update failed",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"path"},
		),
		SSESubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "sse_subscribers",
				Help:      "Number of connected change-stream subscribers",
			},
		),
		StaleDevicesSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "stale_devices_swept_total",
				Help:      "Online devices demoted to offline by the liveness sweep",
			},
		),
	}

	MustRegister(
		m.EventsIngested,
		m.IngestRejections,
		m.DuplicatesSuppressed,
		m.IngestDuration,
		m.DevicesProvisioned,
		m.StatusTransitions,
		m.DerivationFailures,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SSESubscribers,
		m.StaleDevicesSwept,
	)

	return m
}
