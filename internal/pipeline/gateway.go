package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"fieldwatch.dev/fieldwatch/pkg/bus"
	"fieldwatch.dev/fieldwatch/pkg/metrics"
)

// Registry is the device registry surface the gateway depends on.
type Registry interface {
	ResolveDevice(ctx context.Context, imei string) (*Device, error)
	ResolveByID(ctx context.Context, deviceID string) (*Device, error)
	Provision(ctx context.Context, device *Device) error
	UpsertTelemetry(ctx context.Context, deviceID string, battery, signal *int, receivedAt time.Time) error
	SetStatus(ctx context.Context, deviceID string, status DeviceStatus) error
}

// Events is the event store surface the gateway and dispatcher depend on.
type Events interface {
	Append(ctx context.Context, event *Event) (uint, error)
	FindDuplicate(ctx context.Context, deviceID string, eventType EventType, timestamp time.Time, window time.Duration) (*Event, error)
	RecentByDevice(ctx context.Context, deviceID string, since time.Time) ([]Event, error)
	GetByID(ctx context.Context, eventID uint) (*Event, error)
	MarkProcessed(ctx context.Context, eventID uint) error
	MarkAlertSent(ctx context.Context, eventID uint) error
}

// AlertEvaluator turns a critical event into pending dispatches.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, device *Device, event *Event) ([]AlertDispatch, error)
}

// IngestResult is the outcome of a successful ingestion.
type IngestResult struct {
	EventID    uint
	DeviceName string
	Status     DeviceStatus
	Duplicate  bool
}

// GatewayConfig holds the configuration for the Gateway.
type GatewayConfig struct {
	Logger    *slog.Logger
	Registry  Registry
	Events    Events
	Evaluator AlertEvaluator
	Bus       *bus.Bus
	Metrics   *metrics.IngestMetrics // Optional metrics

	// AutoProvision creates a minimal device record on first contact from an
	// unseen IMEI instead of rejecting the event.
	AutoProvision bool

	// DedupWindow bounds duplicate detection for retransmitted events.
	DedupWindow time.Duration
}

// Gateway validates, deduplicates, and admits inbound device events, then
// drives the derived-state and alerting stages.
type Gateway struct {
	logger        *slog.Logger
	registry      Registry
	events        Events
	evaluator     AlertEvaluator
	bus           *bus.Bus
	metrics       *metrics.IngestMetrics
	autoProvision bool
	dedupWindow   time.Duration

	// deviceLocks serializes steps for one device while unrelated devices
	// proceed in parallel. The map only grows; the fleet is bounded.
	mu          sync.Mutex
	deviceLocks map[string]*sync.Mutex

	now func() time.Time
}

// NewGateway creates a new Gateway instance.
func NewGateway(cfg *GatewayConfig) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}

	if cfg.Events == nil {
		return nil, errors.New("event store cannot be nil")
	}

	if cfg.Bus == nil {
		return nil, errors.New("bus cannot be nil")
	}

	dedupWindow := cfg.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = 2 * time.Minute
	}

	return &Gateway{
		logger:        cfg.Logger,
		registry:      cfg.Registry,
		events:        cfg.Events,
		evaluator:     cfg.Evaluator,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		autoProvision: cfg.AutoProvision,
		dedupWindow:   dedupWindow,
		deviceLocks:   make(map[string]*sync.Mutex),
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// lockDevice returns the per-device mutex, creating it on first use.
func (g *Gateway) lockDevice(deviceID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		g.deviceLocks[deviceID] = l
	}
	return l
}

// Ingest admits one raw webhook payload.
//
// The append is the durability boundary: a failure before or during the
// append rejects the whole call and nothing is recorded; a failure after it
// is logged and repaired by replay, never surfaced to the device.
func (g *Gateway) Ingest(ctx context.Context, raw []byte) (*IngestResult, error) {
	req, err := ParsePayload(raw)
	if err != nil {
		if g.metrics != nil {
			g.metrics.IngestRejections.WithLabelValues("invalid_payload").Inc()
		}
		return nil, err
	}

	var timer *prometheus.Timer
	if g.metrics != nil {
		timer = prometheus.NewTimer(g.metrics.IngestDuration.WithLabelValues(string(req.EventType)))
		defer timer.ObserveDuration()
	}

	device, err := g.resolveOrProvision(ctx, req)
	if err != nil {
		if g.metrics != nil {
			if errors.Is(err, ErrUnknownDevice) {
				g.metrics.IngestRejections.WithLabelValues("unknown_device").Inc()
			} else {
				g.metrics.IngestRejections.WithLabelValues("store_unavailable").Inc()
			}
		}
		return nil, err
	}

	// Everything from dedup through alert evaluation runs under the
	// per-device lock so same-device events apply in received order.
	lock := g.lockDevice(device.ID)
	lock.Lock()
	defer lock.Unlock()

	if req.Timestamp != nil {
		dup, err := g.events.FindDuplicate(ctx, device.ID, req.EventType, *req.Timestamp, g.dedupWindow)
		if err != nil {
			g.logger.Warn("dedup check failed, admitting event",
				"device_id", device.ID,
				"error", err,
			)
		} else if dup != nil {
			if g.metrics != nil {
				g.metrics.DuplicatesSuppressed.Inc()
			}
			g.logger.Info("duplicate delivery suppressed",
				"device_id", device.ID,
				"event_type", req.EventType,
				"event_id", dup.ID,
			)
			return &IngestResult{
				EventID:    dup.ID,
				DeviceName: device.DeviceName,
				Status:     device.Status,
				Duplicate:  true,
			}, nil
		}
	}

	receivedAt := g.now()
	event := &Event{
		DeviceID:       device.ID,
		EventType:      req.EventType,
		EventData:      req.EventData,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		BatteryLevel:   req.BatteryLevel,
		SignalStrength: req.SignalStrength,
		Timestamp:      req.Timestamp,
		ReceivedAt:     receivedAt,
	}

	eventID, err := g.events.Append(ctx, event)
	if err != nil {
		if g.metrics != nil {
			g.metrics.IngestRejections.WithLabelValues("store_unavailable").Inc()
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if g.metrics != nil {
		g.metrics.EventsIngested.WithLabelValues(string(req.EventType)).Inc()
	}

	status := g.deriveState(ctx, device, event)
	g.evaluateAlerts(ctx, device, event)

	if err := g.events.MarkProcessed(ctx, eventID); err != nil {
		g.logger.Warn("failed to mark event processed",
			"event_id", eventID,
			"error", err,
		)
	}

	g.bus.Publish(bus.ChangeEvent{
		Entity:   bus.EntityEvent,
		EntityID: fmt.Sprintf("%d", eventID),
		Mutation: bus.MutationCreated,
	})
	g.bus.Publish(bus.ChangeEvent{
		Entity:   bus.EntityDevice,
		EntityID: device.ID,
		Mutation: bus.MutationUpdated,
	})

	return &IngestResult{
		EventID:    eventID,
		DeviceName: device.DeviceName,
		Status:     status,
	}, nil
}

// resolveOrProvision maps the IMEI to a device, creating a minimal record on
// first contact when auto-provisioning is enabled. The client association of
// an auto-provisioned device is held pending until an operator assigns it.
func (g *Gateway) resolveOrProvision(ctx context.Context, req *IngestRequest) (*Device, error) {
	device, err := g.registry.ResolveDevice(ctx, req.IMEI)
	if err == nil {
		return device, nil
	}

	if !errors.Is(err, ErrUnknownDevice) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !g.autoProvision {
		return nil, err
	}

	device = &Device{
		ID:         uuid.NewString(),
		IMEI:       req.IMEI,
		DeviceName: "unprovisioned-" + req.IMEI,
		Status:     StatusOffline,
	}
	if err := g.registry.Provision(ctx, device); err != nil {
		// A concurrent first contact may have won the race on the IMEI
		// unique index; resolve again before giving up.
		if resolved, rerr := g.registry.ResolveDevice(ctx, req.IMEI); rerr == nil {
			return resolved, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if g.metrics != nil {
		g.metrics.DevicesProvisioned.Inc()
	}
	g.bus.Publish(bus.ChangeEvent{
		Entity:   bus.EntityDevice,
		EntityID: device.ID,
		Mutation: bus.MutationCreated,
	})
	return device, nil
}

// deriveState applies telemetry and the status transition for the event.
// The event is already durably recorded at this point, so failures are
// logged for replay-based repair and never returned to the caller.
func (g *Gateway) deriveState(ctx context.Context, device *Device, event *Event) DeviceStatus {
	if err := g.registry.UpsertTelemetry(ctx, device.ID, event.BatteryLevel, event.SignalStrength, event.ReceivedAt); err != nil {
		if g.metrics != nil {
			g.metrics.DerivationFailures.Inc()
		}
		g.logger.Error("telemetry update failed after durable append",
			"device_id", device.ID,
			"event_id", event.ID,
			"error", err,
		)
	}

	next := NextStatus(device.Status, event.EventType)
	if next == device.Status {
		return next
	}

	if err := g.registry.SetStatus(ctx, device.ID, next); err != nil {
		if g.metrics != nil {
			g.metrics.DerivationFailures.Inc()
		}
		g.logger.Error("status transition failed after durable append",
			"device_id", device.ID,
			"event_id", event.ID,
			"from", device.Status,
			"to", next,
			"error", err,
		)
		return device.Status
	}

	if g.metrics != nil {
		g.metrics.StatusTransitions.WithLabelValues(string(device.Status), string(next)).Inc()
	}
	g.logger.Info("device status changed",
		"device_id", device.ID,
		"from", device.Status,
		"to", next,
		"event_type", event.EventType,
	)
	return next
}

// evaluateAlerts hands critical events to the evaluator. Dispatch delivery
// itself runs asynchronously; ingest never blocks on the sink.
func (g *Gateway) evaluateAlerts(ctx context.Context, device *Device, event *Event) {
	if g.evaluator == nil || !event.EventType.Critical() {
		return
	}

	if _, err := g.evaluator.Evaluate(ctx, device, event); err != nil {
		g.logger.Error("alert evaluation failed",
			"device_id", device.ID,
			"event_id", event.ID,
			"error", err,
		)
	}
}
