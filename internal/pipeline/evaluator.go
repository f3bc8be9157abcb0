package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldwatch.dev/fieldwatch/pkg/bus"
	"fieldwatch.dev/fieldwatch/pkg/metrics"
)

// Rules is the alert-rule surface the evaluator depends on.
type Rules interface {
	ActiveForDevice(ctx context.Context, deviceID string) ([]AlertRule, error)
	GetByID(ctx context.Context, ruleID string) (*AlertRule, error)
}

// Dispatches is the dispatch bookkeeping surface shared by the evaluator and
// the dispatcher.
type Dispatches interface {
	Create(ctx context.Context, dispatch *AlertDispatch) error
	GetByID(ctx context.Context, dispatchID string) (*AlertDispatch, error)
	RecordAttempt(ctx context.Context, dispatchID string, status DispatchStatus, attemptErr error) error
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]AlertDispatch, error)
}

// Enqueuer pushes dispatch work onto the delivery queue. The MQ client
// satisfies it.
type Enqueuer interface {
	Push(ctx context.Context, data []byte) error
}

// dispatchMessage is the queue payload: just the dispatch ID. The dispatcher
// reloads the row, so a redelivered message is harmless.
type dispatchMessage struct {
	DispatchID string `json:"dispatch_id"`
}

// Evaluator matches critical events against active per-device alert rules
// and creates pending dispatches for the asynchronous dispatcher.
type Evaluator struct {
	logger     *slog.Logger
	rules      Rules
	dispatches Dispatches
	events     Events
	queue      Enqueuer
	bus        *bus.Bus
	metrics    *metrics.DispatchMetrics
}

// EvaluatorConfig holds the configuration for the Evaluator.
type EvaluatorConfig struct {
	Logger     *slog.Logger
	Rules      Rules
	Dispatches Dispatches
	Events     Events
	Queue      Enqueuer
	Bus        *bus.Bus
	Metrics    *metrics.DispatchMetrics // Optional metrics
}

// NewEvaluator creates a new Evaluator instance.
func NewEvaluator(cfg *EvaluatorConfig) (*Evaluator, error) {
	if cfg == nil {
		return nil, errors.New("evaluator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Rules == nil {
		return nil, errors.New("rule store cannot be nil")
	}

	if cfg.Dispatches == nil {
		return nil, errors.New("dispatch store cannot be nil")
	}

	if cfg.Events == nil {
		return nil, errors.New("event store cannot be nil")
	}

	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}

	if cfg.Bus == nil {
		return nil, errors.New("bus cannot be nil")
	}

	return &Evaluator{
		logger:     cfg.Logger,
		rules:      cfg.Rules,
		dispatches: cfg.Dispatches,
		events:     cfg.Events,
		queue:      cfg.Queue,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
	}, nil
}

// Evaluate creates one pending dispatch per active rule whose trigger set
// contains the event type. Zero active rules is a no-op, not an error. The
// dispatch row is created before the enqueue; a lost enqueue is repaired by
// the dispatcher's stale-pending requeue.
func (e *Evaluator) Evaluate(ctx context.Context, device *Device, event *Event) ([]AlertDispatch, error) {
	rules, err := e.rules.ActiveForDevice(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	var created []AlertDispatch
	for _, rule := range rules {
		if !rule.Matches(event.EventType) {
			continue
		}

		dispatch := AlertDispatch{
			EventID:  event.ID,
			RuleID:   rule.ID,
			DeviceID: device.ID,
			Status:   DispatchPending,
		}
		if err := e.dispatches.Create(ctx, &dispatch); err != nil {
			e.logger.Error("failed to create dispatch",
				"rule_id", rule.ID,
				"event_id", event.ID,
				"error", err,
			)
			continue
		}
		created = append(created, dispatch)

		if e.metrics != nil {
			e.metrics.DispatchesCreated.Inc()
		}
		e.bus.Publish(bus.ChangeEvent{
			Entity:   bus.EntityDispatch,
			EntityID: dispatch.ID,
			Mutation: bus.MutationCreated,
		})

		if err := e.enqueue(ctx, dispatch.ID); err != nil {
			// The pending row survives; the requeue pass picks it up.
			e.logger.Error("failed to enqueue dispatch",
				"dispatch_id", dispatch.ID,
				"error", err,
			)
		}
	}

	if len(created) > 0 {
		if err := e.events.MarkAlertSent(ctx, event.ID); err != nil {
			e.logger.Warn("failed to mark alert sent",
				"event_id", event.ID,
				"error", err,
			)
		}
		e.logger.Info("alert dispatches created",
			"device_id", device.ID,
			"event_id", event.ID,
			"count", len(created),
		)
	}

	return created, nil
}

func (e *Evaluator) enqueue(ctx context.Context, dispatchID string) error {
	body, err := json.Marshal(dispatchMessage{DispatchID: dispatchID})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}
	if err := e.queue.Push(ctx, body); err != nil {
		return fmt.Errorf("failed to push dispatch message: %w", err)
	}
	return nil
}
