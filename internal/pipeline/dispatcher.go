package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"fieldwatch.dev/fieldwatch/pkg/bus"
	"fieldwatch.dev/fieldwatch/pkg/metrics"
)

// Consumer is the queue surface the dispatcher consumes from. The MQ client
// satisfies it.
type Consumer interface {
	Consume() (<-chan amqp.Delivery, error)
	Push(ctx context.Context, data []byte) error
	Close() error
}

const (
	// Initial backoff between delivery attempts for one dispatch.
	initialDeliveryBackoff = 500 * time.Millisecond

	// Maximum backoff between delivery attempts.
	maxDeliveryBackoff = 30 * time.Second

	// Attempt ceiling; exceeding it makes the dispatch failed_permanent.
	defaultMaxAttempts = 5

	// How often the reconciler requeues stale pending dispatches.
	requeueInterval = time.Minute
)

// Dispatcher consumes dispatch work from the queue and delivers
// notifications to the sink with bounded exponential backoff. Exhausting the
// attempt ceiling parks the dispatch as failed_permanent for operator
// visibility; nothing is silently dropped.
type Dispatcher struct {
	logger      *slog.Logger
	dispatches  Dispatches
	events      Events
	rules       Rules
	registry    Registry
	queue       Consumer
	sink        Sink
	bus         *bus.Bus
	metrics     *metrics.DispatchMetrics
	maxAttempts int
	done        chan struct{}
}

// DispatcherConfig holds the configuration for the Dispatcher.
type DispatcherConfig struct {
	Logger     *slog.Logger
	Dispatches Dispatches
	Events     Events
	Rules      Rules
	Registry   Registry
	Queue      Consumer
	Sink       Sink
	Bus        *bus.Bus
	Metrics    *metrics.DispatchMetrics // Optional metrics

	// MaxAttempts bounds delivery retries per dispatch. Zero means the
	// default ceiling of 5.
	MaxAttempts int
}

// NewDispatcher creates a new Dispatcher instance.
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatcher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Dispatches == nil {
		return nil, errors.New("dispatch store cannot be nil")
	}

	if cfg.Events == nil {
		return nil, errors.New("event store cannot be nil")
	}

	if cfg.Rules == nil {
		return nil, errors.New("rule store cannot be nil")
	}

	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}

	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}

	if cfg.Sink == nil {
		return nil, errors.New("sink cannot be nil")
	}

	if cfg.Bus == nil {
		return nil, errors.New("bus cannot be nil")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Dispatcher{
		logger:      cfg.Logger,
		dispatches:  cfg.Dispatches,
		events:      cfg.Events,
		rules:       cfg.Rules,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		sink:        cfg.Sink,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		maxAttempts: maxAttempts,
		done:        make(chan struct{}),
	}, nil
}

// Start begins consuming dispatch messages and runs the stale-pending
// reconciler.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("starting dispatcher")

	deliveries, err := d.queue.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go d.processMessages(ctx, deliveries)
	go d.requeueLoop(ctx)

	d.logger.Info("dispatcher started, waiting for dispatch messages")
	return nil
}

// processMessages processes incoming messages from the deliveries channel.
func (d *Dispatcher) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("context canceled, stopping dispatch processing")
			close(d.done)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				d.logger.Warn("deliveries channel closed")
				close(d.done)
				return
			}

			d.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery processes a single queue message.
func (d *Dispatcher) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var msg dispatchMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		d.logger.Error("failed to unmarshal dispatch message", "error", err)
		// Ack malformed messages to avoid a poison-message loop.
		if ackErr := delivery.Ack(false); ackErr != nil {
			d.logger.Error("failed to ack message", "error", ackErr)
		}
		return
	}

	dispatch, err := d.dispatches.GetByID(ctx, msg.DispatchID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			d.logger.Warn("dispatch message references unknown dispatch",
				"dispatch_id", msg.DispatchID,
			)
			if ackErr := delivery.Ack(false); ackErr != nil {
				d.logger.Error("failed to ack message", "error", ackErr)
			}
			return
		}
		d.logger.Error("failed to load dispatch",
			"dispatch_id", msg.DispatchID,
			"error", err,
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			d.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	// Redeliveries and requeues may race a completed dispatch; terminal
	// rows are simply acked.
	if dispatch.Status != DispatchPending {
		if ackErr := delivery.Ack(false); ackErr != nil {
			d.logger.Error("failed to ack message", "error", ackErr)
		}
		return
	}

	d.deliver(ctx, dispatch)

	if err := delivery.Ack(false); err != nil {
		d.logger.Error("failed to ack message", "error", err)
	}
}

// deliver drives one dispatch to a terminal state, retrying retryable sink
// failures with exponential backoff until the attempt ceiling.
func (d *Dispatcher) deliver(ctx context.Context, dispatch *AlertDispatch) {
	notification, err := d.buildNotification(ctx, dispatch)
	if err != nil {
		d.logger.Error("failed to build notification",
			"dispatch_id", dispatch.ID,
			"error", err,
		)
		// The rule or event row is gone; no retry can help.
		d.terminalize(ctx, dispatch.ID, DispatchFailedPermanent, err)
		return
	}

	backoff := initialDeliveryBackoff
	for attempt := dispatch.AttemptCount; attempt < d.maxAttempts; attempt++ {
		var timer *prometheus.Timer
		if d.metrics != nil {
			timer = prometheus.NewTimer(d.metrics.DeliveryDuration)
		}
		err := d.sink.Send(ctx, notification)
		if timer != nil {
			timer.ObserveDuration()
		}

		if err == nil {
			if d.metrics != nil {
				d.metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
			}
			d.terminalize(ctx, dispatch.ID, DispatchDelivered, nil)
			d.logger.Info("alert delivered",
				"dispatch_id", dispatch.ID,
				"attempts", attempt+1,
			)
			return
		}

		if errors.Is(err, ErrPermanentDelivery) {
			if d.metrics != nil {
				d.metrics.DeliveryAttempts.WithLabelValues("permanent").Inc()
			}
			d.terminalize(ctx, dispatch.ID, DispatchFailedPermanent, err)
			return
		}

		if d.metrics != nil {
			d.metrics.DeliveryAttempts.WithLabelValues("retryable").Inc()
		}
		if recErr := d.dispatches.RecordAttempt(ctx, dispatch.ID, DispatchPending, err); recErr != nil {
			d.logger.Error("failed to record dispatch attempt",
				"dispatch_id", dispatch.ID,
				"error", recErr,
			)
		}
		d.logger.Warn("delivery failed, backing off",
			"dispatch_id", dispatch.ID,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxDeliveryBackoff {
				backoff = maxDeliveryBackoff
			}
		}
	}

	d.terminalize(ctx, dispatch.ID, DispatchFailedPermanent,
		fmt.Errorf("attempt ceiling of %d exceeded", d.maxAttempts))
	d.logger.Error("alert delivery exhausted retries",
		"dispatch_id", dispatch.ID,
		"max_attempts", d.maxAttempts,
	)
}

func (d *Dispatcher) terminalize(ctx context.Context, dispatchID string, status DispatchStatus, cause error) {
	if err := d.dispatches.RecordAttempt(ctx, dispatchID, status, cause); err != nil {
		d.logger.Error("failed to record terminal dispatch state",
			"dispatch_id", dispatchID,
			"status", status,
			"error", err,
		)
		return
	}

	if d.metrics != nil && (status == DispatchDelivered || status == DispatchFailedPermanent) {
		d.metrics.DispatchesTerminal.WithLabelValues(string(status)).Inc()
	}
	d.bus.Publish(bus.ChangeEvent{
		Entity:   bus.EntityDispatch,
		EntityID: dispatchID,
		Mutation: bus.MutationUpdated,
	})
}

// buildNotification joins the dispatch with its event, rule, and device.
func (d *Dispatcher) buildNotification(ctx context.Context, dispatch *AlertDispatch) (*Notification, error) {
	event, err := d.events.GetByID(ctx, dispatch.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}

	rule, err := d.rules.GetByID(ctx, dispatch.RuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}

	device, err := d.registry.ResolveByID(ctx, dispatch.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	occurredAt := event.ReceivedAt
	if event.Timestamp != nil {
		occurredAt = *event.Timestamp
	}

	return &Notification{
		DispatchID: dispatch.ID,
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		DeviceID:   device.ID,
		DeviceName: device.DeviceName,
		IMEI:       device.IMEI,
		EventID:    event.ID,
		EventType:  event.EventType,
		Latitude:   event.Latitude,
		Longitude:  event.Longitude,
		OccurredAt: occurredAt,
		NotifyURL:  rule.NotifyURL,
	}, nil
}

// requeueLoop periodically re-enqueues pending dispatches whose queue
// message was lost between row creation and broker publish.
func (d *Dispatcher) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(requeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.requeueStale(ctx)
		}
	}
}

func (d *Dispatcher) requeueStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-requeueInterval)
	stale, err := d.dispatches.ListStalePending(ctx, cutoff, 100)
	if err != nil {
		d.logger.Error("failed to list stale pending dispatches", "error", err)
		return
	}

	for _, dispatch := range stale {
		body, err := json.Marshal(dispatchMessage{DispatchID: dispatch.ID})
		if err != nil {
			continue
		}
		if err := d.queue.Push(ctx, body); err != nil {
			d.logger.Error("failed to requeue dispatch",
				"dispatch_id", dispatch.ID,
				"error", err,
			)
			continue
		}
		if d.metrics != nil {
			d.metrics.Requeued.Inc()
		}
		d.logger.Info("requeued stale pending dispatch", "dispatch_id", dispatch.ID)
	}
}

// Stop stops the dispatcher and closes the queue client.
func (d *Dispatcher) Stop() error {
	d.logger.Info("stopping dispatcher")

	if err := d.queue.Close(); err != nil {
		return fmt.Errorf("failed to close queue client: %w", err)
	}

	<-d.done

	d.logger.Info("dispatcher stopped")
	return nil
}
