package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// EventStore is the append-only log of monitoring events. Rows are immutable
// once stored; only the processed and alert_sent flags flip, exactly once.
// The auto-increment primary key doubles as the total-order tie-break.
type EventStore struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewEventStore creates a new EventStore instance.
func NewEventStore(db *gorm.DB, logger *slog.Logger) (*EventStore, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &EventStore{
		logger: logger,
		db:     db,
	}, nil
}

// Append stores an immutable event record and returns its generated ID.
// ReceivedAt is assigned from the server clock when the caller left it zero.
func (s *EventStore) Append(ctx context.Context, event *Event) (uint, error) {
	if event == nil {
		return 0, errors.New("event cannot be nil")
	}

	if event.DeviceID == "" {
		return 0, errors.New("event device ID cannot be empty")
	}

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return event.ID, nil
}

// ListByDevice returns events for a device, newest first. The before cursor
// is an event ID boundary; passing the same cursor twice yields the same page.
func (s *EventStore) ListByDevice(ctx context.Context, deviceID string, limit int, before uint) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("received_at DESC, id DESC").
		Limit(limit)
	if before > 0 {
		q = q.Where("id < ?", before)
	}

	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// FindDuplicate returns a stored event with the same device, type, and
// device-reported timestamp received within the dedup window, or nil.
// Events without a device timestamp cannot be deduplicated.
func (s *EventStore) FindDuplicate(ctx context.Context, deviceID string, eventType EventType, timestamp time.Time, window time.Duration) (*Event, error) {
	var event Event
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND event_type = ? AND timestamp = ? AND received_at >= ?",
			deviceID, eventType, timestamp, time.Now().UTC().Add(-window)).
		Order("id DESC").
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check for duplicate event: %w", err)
	}
	return &event, nil
}

// RecentByDevice returns events received since the given time in ascending
// received order, the replay input for status recomputation.
func (s *EventStore) RecentByDevice(ctx context.Context, deviceID string, since time.Time) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND received_at >= ?", deviceID, since).
		Order("received_at ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent events: %w", err)
	}
	return events, nil
}

// MarkProcessed flips the processed flag. Idempotent; a second call is a
// no-op, not an error.
func (s *EventStore) MarkProcessed(ctx context.Context, eventID uint) error {
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND processed = false", eventID).
		Update("processed", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// MarkAlertSent flips the alert_sent flag. Idempotent like MarkProcessed.
func (s *EventStore) MarkAlertSent(ctx context.Context, eventID uint) error {
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND alert_sent = false", eventID).
		Update("alert_sent", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark alert sent: %w", err)
	}
	return nil
}

// GetByID loads a single event.
func (s *EventStore) GetByID(ctx context.Context, eventID uint) (*Event, error) {
	var event Event
	err := s.db.WithContext(ctx).Where("id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("event %d: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return &event, nil
}
