// Package bus provides the in-process change notification bus. Store
// mutations are published as typed change events and pushed to subscribers at
// low latency.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EntityKind identifies the mutated entity class.
type EntityKind string

const (
	EntityDevice   EntityKind = "device"
	EntityEvent    EntityKind = "event"
	EntityDispatch EntityKind = "dispatch"
)

// MutationKind identifies what happened to the entity.
type MutationKind string

const (
	MutationCreated MutationKind = "created"
	MutationUpdated MutationKind = "updated"
)

// ChangeEvent describes one store mutation.
type ChangeEvent struct {
	At       time.Time    `json:"at"`
	Entity   EntityKind   `json:"entity"`
	EntityID string       `json:"entity_id"`
	Mutation MutationKind `json:"mutation"`
}

// Filter selects which change events a subscriber receives. A nil filter
// receives everything.
type Filter func(ChangeEvent) bool

// subscriberBuffer bounds each subscriber's channel. A subscriber that falls
// behind loses events rather than blocking publishers; delivery is
// at-most-once with no replay.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan ChangeEvent
	filter Filter
}

// Bus fans change events out to subscribers. Events for a single entity
// reach a given subscriber in publish order; no cross-entity ordering is
// guaranteed.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// New creates a new Bus instance.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]*subscriber),
	}
}

// Publish delivers the event to every matching subscriber. Publishing never
// blocks: a full subscriber buffer drops the event for that subscriber.
func (b *Bus) Publish(ev ChangeEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscriber buffer full, dropping change event",
				"subscriber", id,
				"entity", ev.Entity,
				"entity_id", ev.EntityID,
			)
		}
	}
}

// Subscribe registers a subscriber and returns its event channel. The
// channel closes when ctx is cancelled or the bus shuts down; cancellation
// has no effect on the publishing side.
func (b *Bus) Subscribe(ctx context.Context, filter Filter) <-chan ChangeEvent {
	sub := &subscriber{
		ch:     make(chan ChangeEvent, subscriberBuffer),
		filter: filter,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(id)
	}()

	return sub.ch
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
