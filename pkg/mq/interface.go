package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface defines the interface for dispatch queue operations. It
// enables testing through fakes and dependency injection.
type ClientInterface interface {
	// Push publishes data to the queue and waits for broker confirmation.
	Push(ctx context.Context, data []byte) error

	// UnsafePush publishes without waiting for confirmation.
	UnsafePush(ctx context.Context, data []byte) error

	// Consume continuously puts queue items on the returned channel. Each
	// delivery must be Acked once processed, or Nacked on failure.
	Consume() (<-chan amqp.Delivery, error)

	// Close cleanly shuts down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
