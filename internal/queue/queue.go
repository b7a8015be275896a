// Package queue connects the service to message brokers: job requests come
// in over a queue and progress events are relayed out.
package queue

import (
	"context"
	"errors"
)

// ErrInvalidMessage is returned by Ack for a message this client did not deliver
var ErrInvalidMessage = errors.New("message was not received from this client")

// QueueMessage represents a message received from a queue
type QueueMessage interface {
	Body() []byte
	ID() string
}

// Publisher sends a message body with a routing key
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Client defines the interface for sending and receiving messages from queues
type Client interface {
	Publisher
	Receive(ctx context.Context, queueName string) (QueueMessage, error)
	Ack(ctx context.Context, msg QueueMessage) error
	Close() error
}
