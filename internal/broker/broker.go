// Package broker defines the message broker primitives the engine relies
// on (exchanges, topic bindings, durable queues with a dead-letter
// exchange, competing consumers) and their Redis and in-memory
// implementations.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnroutable is returned when no queue is bound for a routing key.
	ErrUnroutable = errors.New("broker: no queue bound for routing key")
	// ErrMalformed is returned for messages that can never be delivered.
	ErrMalformed = errors.New("broker: malformed message")
	// ErrUnknownQueue is returned when operating on an undeclared queue.
	ErrUnknownQueue = errors.New("broker: queue not declared")
)

// QueueArgs configures a declared queue.
type QueueArgs struct {
	// DeadLetterExchange receives messages rejected without requeue.
	DeadLetterExchange string
}

// Message is a published broker message.
type Message struct {
	ID          string            `json:"id"`
	Exchange    string            `json:"exchange"`
	RoutingKey  string            `json:"routing_key"`
	Body        []byte            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// Delivery is a message handed to a consumer. It must be acknowledged or
// rejected exactly once.
type Delivery struct {
	Message
	Queue       string
	Redelivered bool

	ack  func(ctx context.Context) error
	nack func(ctx context.Context, requeue bool) error
}

// Ack confirms the message was handled and removes it from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.ack(ctx)
}

// Nack rejects the message. With requeue it is delivered again later;
// without, it is routed to the queue's dead-letter exchange.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	return d.nack(ctx, requeue)
}

// Broker is the logical broker contract used by the engine.
type Broker interface {
	// DeclareExchange idempotently creates a topic exchange.
	DeclareExchange(ctx context.Context, name string) error

	// DeclareQueue idempotently creates a durable queue.
	DeclareQueue(ctx context.Context, name string, args QueueArgs) error

	// BindQueue routes messages whose routing key matches pattern from
	// exchange into queue. Patterns use '*' for one word and '#' for zero
	// or more words.
	BindQueue(ctx context.Context, queue, exchange, pattern string) error

	// Publish routes a message to every queue bound to the exchange whose
	// pattern matches the routing key. It returns ErrUnroutable if none do.
	Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]string) error

	// Subscribe consumes a queue as one of possibly many competing
	// consumers. The channel is closed when ctx is done.
	Subscribe(ctx context.Context, queue, consumer string) (<-chan *Delivery, error)

	// Peek returns up to limit messages still held by the queue, oldest first.
	Peek(ctx context.Context, queue string, limit int) ([]Message, error)

	// Depth returns the number of messages held by the queue.
	Depth(ctx context.Context, queue string) (int64, error)

	// OnReconnect registers a hook run after the broker connection recovers.
	OnReconnect(fn func(ctx context.Context) error)
}
