// Package broker defines the wire-agnostic transport contract the core
// consumes. Concrete implementations (memorybroker, redisbroker) satisfy
// Broker; the core never imports either directly except through this
// interface, so any AMQP-like broker can be substituted.
package broker

import (
	"context"
	"time"
)

// Message is the decoded envelope the core operates on. ContentType names
// the codec that produced Body, so the listener can route to the right
// decoder without the broker knowing about task serialization at all.
type Message struct {
	ID          string
	TaskName    string
	Body        []byte
	ContentType string
	ETA         *time.Time
	Expires     *time.Time
	Retries     int
	Queue       string
}

// Properties are broker-level publish properties (delivery mode, content
// type, expiration) — opaque to the core beyond what Publish needs.
type Properties struct {
	ContentType string
	Expiration  *time.Time
	Persistent  bool
}

// Delivery pairs a decoded Message with the ack/reject closures that commit
// its fate on the broker. The listener is the sole owner of a Delivery's ack
// tag until the pool reports completion.
type Delivery struct {
	Message Message
	// Redelivered is true if the broker is redelivering this message after
	// a prior unacked delivery (e.g. following a reconnect).
	Redelivered bool
	Ack         func(ctx context.Context) error
	// Reject acks-as-rejected; requeue is always false for this core — the
	// broker is never asked to requeue a rejected delivery.
	Reject func(ctx context.Context, requeue bool) error
}

// ExchangeKind is a queue descriptor's exchange type.
type ExchangeKind string

const (
	ExchangeDirect ExchangeKind = "direct"
	ExchangeTopic  ExchangeKind = "topic"
	ExchangeFanout ExchangeKind = "fanout"
)

// Broker is the external transport collaborator. Behaviors are specified
// only to the depth the core reads from or writes to them.
type Broker interface {
	Connect(ctx context.Context) error
	Close() error

	DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error
	DeclareQueue(ctx context.Context, name string) error
	Bind(ctx context.Context, queue, exchange, bindingKey string) error

	// Consume starts delivering messages for queue. The returned channel is
	// closed when the broker connection is torn down; an implementation may
	// also close it when ctx is cancelled (redisbroker does, memorybroker
	// does not). The caller (listener) is responsible for driving prefetch
	// by how eagerly it drains the channel and issues Ack/Reject.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)

	Publish(ctx context.Context, exchange, routingKey string, body []byte, props Properties) error

	// Purge discards every currently queued message on queue and reports
	// how many were discarded (backs the worker's purge CLI subcommand).
	Purge(ctx context.Context, queue string) (int, error)
}
