// Package memorybroker is an in-process Broker for tests and single-node
// dev mode — the same role itskum47/FluxForge's streaming.LogPublisher
// plays as a "no real backend yet" stand-in, generalized here to a full
// queue/exchange/binding broker instead of a log sink.
package memorybroker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxtask/worker/internal/broker"
)

type binding struct {
	exchange   string
	bindingKey string
}

// Broker is a channel-backed, single-process implementation of broker.Broker.
// Exchanges fan messages out to every bound queue (direct/topic matching is
// not modeled — this broker is for tests and standalone dev, not fidelity to
// AMQP routing semantics).
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]broker.ExchangeKind
	queues    map[string]chan broker.Delivery
	bindings  map[string][]binding // exchange -> queues bound to it
	queueMsgs map[string][]broker.Message
	closed    bool
}

// New returns a ready-to-use in-memory broker. Connect/Close are no-ops
// beyond bookkeeping since there is no real connection.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]broker.ExchangeKind),
		queues:    make(map[string]chan broker.Delivery),
		bindings:  make(map[string][]binding),
		queueMsgs: make(map[string][]broker.Message),
	}
}

func (b *Broker) Connect(ctx context.Context) error { return nil }

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ch := range b.queues {
		close(ch)
	}
	return nil
}

func (b *Broker) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
	return nil
}

func (b *Broker) DeclareQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = make(chan broker.Delivery, 1024)
	}
	return nil
}

func (b *Broker) Bind(ctx context.Context, queue, exchange, bindingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("memorybroker: queue %q not declared", queue)
	}
	b.bindings[exchange] = append(b.bindings[exchange], binding{exchange: queue, bindingKey: bindingKey})
	return nil
}

func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	ch, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memorybroker: queue %q not declared", queue)
	}
	return ch, nil
}

func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte, props broker.Properties) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memorybroker: closed")
	}

	msg := broker.Message{
		ID:          uuid.NewString(),
		Body:        body,
		ContentType: props.ContentType,
		Expires:     props.Expiration,
	}

	for _, bound := range b.bindings[exchange] {
		q := bound.exchange // queue name
		ch, ok := b.queues[q]
		if !ok {
			continue
		}
		b.queueMsgs[q] = append(b.queueMsgs[q], msg)
		delivered := msg
		select {
		case ch <- broker.Delivery{
			Message: delivered,
			Ack:     func(ctx context.Context) error { return nil },
			Reject:  func(ctx context.Context, requeue bool) error { return nil },
		}:
		default:
			return fmt.Errorf("memorybroker: queue %q is full", q)
		}
	}
	return nil
}

func (b *Broker) Purge(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queue]
	if !ok {
		return 0, fmt.Errorf("memorybroker: queue %q not declared", queue)
	}
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			return count, nil
		}
	}
}

// PublishDirect is a test helper that bypasses exchange/binding routing and
// injects a fully-formed Message straight onto queue, including an ETA —
// useful for exercising the Listener/Scheduler without round-tripping a
// codec.
func (b *Broker) PublishDirect(queue string, msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("memorybroker: queue %q not declared", queue)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	select {
	case ch <- broker.Delivery{
		Message: msg,
		Ack:     func(ctx context.Context) error { return nil },
		Reject:  func(ctx context.Context, requeue bool) error { return nil },
	}:
		return nil
	default:
		return fmt.Errorf("memorybroker: queue %q is full", queue)
	}
}
