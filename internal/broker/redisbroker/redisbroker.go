// Package redisbroker implements broker.Broker over Redis lists, grounded
// directly on itskum47/FluxForge control_plane/store/redis.go: the
// ping-on-connect + preloaded-Lua-script pattern used there for atomic store
// operations is reused here for an atomic reserve-and-ack reliable queue
// (BRPOPLPUSH into a per-queue processing list; ack = LREM from it).
//
// Reconnection uses github.com/cenkalti/backoff/v4 for exponential backoff
// with jitter, capped at broker_connection_max_retries when set.
package redisbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fluxtask/worker/internal/broker"
)

// ackScript atomically removes one occurrence of the delivered payload from
// the queue's processing list once the Listener has decided the message's
// fate (ack or reject-as-rejected; this core never requeues).
const ackScript = `
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
return removed
`

type binding struct {
	queue      string
	bindingKey string
}

// Options configures a Broker.
type Options struct {
	Addr     string
	Password string
	DB       int
	// MaxRetries caps reconnect attempts (0 = unbounded), per
	// broker_connection_max_retries.
	MaxRetries int
}

// Broker is a Redis-list-backed broker.Broker.
type Broker struct {
	opts   Options
	client *redis.Client
	ackSHA string

	mu       sync.Mutex
	bindings map[string][]binding // exchange -> bound queues
}

// New constructs a Broker without connecting; call Connect to establish the
// session and preload Lua scripts.
func New(opts Options) *Broker {
	return &Broker{opts: opts, bindings: make(map[string][]binding)}
}

func (b *Broker) Connect(ctx context.Context) error {
	return b.connectWithBackoff(ctx)
}

func (b *Broker) connectWithBackoff(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	var tries uint

	operation := func() error {
		client := redis.NewClient(&redis.Options{
			Addr:     b.opts.Addr,
			Password: b.opts.Password,
			DB:       b.opts.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			tries++
			if b.opts.MaxRetries > 0 && int(tries) >= b.opts.MaxRetries {
				return backoff.Permanent(fmt.Errorf("redisbroker: giving up after %d attempts: %w", tries, err))
			}
			return err
		}

		sha, err := client.ScriptLoad(pingCtx, ackScript).Result()
		if err != nil {
			return fmt.Errorf("redisbroker: failed to preload ack script: %w", err)
		}

		b.client = client
		b.ackSHA = sha
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

func (b *Broker) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *Broker) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind) error {
	// Redis has no native exchange primitive; bindings below capture the
	// routing table the core needs, same as memorybroker.
	return nil
}

func (b *Broker) DeclareQueue(ctx context.Context, name string) error {
	// Lists are created implicitly by the first RPUSH; nothing to do.
	return nil
}

func (b *Broker) Bind(ctx context.Context, queue, exchange, bindingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: queue, bindingKey: bindingKey})
	return nil
}

func processingKey(queue string) string {
	return queue + ":processing"
}

// Consume starts a background BRPOPLPUSH loop feeding at most `prefetch`
// in-flight deliveries onto the returned channel; the listener's own
// prefetch accounting bounds how fast it drains it.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	if b.client == nil {
		return nil, fmt.Errorf("redisbroker: not connected")
	}
	out := make(chan broker.Delivery, prefetch)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			res, err := b.client.BRPopLPush(ctx, queue, processingKey(queue), 2*time.Second).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				// Redis error: back off briefly and retry with the same
				// client. Connect is not called again, neither here nor by
				// the listener, and topology is not re-declared.
				time.Sleep(500 * time.Millisecond)
				continue
			}

			payload := res
			out <- broker.Delivery{
				Message: broker.Message{
					ID:    uuid.NewString(),
					Body:  []byte(payload),
					Queue: queue,
				},
				Ack: func(ctx context.Context) error {
					return b.client.EvalSha(ctx, b.ackSHA, []string{processingKey(queue)}, payload).Err()
				},
				Reject: func(ctx context.Context, requeue bool) error {
					return b.client.EvalSha(ctx, b.ackSHA, []string{processingKey(queue)}, payload).Err()
				},
			}
		}
	}()

	return out, nil
}

func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte, props broker.Properties) error {
	b.mu.Lock()
	bound := append([]binding(nil), b.bindings[exchange]...)
	b.mu.Unlock()

	for _, bind := range bound {
		if err := b.client.RPush(ctx, bind.queue, body).Err(); err != nil {
			return fmt.Errorf("redisbroker: publish to %q: %w", bind.queue, err)
		}
	}
	return nil
}

func (b *Broker) Purge(ctx context.Context, queue string) (int, error) {
	n, err := b.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, err
	}
	if err := b.client.Del(ctx, queue).Err(); err != nil {
		return 0, err
	}
	return int(n), nil
}
