package listener

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/worker/internal/broker"
	"github.com/fluxtask/worker/internal/broker/memorybroker"
	"github.com/fluxtask/worker/internal/codec"
	"github.com/fluxtask/worker/internal/etaqueue"
	"github.com/fluxtask/worker/internal/events"
	"github.com/fluxtask/worker/internal/pool"
	"github.com/fluxtask/worker/internal/readyqueue"
	"github.com/fluxtask/worker/internal/registry"
)

func setup(t *testing.T, acksLate bool) (*Listener, *pool.Pool, *readyqueue.Queue, *memorybroker.Broker) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Entry{
		Name: "add",
		Handler: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return "done", nil
		},
	}))

	ready := readyqueue.New(8)
	eta := etaqueue.New(2 * time.Millisecond)
	t.Cleanup(eta.Stop)

	mb := memorybroker.New()
	disp := events.New(false, mb, "worker_event", "test-host", zerolog.Nop())

	p := pool.New(pool.Config{Concurrency: 2})

	l := New(Config{
		Registry:     reg,
		Ready:        ready,
		ETA:          eta,
		Events:       disp,
		Pool:         p,
		DefaultCodec: codec.JSON,
		AcksLate:     acksLate,
		Log:          zerolog.Nop(),
	})
	p.SetOnResult(l.HandleResult)
	return l, p, ready, mb
}

func encodeEnvelope(t *testing.T, env codec.Envelope) []byte {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func TestAdmitDecodesAndPushesToReadyQueue(t *testing.T) {
	l, _, ready, _ := setup(t, false)

	acked := false
	d := broker.Delivery{
		Message: broker.Message{ID: "m1", Body: encodeEnvelope(t, codec.Envelope{TaskName: "add"})},
		Ack:     func(ctx context.Context) error { acked = true; return nil },
		Reject:  func(ctx context.Context, requeue bool) error { return nil },
	}

	l.admit(context.Background(), d)
	assert.True(t, acked, "non-acks_late delivery should ack on receipt")

	task, ok := ready.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "m1", task.TaskID)
	assert.Equal(t, "add", task.TaskName)
}

func TestAdmitRoutesByTaggedContentType(t *testing.T) {
	l, _, ready, _ := setup(t, false)

	acked := false
	d := broker.Delivery{
		Message: broker.Message{
			ID:          "m1",
			ContentType: "application/json",
			Body:        encodeEnvelope(t, codec.Envelope{TaskName: "add"}),
		},
		Ack:    func(ctx context.Context) error { acked = true; return nil },
		Reject: func(ctx context.Context, requeue bool) error { return nil },
	}

	l.admit(context.Background(), d)
	assert.True(t, acked, "a delivery tagged with a supported content type should decode and admit normally")

	task, ok := ready.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "add", task.TaskName)
}

func TestAdmitRejectsUnsupportedContentType(t *testing.T) {
	l, _, ready, _ := setup(t, false)

	rejected := false
	d := broker.Delivery{
		Message: broker.Message{
			ID:          "m1",
			ContentType: "application/x-protobuf",
			Body:        encodeEnvelope(t, codec.Envelope{TaskName: "add"}),
		},
		Ack:    func(ctx context.Context) error { return nil },
		Reject: func(ctx context.Context, requeue bool) error { rejected = true; return nil },
	}

	l.admit(context.Background(), d)
	assert.True(t, rejected)
	assert.Equal(t, 0, ready.Len())
}

func TestAdmitRejectsUnregisteredTask(t *testing.T) {
	l, _, ready, _ := setup(t, false)

	rejected := false
	d := broker.Delivery{
		Message: broker.Message{ID: "m1", Body: encodeEnvelope(t, codec.Envelope{TaskName: "unknown"})},
		Ack:     func(ctx context.Context) error { return nil },
		Reject:  func(ctx context.Context, requeue bool) error { rejected = true; return nil },
	}

	l.admit(context.Background(), d)
	assert.True(t, rejected)
	assert.Equal(t, 0, ready.Len())
}

func TestAdmitRejectsMalformedBody(t *testing.T) {
	l, _, ready, _ := setup(t, false)

	rejected := false
	d := broker.Delivery{
		Message: broker.Message{ID: "m1", Body: []byte("not json")},
		Ack:     func(ctx context.Context) error { return nil },
		Reject:  func(ctx context.Context, requeue bool) error { rejected = true; return nil },
	}

	l.admit(context.Background(), d)
	assert.True(t, rejected)
	assert.Equal(t, 0, ready.Len())
}

func TestAdmitDefersETAIntoFuture(t *testing.T) {
	l, _, ready, _ := setup(t, false)

	eta := time.Now().Add(30 * time.Millisecond)
	d := broker.Delivery{
		Message: broker.Message{ID: "m1", Body: encodeEnvelope(t, codec.Envelope{TaskName: "add", ETA: &eta})},
		Ack:     func(ctx context.Context) error { return nil },
		Reject:  func(ctx context.Context, requeue bool) error { return nil },
	}

	l.admit(context.Background(), d)
	assert.Equal(t, 0, ready.Len(), "task with a future ETA should not be immediately ready")

	require.Eventually(t, func() bool {
		return ready.Len() == 1
	}, time.Second, time.Millisecond)
}

func TestDispatchFallsBackToGlobalTimeLimits(t *testing.T) {
	reg := registry.New()
	blocked := make(chan struct{})
	require.NoError(t, reg.Register(registry.Entry{
		Name: "slow",
		Handler: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			<-blocked
			return nil, nil
		},
	}))

	ready := readyqueue.New(8)
	eta := etaqueue.New(2 * time.Millisecond)
	t.Cleanup(eta.Stop)

	mb := memorybroker.New()
	disp := events.New(false, mb, "worker_event", "test-host", zerolog.Nop())
	p := pool.New(pool.Config{Concurrency: 1})

	l := New(Config{
		Registry:             reg,
		Ready:                ready,
		ETA:                  eta,
		Events:               disp,
		Pool:                 p,
		DefaultCodec:         codec.JSON,
		DefaultHardTimeLimit: 15 * time.Millisecond,
		Log:                  zerolog.Nop(),
	})

	results := make(chan pool.Result, 1)
	p.SetOnResult(func(r pool.Result) { results <- r })

	d := broker.Delivery{
		Message: broker.Message{ID: "m1", Body: encodeEnvelope(t, codec.Envelope{TaskName: "slow"})},
		Ack:     func(ctx context.Context) error { return nil },
		Reject:  func(ctx context.Context, requeue bool) error { return nil },
	}
	l.admit(context.Background(), d)

	task, ok := ready.Pop(context.Background())
	require.True(t, ok)
	task.Run(context.Background())

	select {
	case r := <-results:
		assert.Equal(t, pool.StatusTimeout, r.Status, "an entry with no explicit hard time limit should inherit the listener's global default")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestAcksLateDefersAckUntilPoolResult(t *testing.T) {
	l, p, ready, _ := setup(t, true)

	acked := false
	d := broker.Delivery{
		Message: broker.Message{ID: "m1", Body: encodeEnvelope(t, codec.Envelope{TaskName: "add"})},
		Ack:     func(ctx context.Context) error { acked = true; return nil },
		Reject:  func(ctx context.Context, requeue bool) error { return nil },
	}

	l.admit(context.Background(), d)
	assert.False(t, acked, "acks_late must not ack on receipt")

	task, ok := ready.Pop(context.Background())
	require.True(t, ok)
	task.Run(context.Background())

	require.Eventually(t, func() bool {
		return acked
	}, time.Second, time.Millisecond)
	_ = p
}
