package beat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/worker/internal/broker"
	"github.com/fluxtask/worker/internal/broker/memorybroker"
	"github.com/fluxtask/worker/internal/codec"
	"github.com/fluxtask/worker/internal/events"
	"github.com/fluxtask/worker/internal/registry"
	"github.com/fluxtask/worker/internal/router"
	"github.com/fluxtask/worker/internal/statedb"
)

func newMemoryBrokerWithQueue(t *testing.T, queue string) *memorybroker.Broker {
	t.Helper()
	mb := memorybroker.New()
	ctx := context.Background()
	require.NoError(t, mb.DeclareExchange(ctx, queue, broker.ExchangeDirect))
	require.NoError(t, mb.DeclareQueue(ctx, queue))
	require.NoError(t, mb.Bind(ctx, queue, queue, queue))
	return mb
}

func newDB(t *testing.T) *statedb.DB {
	t.Helper()
	db, err := statedb.Open(filepath.Join(t.TempDir(), "beat.db"), Bucket)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestTickDispatchesDueEveryTask(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Entry{
		Name:     "heartbeat",
		Handler:  func(ctx context.Context, args []any, kwargs map[string]any) (any, error) { return nil, nil },
		Schedule: &registry.ScheduleSpec{Every: 10 * time.Millisecond},
	}))

	r := router.New(router.Config{Default: router.Route{Queue: "heartbeat", Exchange: "heartbeat", RoutingKey: "heartbeat"}})
	mb := newMemoryBrokerWithQueue(t, "heartbeat")
	db := newDB(t)
	disp := events.New(false, mb, "worker_event", "host", zerolog.Nop())

	b := New(Config{
		Registry: reg, Router: r, Broker: mb, Codec: jsonCodec(t), DB: db, Events: disp,
		MaxLoopInterval: time.Second, Log: zerolog.Nop(),
	})

	// Force immediate due state: seed leaves LastRunAt at "now", so back it
	// off past the interval.
	require.NoError(t, db.Put(Bucket, "heartbeat", entryState{LastRunAt: time.Now().Add(-time.Hour)}))

	next := b.tick(context.Background())
	assert.Greater(t, next, time.Duration(0))

	ch, err := mb.Consume(context.Background(), "heartbeat", 4)
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a dispatched message on the heartbeat queue")
	}

	var st entryState
	found, err := db.Get(Bucket, "heartbeat", &st)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), st.TotalRunCount)
}

func TestTickSkipsNotYetDueTask(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Entry{
		Name:     "rarely",
		Handler:  func(ctx context.Context, args []any, kwargs map[string]any) (any, error) { return nil, nil },
		Schedule: &registry.ScheduleSpec{Every: time.Hour},
	}))

	r := router.New(router.Config{Default: router.Route{Queue: "rarely", Exchange: "rarely", RoutingKey: "rarely"}})
	mb := newMemoryBrokerWithQueue(t, "rarely")
	db := newDB(t)
	disp := events.New(false, mb, "worker_event", "host", zerolog.Nop())

	b := New(Config{
		Registry: reg, Router: r, Broker: mb, Codec: jsonCodec(t), DB: db, Events: disp,
		MaxLoopInterval: time.Second, Log: zerolog.Nop(),
	})
	require.NoError(t, db.Put(Bucket, "rarely", entryState{LastRunAt: time.Now()}))

	b.tick(context.Background())

	var st entryState
	found, err := db.Get(Bucket, "rarely", &st)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(0), st.TotalRunCount)
}

func TestCleanupRemovesStaleEntries(t *testing.T) {
	reg := registry.New()
	db := newDB(t)
	require.NoError(t, db.Put(Bucket, "long-gone", entryState{}))

	b := New(Config{Registry: reg, DB: db, Log: zerolog.Nop()})
	b.cleanup()

	var st entryState
	found, err := db.Get(Bucket, "long-gone", &st)
	require.NoError(t, err)
	assert.False(t, found)
}

func jsonCodec(t *testing.T) codec.Codec {
	t.Helper()
	c, err := codec.ByName(codec.JSON)
	require.NoError(t, err)
	return c
}
