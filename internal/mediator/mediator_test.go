package mediator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxtask/worker/internal/etaqueue"
	"github.com/fluxtask/worker/internal/ratelimit"
	"github.com/fluxtask/worker/internal/readyqueue"
)

func TestRunAdmitsUnlimitedTaskImmediately(t *testing.T) {
	ready := readyqueue.New(4)
	rates := ratelimit.New()
	eta := etaqueue.New(5 * time.Millisecond)
	defer eta.Stop()

	m := New(ready, rates, eta, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	var mu sync.Mutex
	ran := false
	require.NoError(t, ready.Push(context.Background(), readyqueue.Task{
		TaskID:   "t1",
		TaskName: "add",
		Run: func(ctx context.Context) {
			mu.Lock()
			ran = true
			mu.Unlock()
		},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	}, time.Second, time.Millisecond)

	cancel()
	m.Stop()
}

func TestRunDefersRateLimitedTaskAndRetriesLater(t *testing.T) {
	ready := readyqueue.New(4)
	rates := ratelimit.New()
	rates.Configure("limited", 1000, 1) // burst of 1: second Acquire within the same instant defers
	eta := etaqueue.New(2 * time.Millisecond)
	defer eta.Stop()

	m := New(ready, rates, eta, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	var mu sync.Mutex
	runs := 0
	task := readyqueue.Task{
		TaskID:   "t1",
		TaskName: "limited",
		Run: func(ctx context.Context) {
			mu.Lock()
			runs++
			mu.Unlock()
		},
	}

	// Exhaust the burst synchronously so the next admission is deferred.
	allowed, _ := rates.Acquire("limited")
	assert.True(t, allowed)

	require.NoError(t, ready.Push(context.Background(), task))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 1
	}, 2*time.Second, time.Millisecond)
}
