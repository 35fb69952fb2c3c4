// Package mediator drains the ready queue into the worker pool, consulting
// rate limits before admitting each task and re-scheduling deferred tasks
// through the ETA queue rather than busy-waiting.
//
// Grounded on itskum47/FluxForge control_plane/scheduler's dispatch loop,
// which pulls from a priority queue and checks a TokenBucketLimiter before
// handing work to the executor pool; generalized here from priority-ordered
// reconciliation jobs to FIFO task admission.
package mediator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxtask/worker/internal/etaqueue"
	"github.com/fluxtask/worker/internal/events"
	"github.com/fluxtask/worker/internal/ratelimit"
	"github.com/fluxtask/worker/internal/readyqueue"
)

// Mediator is the single consumer of the ready queue.
type Mediator struct {
	ready *readyqueue.Queue
	rates *ratelimit.Buckets
	eta   *etaqueue.Queue
	log   zerolog.Logger

	done chan struct{}
}

// New returns a Mediator. eta is the same ETA scheduler the listener uses
// for message-level ETAs; rate-limit deferrals are re-entered into it so a
// single timer loop governs every delayed release.
func New(ready *readyqueue.Queue, rates *ratelimit.Buckets, eta *etaqueue.Queue, log zerolog.Logger) *Mediator {
	return &Mediator{ready: ready, rates: rates, eta: eta, log: log, done: make(chan struct{})}
}

// Run drains the ready queue until ctx is cancelled or the queue closes with
// nothing left buffered. For each task it consults the rate limiter: if
// admitted, task.Run is invoked directly on this goroutine, which blocks
// until the pool has a free slot — that block is itself the mechanism that
// keeps the mediator from draining faster than the pool can absorb work.
// If the task is deferred, it is re-entered into the ETA queue at
// now+wait and re-pushed onto the ready queue once eligible, rather than
// looping here and burning CPU.
func (m *Mediator) Run(ctx context.Context) {
	defer close(m.done)
	for {
		task, ok := m.ready.Pop(ctx)
		if !ok {
			return
		}
		events.ReadyQueueDepth.Set(float64(m.ready.Len()))

		allowed, wait := m.rates.Acquire(task.TaskName)
		if allowed {
			task.Run(ctx)
			continue
		}

		events.RateLimitDeferrals.WithLabelValues(task.TaskName).Inc()
		m.scheduleRetry(task, wait)
	}
}

func (m *Mediator) scheduleRetry(task readyqueue.Task, wait time.Duration) {
	m.eta.Enter(time.Now().Add(wait), func() {
		// Re-push on a background context: the original ctx may have moved
		// on by the time this fires, but the mediator's ready queue outlives
		// any single Run call.
		if err := m.ready.Push(context.Background(), task); err != nil {
			m.log.Warn().Err(err).Str("task_id", task.TaskID).Msg("failed to re-admit rate-limited task")
		}
	})
}

// Stop blocks until Run has returned.
func (m *Mediator) Stop() {
	<-m.done
}
