// Package etaqueue implements the ETA scheduler: a min-heap of callbacks
// keyed by eligibility time, drained by a single dedicated timer loop.
//
// Adapted from the control-plane scheduler's container/heap priority queue
// (itskum47/FluxForge control_plane/scheduler/queue.go) — the aging/priority
// comparator is replaced with a straight eligibility-time + insertion-order
// compare, since ETA release has no notion of priority.
package etaqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/fluxtask/worker/internal/events"
)

// Callback is invoked once an entry's eligibility time has passed. It never
// runs while the queue's lock is held.
type Callback func()

// Handle lets a caller cancel a pending entry.
type Handle struct {
	item *item
}

type item struct {
	eligibility time.Time
	seq         uint64 // insertion order, for FIFO tie-break among equal eligibilities
	callback    Callback
	cancelled   bool
	index       int
}

type innerHeap []*item

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	if h[i].eligibility.Equal(h[j].eligibility) {
		return h[i].seq < h[j].seq
	}
	return h[i].eligibility.Before(h[j].eligibility)
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *innerHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the ETA scheduler's min-heap plus its dedicated timer loop.
type Queue struct {
	mu       sync.Mutex
	heap     innerHeap
	nextSeq  uint64
	wake     chan struct{}
	precision time.Duration

	stop chan struct{}
	done chan struct{}
}

// New returns a Queue whose timer loop wakes with at most `precision`
// granularity (spec's eta_scheduler_precision), and starts its loop
// immediately.
func New(precision time.Duration) *Queue {
	if precision <= 0 {
		precision = time.Second
	}
	q := &Queue{
		wake:      make(chan struct{}, 1),
		precision: precision,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go q.loop()
	return q
}

// Enter inserts a callback to fire at eta (or immediately, if eta is in the
// past) and returns a handle that can cancel it.
func (q *Queue) Enter(eta time.Time, cb Callback) *Handle {
	q.mu.Lock()
	q.nextSeq++
	it := &item{eligibility: eta, seq: q.nextSeq, callback: cb}
	heap.Push(&q.heap, it)
	headChanged := q.heap[0] == it
	depth := len(q.heap)
	q.mu.Unlock()
	events.SchedulerQueueDepth.Set(float64(depth))

	if headChanged {
		q.nudge()
	}
	return &Handle{item: it}
}

// Cancel marks an entry cancelled; it is lazily removed when it would
// otherwise have fired.
func (q *Queue) Cancel(h *Handle) {
	if h == nil {
		return
	}
	q.mu.Lock()
	h.item.cancelled = true
	q.mu.Unlock()
}

// Len reports how many (including cancelled, not-yet-reaped) entries remain.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Stop halts the timer loop. Pending entries are discarded.
func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.done)
	timer := time.NewTimer(q.precision)
	defer timer.Stop()

	for {
		wait := q.precision
		q.mu.Lock()
		if len(q.heap) > 0 {
			if d := time.Until(q.heap[0].eligibility); d < wait {
				wait = d
			}
		}
		q.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.stop:
			return
		case <-timer.C:
			q.release()
		case <-q.wake:
			q.release()
		}
	}
}

// release pops every entry whose eligibility has passed and fires its
// callback on this goroutine, outside the lock.
func (q *Queue) release() {
	for {
		q.mu.Lock()
		if len(q.heap) == 0 || q.heap[0].eligibility.After(time.Now()) {
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.heap).(*item)
		depth := len(q.heap)
		q.mu.Unlock()
		events.SchedulerQueueDepth.Set(float64(depth))

		if it.cancelled {
			continue
		}
		it.callback()
	}
}
