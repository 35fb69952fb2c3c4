// Package readyqueue implements the bounded multi-producer/single-consumer
// FIFO of tasks admitted and waiting for a pool slot.
package readyqueue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Push once the queue has been closed.
var ErrClosed = errors.New("readyqueue: closed")

// Task is the minimal payload the ready queue moves around; any richer
// message/entry state a task needs is captured in its Run closure.
type Task struct {
	TaskID   string
	TaskName string
	Run      func(ctx context.Context)
}

// Queue is a bounded channel-backed FIFO. Capacity should equal the
// listener's prefetch window so the queue itself enforces backpressure.
type Queue struct {
	ch     chan Task
	closed chan struct{}
}

// New returns a Queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:     make(chan Task, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues a task, blocking if the queue is full. Returns ErrClosed if
// the queue has been closed, or ctx.Err() if ctx is cancelled first.
func (q *Queue) Push(ctx context.Context, t Task) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- t:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop blocks for the next task. ok is false once ctx is cancelled or the
// queue is closed and has no buffered tasks left.
func (q *Queue) Pop(ctx context.Context) (Task, bool) {
	select {
	case t := <-q.ch:
		return t, true
	case <-ctx.Done():
		return Task{}, false
	case <-q.closed:
		select {
		case t := <-q.ch:
			return t, true
		default:
			return Task{}, false
		}
	}
}

// Len reports the number of tasks currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue's fixed capacity (the prefetch window it enforces).
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close stops accepting new pushes. The underlying channel is never closed
// so an in-flight Push can never panic on send-after-close; Push instead
// observes the closed signal and returns ErrClosed.
func (q *Queue) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}
