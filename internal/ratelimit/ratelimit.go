// Package ratelimit implements the per-task-name token buckets. Adapted
// from itskum47/FluxForge control_plane/scheduler/limiter.go's
// TokenBucketLimiter, narrowed from per-node/per-tenant keys to per-task-name
// keys and given a global disable switch (spec's disable_rate_limits).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Buckets is a registry of per-task-name token buckets.
type Buckets struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	disabled bool
	defaultR *rate.Limit
	defaultB int
}

// Option configures a new Buckets.
type Option func(*Buckets)

// WithDisabled bypasses admission checks entirely (disable_rate_limits).
func WithDisabled(disabled bool) Option {
	return func(b *Buckets) { b.disabled = disabled }
}

// WithDefault applies perSecond/burst to any task that registers without an
// explicit rate limit (default_rate_limit).
func WithDefault(perSecond float64, burst int) Option {
	return func(b *Buckets) {
		r := rate.Limit(perSecond)
		b.defaultR = &r
		b.defaultB = burst
	}
}

// New returns an empty Buckets registry.
func New(opts ...Option) *Buckets {
	b := &Buckets{limiters: make(map[string]*rate.Limiter)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Configure installs an explicit per-second/burst limit for a task name,
// overriding any default.
func (b *Buckets) Configure(taskName string, perSecond float64, burst int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limiters[taskName] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (b *Buckets) limiterFor(taskName string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.limiters[taskName]
	if ok {
		return l
	}
	if b.defaultR == nil {
		// No explicit limit and no default: unlimited.
		l = rate.NewLimiter(rate.Inf, 0)
	} else {
		l = rate.NewLimiter(*b.defaultR, b.defaultB)
	}
	b.limiters[taskName] = l
	return l
}

// Acquire attempts to consume one token for taskName. If admitted, allowed
// is true. Otherwise allowed is false and wait is the estimated delay before
// a retry would succeed.
func (b *Buckets) Acquire(taskName string) (allowed bool, wait time.Duration) {
	if b.disabled {
		return true, 0
	}

	l := b.limiterFor(taskName)
	r := l.Reserve()
	if !r.OK() {
		// Burst of 0 with no tokens available: never admits; treat as a
		// long defer rather than wedging the caller.
		return false, time.Second
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
