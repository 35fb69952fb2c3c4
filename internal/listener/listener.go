// Package listener consumes deliveries from the broker, decodes them,
// resolves the destination task in the registry, and hands eligible work to
// the ready queue (directly, or via the ETA queue for delayed messages). It
// owns ack/reject discipline for every delivery it admits.
//
// Grounded on itskum47/FluxForge control_plane's store consumer loop pattern
// (read from a channel-backed source, decode, dispatch, ack) generalized
// from a single reconciliation stream to registry-driven multi-queue
// consumption.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxtask/worker/internal/broker"
	"github.com/fluxtask/worker/internal/codec"
	"github.com/fluxtask/worker/internal/etaqueue"
	"github.com/fluxtask/worker/internal/events"
	"github.com/fluxtask/worker/internal/pool"
	"github.com/fluxtask/worker/internal/readyqueue"
	"github.com/fluxtask/worker/internal/registry"
)

// pendingDelivery is kept from admission time until the pool reports a
// terminal result, so acks_late can ack/reject against the right delivery.
type pendingDelivery struct {
	delivery broker.Delivery
	taskName string
}

// Listener is the sole owner of a Delivery's ack tag from the moment it is
// read off the broker until it is acked (early) or the pool reports
// completion (late).
type Listener struct {
	reg      *registry.Registry
	ready    *readyqueue.Queue
	eta      *etaqueue.Queue
	events   *events.Dispatcher
	p        *pool.Pool
	codec    codec.Name
	acksLate bool
	log      zerolog.Logger

	defaultHardTimeLimit time.Duration
	defaultSoftTimeLimit time.Duration

	pendingMu sync.Mutex
	pending   map[string]pendingDelivery
}

// Config configures a Listener.
type Config struct {
	Registry     *registry.Registry
	Ready        *readyqueue.Queue
	ETA          *etaqueue.Queue
	Events       *events.Dispatcher
	Pool         *pool.Pool
	DefaultCodec codec.Name
	AcksLate     bool
	// DefaultHardTimeLimit/DefaultSoftTimeLimit apply to a dispatched task
	// whose registry.Entry leaves the corresponding limit at zero. 0 means
	// no global default (the task runs with no limit of that kind).
	DefaultHardTimeLimit time.Duration
	DefaultSoftTimeLimit time.Duration
	Log                  zerolog.Logger
}

// New returns a Listener. The caller must wire Config.Pool's OnResult to
// l.HandleResult so terminal task outcomes flow back here.
func New(cfg Config) *Listener {
	return &Listener{
		reg:                  cfg.Registry,
		ready:                cfg.Ready,
		eta:                  cfg.ETA,
		events:               cfg.Events,
		p:                    cfg.Pool,
		codec:                cfg.DefaultCodec,
		acksLate:             cfg.AcksLate,
		defaultHardTimeLimit: cfg.DefaultHardTimeLimit,
		defaultSoftTimeLimit: cfg.DefaultSoftTimeLimit,
		log:                  cfg.Log,
		pending:              make(map[string]pendingDelivery),
	}
}

// Consume reads deliveries from deliveries until it is closed or ctx is
// cancelled, admitting each one in turn. It blocks on readyqueue.Push when
// the ready queue is full, which is the backpressure mechanism that
// ultimately throttles how fast the broker is drained relative to prefetch.
func (l *Listener) Consume(ctx context.Context, deliveries <-chan broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.admit(ctx, d)
		}
	}
}

func (l *Listener) admit(ctx context.Context, d broker.Delivery) {
	var c codec.Codec
	var err error
	if d.Message.ContentType != "" {
		c, err = codec.ByContentType(d.Message.ContentType)
	} else {
		// Broker did not tag the message (e.g. redisbroker never sees a
		// content type); fall back to the configured default serializer.
		c, err = codec.ByName(l.codec)
	}
	if err != nil {
		l.rejectMalformed(ctx, d, err)
		return
	}

	env, err := c.Decode(d.Message.Body)
	if err != nil {
		l.rejectMalformed(ctx, d, err)
		return
	}

	entry, ok := l.reg.Lookup(env.TaskName)
	if !ok {
		l.log.Warn().Str("task_name", env.TaskName).Msg("rejecting message for unregistered task")
		_ = d.Reject(ctx, false)
		l.events.Publish(ctx, events.TaskFailed, d.Message.ID, env.TaskName, map[string]any{"reason": "unregistered task"})
		return
	}

	taskID := d.Message.ID
	l.events.Publish(ctx, events.TaskReceived, taskID, env.TaskName, nil)

	if !l.acksLate {
		if err := d.Ack(ctx); err != nil {
			l.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to ack message on receipt")
		}
	} else {
		l.pendingMu.Lock()
		l.pending[taskID] = pendingDelivery{delivery: d, taskName: env.TaskName}
		l.pendingMu.Unlock()
	}

	task := readyqueue.Task{
		TaskID:   taskID,
		TaskName: env.TaskName,
		Run: func(ctx context.Context) {
			l.dispatch(ctx, taskID, entry, env)
		},
	}

	eta := effectiveETA(env.ETA, d.Message.ETA)
	if eta != nil && eta.After(time.Now()) {
		l.eta.Enter(*eta, func() {
			if err := l.ready.Push(context.Background(), task); err != nil {
				l.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to admit task at its ETA")
			}
		})
		return
	}

	if err := l.ready.Push(ctx, task); err != nil {
		l.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to push task onto ready queue")
	}
}

// effectiveETA prefers the envelope's ETA (set by the sender) over any ETA
// the broker transport itself recorded on Message, which is mainly present
// for tests that inject messages directly.
func effectiveETA(envelopeETA, messageETA *time.Time) *time.Time {
	if envelopeETA != nil {
		return envelopeETA
	}
	return messageETA
}

func (l *Listener) rejectMalformed(ctx context.Context, d broker.Delivery, err error) {
	l.log.Warn().Err(err).Str("message_id", d.Message.ID).Msg("rejecting malformed message")
	_ = d.Reject(ctx, false)
	l.events.Publish(ctx, events.TaskFailed, d.Message.ID, "", map[string]any{"reason": "decode error"})
}

func (l *Listener) dispatch(ctx context.Context, taskID string, entry registry.Entry, env codec.Envelope) {
	l.events.Publish(ctx, events.TaskStarted, taskID, entry.Name, nil)

	soft := entry.SoftTimeLimit
	if soft == 0 {
		soft = l.defaultSoftTimeLimit
	}
	hard := entry.HardTimeLimit
	if hard == 0 {
		hard = l.defaultHardTimeLimit
	}

	err := l.p.Submit(ctx, pool.Task{
		ID:            taskID,
		TaskName:      entry.Name,
		Handler:       pool.Handler(entry.Handler),
		Args:          env.Args,
		Kwargs:        env.Kwargs,
		SoftTimeLimit: soft,
		HardTimeLimit: hard,
	})
	if err != nil {
		l.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to submit task to pool")
	}
}

// HandleResult is wired as the pool's OnResult callback. It settles the
// delivery's ack tag (for acks_late), records metrics, and publishes the
// terminal monitoring event.
func (l *Listener) HandleResult(r pool.Result) {
	ctx := context.Background()

	l.pendingMu.Lock()
	pd, ok := l.pending[r.TaskID]
	delete(l.pending, r.TaskID)
	l.pendingMu.Unlock()

	if ok && l.acksLate {
		// This core never requeues: every terminal outcome, including a
		// timeout, acks rather than rejects-with-requeue.
		if err := pd.delivery.Ack(ctx); err != nil {
			l.log.Warn().Err(err).Str("task_id", r.TaskID).Msg("failed to ack message after execution")
		}
	}

	events.TaskRuntimeSeconds.Observe(r.Runtime.Seconds())

	switch r.Status {
	case pool.StatusSuccess:
		l.events.Publish(ctx, events.TaskSucceeded, r.TaskID, r.TaskName, nil)
	case pool.StatusFailure:
		l.events.Publish(ctx, events.TaskFailed, r.TaskID, r.TaskName, map[string]any{"error": r.Err.Error()})
	case pool.StatusRevoked:
		l.events.Publish(ctx, events.TaskRevoked, r.TaskID, r.TaskName, nil)
	case pool.StatusTimeout:
		events.TaskTimeouts.WithLabelValues(r.TaskName, "hard").Inc()
		l.events.Publish(ctx, events.TaskFailed, r.TaskID, r.TaskName, map[string]any{"reason": "hard time limit exceeded"})
	}
}
