// Package events implements the monitoring event dispatcher: fire-and-forget
// publication of worker lifecycle/task events over the broker's event
// exchange, plus the Prometheus metrics surface. Metric names are adapted
// from itskum47/FluxForge control_plane/observability/metrics.go
// (promauto/client_golang), renamed from the reconciliation domain to the
// task-worker domain.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/fluxtask/worker/internal/broker"
)

// Kind enumerates the worker/task lifecycle events this package publishes.
type Kind string

const (
	WorkerOnline    Kind = "worker-online"
	WorkerOffline   Kind = "worker-offline"
	WorkerHeartbeat Kind = "worker-heartbeat"
	TaskReceived    Kind = "task-received"
	TaskStarted     Kind = "task-started"
	TaskSucceeded   Kind = "task-succeeded"
	TaskFailed      Kind = "task-failed"
	TaskRevoked     Kind = "task-revoked"
)

// Record is the structured payload published for every event.
type Record struct {
	Kind      Kind      `json:"kind"`
	Hostname  string    `json:"hostname"`
	TaskID    string    `json:"task_id,omitempty"`
	TaskName  string    `json:"task_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_events_published_total",
		Help: "Total number of monitoring events published",
	}, []string{"kind"})

	eventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"kind"})

	TaskTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_task_timeouts_total",
		Help: "Tasks forcibly terminated due to a time limit",
	}, []string{"task_name", "limit"}) // limit: soft, hard

	TaskRuntimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_task_runtime_seconds",
		Help:    "Task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	PoolBusySlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_pool_busy_slots",
		Help: "Current number of busy pool slots",
	})

	PoolRecycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_pool_recycles_total",
		Help: "Total number of slot recycles due to max_tasks_per_child",
	})

	ReadyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_ready_queue_depth",
		Help: "Current number of tasks waiting in the ready queue",
	})

	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_eta_queue_depth",
		Help: "Current number of entries pending in the ETA scheduler",
	})

	RateLimitDeferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_rate_limit_deferrals_total",
		Help: "Total number of tasks deferred by rate-limit admission",
	}, []string{"task_name"})

	BeatDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_beat_dispatches_total",
		Help: "Total number of periodic tasks dispatched by Beat",
	}, []string{"task_name"})

	BeatSchedulingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_beat_scheduling_errors_total",
		Help: "Total number of Beat dispatch attempts that failed",
	}, []string{"task_name"})
)

// Dispatcher publishes Records onto the configured event exchange. A publish
// failure is logged and never affects task execution.
type Dispatcher struct {
	enabled  bool
	br       broker.Broker
	exchange string
	hostname string
	log      zerolog.Logger
}

// New returns a Dispatcher. If enabled is false, Publish is a no-op beyond
// metrics, matching send_events=false.
func New(enabled bool, br broker.Broker, exchange, hostname string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{enabled: enabled, br: br, exchange: exchange, hostname: hostname, log: log}
}

// Publish fires-and-forgets a Record. Never blocks task execution on broker
// backpressure longer than the context allows.
func (d *Dispatcher) Publish(ctx context.Context, kind Kind, taskID, taskName string, extra map[string]any) {
	eventsPublished.WithLabelValues(string(kind)).Inc()
	if !d.enabled {
		return
	}

	rec := Record{
		Kind:      kind,
		Hostname:  d.hostname,
		TaskID:    taskID,
		TaskName:  taskName,
		Timestamp: time.Now(),
		Extra:     extra,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		d.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to marshal monitoring event")
		eventPublishFailures.WithLabelValues(string(kind)).Inc()
		return
	}

	if err := d.br.Publish(ctx, d.exchange, string(kind), body, broker.Properties{ContentType: "application/json"}); err != nil {
		d.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to publish monitoring event")
		eventPublishFailures.WithLabelValues(string(kind)).Inc()
	}
}
