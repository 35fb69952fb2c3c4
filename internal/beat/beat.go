// Package beat implements the periodic task scheduler: a tick loop that
// checks every registry entry carrying a schedule, dispatches the ones that
// are due, and persists last-run bookkeeping so schedules survive a
// restart.
//
// Grounded on itskum47/FluxForge control_plane/scheduler/queue.go's
// heap-driven tick loop, generalized from "next eligible reconciliation job"
// to "next due periodic task", plus robfig/cron/v3 for the cron-expression
// half of registry.ScheduleSpec (FluxForge itself has no cron predicate;
// pulled in from the wider example pack). Persistence follows the round-trip
// model in original_source/lib/python/celery/tests/test_beat.py: last_run_at
// and total_run_count survive a schedule reload and only advance on a
// successful dispatch.
package beat

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fluxtask/worker/internal/broker"
	"github.com/fluxtask/worker/internal/codec"
	"github.com/fluxtask/worker/internal/events"
	"github.com/fluxtask/worker/internal/registry"
	"github.com/fluxtask/worker/internal/router"
	"github.com/fluxtask/worker/internal/statedb"
)

// Bucket is the statedb bucket Beat persists its schedule state under.
var Bucket = []byte("beat_schedule")

// entryState is what gets persisted per task name.
type entryState struct {
	LastRunAt     time.Time `json:"last_run_at"`
	TotalRunCount int64     `json:"total_run_count"`
}

// Beat is the periodic scheduler.
type Beat struct {
	reg    *registry.Registry
	router *router.Router
	br     broker.Broker
	codec  codec.Codec
	db     *statedb.DB
	events *events.Dispatcher

	maxLoopInterval time.Duration
	log             zerolog.Logger

	cronParser cron.Parser
}

// Config configures a Beat.
type Config struct {
	Registry        *registry.Registry
	Router          *router.Router
	Broker          broker.Broker
	Codec           codec.Codec
	DB              *statedb.DB
	Events          *events.Dispatcher
	MaxLoopInterval time.Duration
	Log             zerolog.Logger
}

// New returns a Beat ready to Run.
func New(cfg Config) *Beat {
	maxLoop := cfg.MaxLoopInterval
	if maxLoop <= 0 {
		maxLoop = 5 * time.Minute
	}
	return &Beat{
		reg:             cfg.Registry,
		router:          cfg.Router,
		br:              cfg.Broker,
		codec:           cfg.Codec,
		db:              cfg.DB,
		events:          cfg.Events,
		maxLoopInterval: maxLoop,
		log:             cfg.Log,
		cronParser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Run seeds schedule state for every periodic entry, then ticks until ctx is
// cancelled: each iteration dispatches every due task and sleeps until the
// soonest next check (capped by maxLoopInterval).
func (b *Beat) Run(ctx context.Context) {
	b.seed()
	b.cleanup()

	for {
		next := b.tick(ctx)
		if next > b.maxLoopInterval || next <= 0 {
			next = b.maxLoopInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

// seed ensures every currently-registered periodic task has persisted state,
// so a freshly-added schedule entry runs on its next natural due time
// instead of immediately.
func (b *Beat) seed() {
	if b.db == nil {
		return
	}
	now := time.Now()
	for _, entry := range b.reg.Periodic() {
		var st entryState
		found, err := b.db.Get(Bucket, entry.Name, &st)
		if err != nil {
			b.log.Warn().Err(err).Str("task_name", entry.Name).Msg("failed to read persisted beat state")
			continue
		}
		if found {
			continue
		}
		if err := b.db.Put(Bucket, entry.Name, entryState{LastRunAt: now}); err != nil {
			b.log.Warn().Err(err).Str("task_name", entry.Name).Msg("failed to seed beat state")
		}
	}
}

// cleanup removes persisted state for task names no longer present in the
// registry's periodic set, so a removed schedule doesn't linger forever in
// the state file.
func (b *Beat) cleanup() {
	if b.db == nil {
		return
	}
	active := make(map[string]bool)
	for _, entry := range b.reg.Periodic() {
		active[entry.Name] = true
	}
	var stale []string
	_ = b.db.ForEach(Bucket, func(key string, raw []byte) error {
		if !active[key] {
			stale = append(stale, key)
		}
		return nil
	})
	for _, key := range stale {
		if err := b.db.Delete(Bucket, key); err != nil {
			b.log.Warn().Err(err).Str("task_name", key).Msg("failed to clean up stale beat state")
		}
	}
}

// tick evaluates every periodic entry once and returns the time until the
// next one becomes due.
func (b *Beat) tick(ctx context.Context) time.Duration {
	now := time.Now()
	soonest := b.maxLoopInterval

	for _, entry := range b.reg.Periodic() {
		st := b.stateFor(entry.Name)

		due, next, err := b.evaluate(*entry.Schedule, st, now)
		if err != nil {
			b.log.Warn().Err(err).Str("task_name", entry.Name).Msg("invalid schedule, skipping")
			continue
		}
		if next < soonest {
			soonest = next
		}
		if !due {
			continue
		}

		if err := b.dispatch(ctx, entry.Name); err != nil {
			events.BeatSchedulingErrors.WithLabelValues(entry.Name).Inc()
			b.log.Warn().Err(err).Str("task_name", entry.Name).Msg("failed to dispatch periodic task")
			continue // leave persisted state untouched; retry next tick
		}

		events.BeatDispatches.WithLabelValues(entry.Name).Inc()
		st.LastRunAt = now
		st.TotalRunCount++
		if b.db != nil {
			if err := b.db.Put(Bucket, entry.Name, st); err != nil {
				b.log.Warn().Err(err).Str("task_name", entry.Name).Msg("failed to persist beat state")
			}
		}
	}

	return soonest
}

func (b *Beat) stateFor(taskName string) entryState {
	if b.db == nil {
		return entryState{}
	}
	var st entryState
	_, _ = b.db.Get(Bucket, taskName, &st)
	return st
}

// evaluate reports whether spec is due given st, and the duration until it
// will next need checking.
func (b *Beat) evaluate(spec registry.ScheduleSpec, st entryState, now time.Time) (due bool, next time.Duration, err error) {
	if spec.Cron != "" {
		schedule, err := b.cronParser.Parse(spec.Cron)
		if err != nil {
			return false, b.maxLoopInterval, fmt.Errorf("beat: invalid cron expression %q: %w", spec.Cron, err)
		}
		nextRun := schedule.Next(st.LastRunAt)
		if !nextRun.After(now) {
			return true, schedule.Next(now).Sub(now), nil
		}
		return false, nextRun.Sub(now), nil
	}

	if spec.Every > 0 {
		elapsed := now.Sub(st.LastRunAt)
		if elapsed >= spec.Every {
			return true, spec.Every, nil
		}
		return false, spec.Every - elapsed, nil
	}

	return false, b.maxLoopInterval, fmt.Errorf("beat: schedule has neither Every nor Cron set")
}

func (b *Beat) dispatch(ctx context.Context, taskName string) error {
	route := b.router.Resolve(taskName)
	body, err := b.codec.Encode(codec.Envelope{TaskName: taskName, Args: []any{}, Kwargs: map[string]any{}})
	if err != nil {
		return fmt.Errorf("beat: encode envelope for %q: %w", taskName, err)
	}
	if err := b.br.Publish(ctx, route.Exchange, route.RoutingKey, body, broker.Properties{ContentType: b.codec.ContentType()}); err != nil {
		return fmt.Errorf("beat: publish %q: %w", taskName, err)
	}
	return nil
}
