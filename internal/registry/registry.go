// Package registry holds the name -> handler mapping the core dispatches
// against, plus the per-task metadata (rate limit, time limits, result
// policy, periodic schedule) the rest of the worker reads.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HandlerFunc is a registered task body. args/kwargs are decoded from the
// broker message by the configured codec before the handler runs.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// ScheduleSpec describes a periodic entry for Beat. Exactly one of Every or
// Cron should be set.
type ScheduleSpec struct {
	Every time.Duration
	Cron  string
}

// RateLimit is tokens/sec with a burst allowance. A nil *RateLimit on an
// Entry means "no limit for this task".
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Entry is one task's registration.
type Entry struct {
	Name                     string
	Handler                  HandlerFunc
	RateLimit                *RateLimit
	HardTimeLimit            time.Duration
	SoftTimeLimit            time.Duration
	IgnoreResult             bool
	StoreErrorsEvenIfIgnored bool
	Schedule                 *ScheduleSpec
}

func (e Entry) validate() error {
	if e.Name == "" {
		return fmt.Errorf("registry: entry has empty name")
	}
	if e.Handler == nil {
		return fmt.Errorf("registry: entry %q has no handler", e.Name)
	}
	if e.HardTimeLimit > 0 && e.SoftTimeLimit > 0 && e.HardTimeLimit < e.SoftTimeLimit {
		return fmt.Errorf("registry: entry %q hard time limit %s is less than soft time limit %s", e.Name, e.HardTimeLimit, e.SoftTimeLimit)
	}
	return nil
}

// Registry is a read-mostly name -> Entry table, built at startup and never
// mutated while the worker is taking traffic.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces a task entry. Returns an error if the entry is
// misconfigured (e.g. hard limit below soft limit).
func (r *Registry) Register(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
	return nil
}

// Lookup returns the entry for name and whether it exists.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns every registered task name, for the startup banner.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// All returns every registered entry, for startup passes that need to
// inspect metadata (e.g. rate limits) across the whole registry.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Periodic returns the subset of entries that carry a Schedule, for Beat to
// seed its persistent schedule from.
func (r *Registry) Periodic() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Schedule != nil {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many tasks are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
