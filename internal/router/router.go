// Package router resolves a task name to a (queue, exchange, routing key)
// destination via an ordered rule list and a default-queue fallback,
// optionally registering unknown queues on the fly.
package router

import (
	"path"
	"sync"

	"github.com/fluxtask/worker/internal/broker"
)

// Route is a resolved destination for a task.
type Route struct {
	Queue      string
	Exchange   string
	ExchangeType broker.ExchangeKind
	BindingKey string
	RoutingKey string
}

// Predicate is a callable routing rule: given a task name, it returns a
// route and true if it matches, or false to fall through.
type Predicate func(taskName string) (*Route, bool)

// Rule is either a glob Pattern -> Route mapping or a Predicate. Exactly one
// of the two should be set.
type Rule struct {
	Pattern string
	Route   Route
	Match   Predicate
}

func (r Rule) resolve(taskName string) (*Route, bool) {
	if r.Match != nil {
		return r.Match(taskName)
	}
	if r.Pattern == "" {
		return nil, false
	}
	ok, err := path.Match(r.Pattern, taskName)
	if err != nil || !ok {
		return nil, false
	}
	route := r.Route
	return &route, true
}

// QueueDescriptor is one actively consumed queue and its exchange binding.
type QueueDescriptor struct {
	Name         string
	Exchange     string
	ExchangeType broker.ExchangeKind
	BindingKey   string
	RoutingKey   string
}

// Router resolves task names to routes.
type Router struct {
	mu                   sync.RWMutex
	rules                []Rule
	defaultRoute         Route
	createMissingQueues  bool
	activeQueues         map[string]QueueDescriptor
}

// Config configures a new Router.
type Config struct {
	Rules               []Rule
	Default             Route
	CreateMissingQueues bool
	// ActiveQueues is the set of queue descriptors computed at startup:
	// lifecycle passes the default queue plus every queue named by the CLI
	// -Q list. The -Q list adds queues; it does not remove the default one.
	ActiveQueues []QueueDescriptor
}

// New builds a Router from cfg.
func New(cfg Config) *Router {
	r := &Router{
		rules:               cfg.Rules,
		defaultRoute:        cfg.Default,
		createMissingQueues: cfg.CreateMissingQueues,
		activeQueues:        make(map[string]QueueDescriptor),
	}
	for _, q := range cfg.ActiveQueues {
		r.activeQueues[q.Name] = q
	}
	return r
}

// Resolve returns the destination for taskName: first matching rule wins;
// otherwise the default route applies. When CreateMissingQueues is set and
// the resolved queue is not already active, Resolve registers it with a
// default direct-exchange binding whose exchange/binding/routing key all
// equal the queue name.
func (r *Router) Resolve(taskName string) Route {
	route := r.defaultRoute
	for _, rule := range r.rules {
		if resolved, ok := rule.resolve(taskName); ok {
			route = *resolved
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, active := r.activeQueues[route.Queue]; !active && r.createMissingQueues {
		r.activeQueues[route.Queue] = QueueDescriptor{
			Name:         route.Queue,
			Exchange:     route.Queue,
			ExchangeType: broker.ExchangeDirect,
			BindingKey:   route.Queue,
			RoutingKey:   route.Queue,
		}
	}
	return route
}

// ActiveQueues returns the current set of registered queue descriptors,
// including any auto-created by Resolve.
func (r *Router) ActiveQueues() []QueueDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]QueueDescriptor, 0, len(r.activeQueues))
	for _, q := range r.activeQueues {
		out = append(out, q)
	}
	return out
}
