package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxtask/worker/internal/registry"
)

// registerBuiltinTasks seeds the registry with a couple of illustrative
// tasks so `worker start` is runnable without an embedding application. A
// real deployment links this binary against a package that calls
// reg.Register with its own handlers before Build is invoked.
func registerBuiltinTasks(reg *registry.Registry) error {
	if err := reg.Register(registry.Entry{
		Name: "worker.add",
		Handler: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("worker.add: expected 2 args, got %d", len(args))
			}
			a, aok := toFloat(args[0])
			b, bok := toFloat(args[1])
			if !aok || !bok {
				return nil, fmt.Errorf("worker.add: arguments must be numeric")
			}
			return a + b, nil
		},
	}); err != nil {
		return err
	}

	return reg.Register(registry.Entry{
		Name:          "worker.ping",
		SoftTimeLimit: 5 * time.Second,
		HardTimeLimit: 10 * time.Second,
		Schedule:      &registry.ScheduleSpec{Every: time.Minute},
		Handler: func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return "pong", nil
		},
	})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
