// Package config centralizes every worker option into one struct built once
// at startup, with defaults sourced from Celery's conf.py _DEFAULTS table
// (original_source/lib/python/celery/conf.py) translated to this worker's
// domain. Values load from an optional YAML file and are then overridden by
// CLI flags in cmd/worker, following itskum47/FluxForge's flat top-level
// Config struct (fluxforge/agent/config.go) generalized with a file loader
// since this worker, unlike the agent, ships a multi-section configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimit is a per-task admission rate.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// RouteRule mirrors router.Rule in serializable form.
type RouteRule struct {
	Pattern      string `yaml:"pattern"`
	Queue        string `yaml:"queue"`
	Exchange     string `yaml:"exchange"`
	ExchangeType string `yaml:"exchange_type"`
	BindingKey   string `yaml:"binding_key"`
	RoutingKey   string `yaml:"routing_key"`
}

// ScheduleEntry mirrors registry.ScheduleSpec plus the task name it applies
// to, for periodic tasks configured outside of code.
//
// Every is a string, not a time.Duration: yaml.v3 decodes a bare number
// into a time.Duration as nanoseconds, so "every: 5" would silently mean 5ns
// rather than 5s. It is parsed with time.ParseDuration once, in
// lifecycle.applyBeatSchedule.
type ScheduleEntry struct {
	TaskName string `yaml:"task"`
	Every    string `yaml:"every"`
	Cron     string `yaml:"cron"`
}

// Config is the complete, resolved worker configuration.
type Config struct {
	// Broker
	BrokerURL               string        `yaml:"broker_url"`
	BrokerConnectionTimeout time.Duration `yaml:"broker_connection_timeout"`
	BrokerConnectionRetry   bool          `yaml:"broker_connection_retry"`
	BrokerConnectionMaxRetries int        `yaml:"broker_connection_max_retries"`

	// Task defaults
	TaskSerializer               string        `yaml:"task_serializer"`
	ResultSerializer             string        `yaml:"result_serializer"`
	TaskResultExpires            time.Duration `yaml:"task_result_expires"`
	IgnoreResult                 bool          `yaml:"ignore_result"`
	StoreErrorsEvenIfIgnored      bool         `yaml:"store_errors_even_if_ignored"`
	AlwaysEager                  bool          `yaml:"always_eager"`
	EagerPropagatesExceptions     bool         `yaml:"eager_propagates_exceptions"`
	AcksLate                     bool          `yaml:"acks_late"`
	TrackStarted                 bool          `yaml:"track_started"`
	// TaskTimeLimit/TaskSoftTimeLimit are the hard/soft limits applied to a
	// dispatched task when its registry.Entry does not set its own; either
	// may be overridden per task in code. 0 means no global default.
	TaskTimeLimit     time.Duration `yaml:"task_time_limit"`
	TaskSoftTimeLimit time.Duration `yaml:"task_soft_time_limit"`

	// Routing
	DefaultQueue        string      `yaml:"default_queue"`
	DefaultExchange     string      `yaml:"default_exchange"`
	DefaultExchangeType string      `yaml:"default_exchange_type"`
	DefaultRoutingKey   string      `yaml:"default_routing_key"`
	CreateMissingQueues bool        `yaml:"create_missing_queues"`
	Routes              []RouteRule `yaml:"routes"`
	Queues              []string    `yaml:"queues"` // CLI -Q; consumed in addition to DefaultQueue, which is always consumed

	// Rate limiting
	DisableRateLimits bool                 `yaml:"disable_rate_limits"`
	DefaultRateLimit  *RateLimit           `yaml:"default_rate_limit"`
	RateLimits        map[string]RateLimit `yaml:"rate_limits"`

	// Worker pool
	Concurrency      int `yaml:"concurrency"` // 0 -> runtime.NumCPU
	PrefetchMultiplier int `yaml:"prefetch_multiplier"`
	MaxTasksPerChild int `yaml:"max_tasks_per_child"`
	PoolPutLocks     bool `yaml:"pool_put_locks"`

	// ETA scheduler
	ETASchedulerPrecision time.Duration `yaml:"eta_scheduler_precision"`

	// Events / monitoring
	SendEvents    bool   `yaml:"send_events"`
	EventExchange string `yaml:"event_exchange"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "console" or "json"
	LogFile   string `yaml:"log_file"`   // "" -> stderr

	// Persistent state. StateDB and BeatScheduleFilename each back a
	// separate bbolt file (a ".db" suffix is appended to whichever name is
	// configured): StateDB is opened with an empty worker_state bucket that
	// nothing writes to (revoked task ids are kept in memory only),
	// BeatScheduleFilename holds Beat's own schedule bookkeeping.
	// "" disables StateDB; BeatScheduleFilename has a
	// non-empty default so Beat persistence is on unless explicitly cleared.
	StateDB string `yaml:"state_db"` // "" -> disabled

	// Beat
	BeatSchedule         []ScheduleEntry `yaml:"beat_schedule"`
	BeatScheduleFilename string          `yaml:"beat_schedule_filename"`
	BeatMaxLoopInterval  time.Duration   `yaml:"beat_max_loop_interval"`
	// BeatEnabled overrides whether the embedded Beat scheduler runs.
	// nil (the default) means "enable automatically if any task carries a
	// schedule"; a non-nil value always wins, so an operator can force beat
	// off (or on) regardless of what's registered. Set via --beat.
	BeatEnabled *bool `yaml:"beat"`

	Hostname string `yaml:"hostname"`
}

// Defaults returns the baseline configuration, translated from Celery's
// _DEFAULTS table.
func Defaults() Config {
	return Config{
		BrokerConnectionTimeout:    4 * time.Second,
		BrokerConnectionRetry:      true,
		BrokerConnectionMaxRetries: 100,

		TaskSerializer:            "json",
		ResultSerializer:          "json",
		TaskResultExpires:         24 * time.Hour,
		IgnoreResult:              false,
		StoreErrorsEvenIfIgnored:  false,
		AlwaysEager:               false,
		EagerPropagatesExceptions: false,
		AcksLate:                  false,
		TrackStarted:              false,

		DefaultQueue:        "celery",
		DefaultExchange:     "celery",
		DefaultExchangeType: "direct",
		DefaultRoutingKey:   "celery",
		CreateMissingQueues: true,

		DisableRateLimits: false,

		Concurrency:        0,
		PrefetchMultiplier: 4,
		MaxTasksPerChild:   0,
		PoolPutLocks:       true,

		ETASchedulerPrecision: time.Second,

		SendEvents:    false,
		EventExchange: "worker_event",

		LogLevel:  "warn",
		LogFormat: "console",

		BeatScheduleFilename: "worker-beat-schedule",
		BeatMaxLoopInterval:  5 * time.Minute,
	}
}

// Load reads path (if non-empty) as YAML over the defaults. A missing path
// is not an error: workers may run entirely off code-registered defaults
// and CLI flags.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that can't be expressed as zero-value defaults.
func (c Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("config: concurrency must be >= 0, got %d", c.Concurrency)
	}
	if c.PrefetchMultiplier < 0 {
		return fmt.Errorf("config: prefetch_multiplier must be >= 0, got %d", c.PrefetchMultiplier)
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("config: broker_url is required")
	}
	return nil
}

// Prefetch computes the listener's prefetch window: concurrency * multiplier,
// with a floor of 1 so a zero multiplier still admits progress.
func (c Config) Prefetch(resolvedConcurrency int) int {
	n := resolvedConcurrency * c.PrefetchMultiplier
	if n <= 0 {
		return 1
	}
	return n
}
