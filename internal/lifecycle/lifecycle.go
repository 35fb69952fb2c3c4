// Package lifecycle composes every component into a running worker process:
// registry → pool → ETA queue → rate limits → ready queue → mediator →
// event dispatcher → listener(s) → optional beat, in that dependency order,
// plus startup banner, signal-driven shutdown, and connection teardown.
//
// Signal handling keeps logic out of the handler itself: os/signal.Notify
// is wired in cmd/worker, which only forwards raw os.Signal values onto a
// channel; all of the actual warm/cold shutdown decision-making happens
// here, in Run, on an ordinary goroutine selecting on that channel.
// Grounded on FluxForge fluxforge/agent/main.go's cancel-on-signal shape,
// extended with the two-tier warm/cold distinction and a startup banner.
package lifecycle

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxtask/worker/internal/beat"
	"github.com/fluxtask/worker/internal/broker"
	"github.com/fluxtask/worker/internal/broker/memorybroker"
	"github.com/fluxtask/worker/internal/broker/redisbroker"
	"github.com/fluxtask/worker/internal/codec"
	"github.com/fluxtask/worker/internal/config"
	"github.com/fluxtask/worker/internal/etaqueue"
	"github.com/fluxtask/worker/internal/events"
	"github.com/fluxtask/worker/internal/listener"
	"github.com/fluxtask/worker/internal/logging"
	"github.com/fluxtask/worker/internal/mediator"
	"github.com/fluxtask/worker/internal/pool"
	"github.com/fluxtask/worker/internal/ratelimit"
	"github.com/fluxtask/worker/internal/readyqueue"
	"github.com/fluxtask/worker/internal/registry"
	"github.com/fluxtask/worker/internal/router"
	"github.com/fluxtask/worker/internal/statedb"
)

// Controller owns every long-lived component of a running worker.
type Controller struct {
	cfg      config.Config
	reg      *registry.Registry
	router   *router.Router
	br       broker.Broker
	codec    codec.Codec
	rates    *ratelimit.Buckets
	eta      *etaqueue.Queue
	ready    *readyqueue.Queue
	pool     *pool.Pool
	events   *events.Dispatcher
	listener *listener.Listener
	mediator *mediator.Mediator
	beat     *beat.Beat
	stateDB  *statedb.DB
	beatDB   *statedb.DB

	concurrency int
	hostname    string
	log         zerolog.Logger

	shutdownOnce sync.Once
}

// Build wires every component from cfg and reg, connects the broker, and
// declares the active queue topology. It does not start consuming yet; call
// Run for that.
func Build(cfg config.Config, reg *registry.Registry) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logging.WithComponent("lifecycle")

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	hostname := cfg.Hostname
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		} else {
			hostname = h
		}
	}

	br, err := buildBroker(cfg)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := br.Connect(ctx); err != nil {
		return nil, fmt.Errorf("lifecycle: broker connect: %w", err)
	}

	rt := buildRouter(cfg)

	msgCodec, err := codec.ByName(codec.Name(cfg.TaskSerializer))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}

	if err := declareTopology(ctx, br, rt, cfg); err != nil {
		return nil, err
	}

	var stateDB *statedb.DB
	if cfg.StateDB != "" {
		stateDB, err = statedb.Open(statedb.WithSuffix(cfg.StateDB), statedb.WorkerStateBucket)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: open state db: %w", err)
		}
	}

	var beatDB *statedb.DB
	if cfg.BeatScheduleFilename != "" {
		beatDB, err = statedb.Open(statedb.WithSuffix(cfg.BeatScheduleFilename), beat.Bucket)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: open beat schedule db: %w", err)
		}
	}

	p := pool.New(pool.Config{
		Concurrency:      concurrency,
		MaxTasksPerChild: cfg.MaxTasksPerChild,
		PoolPutLocks:     cfg.PoolPutLocks,
	})

	eta := etaqueue.New(cfg.ETASchedulerPrecision)
	rates := buildRateLimits(cfg, reg)
	ready := readyqueue.New(cfg.Prefetch(concurrency))
	med := mediator.New(ready, rates, eta, logging.WithComponent("mediator"))
	disp := events.New(cfg.SendEvents, br, cfg.EventExchange, hostname, log)

	l := listener.New(listener.Config{
		Registry:             reg,
		Ready:                ready,
		ETA:                  eta,
		Events:               disp,
		Pool:                 p,
		DefaultCodec:         codec.Name(cfg.TaskSerializer),
		AcksLate:             cfg.AcksLate,
		DefaultHardTimeLimit: cfg.TaskTimeLimit,
		DefaultSoftTimeLimit: cfg.TaskSoftTimeLimit,
		Log:                  logging.WithComponent("listener"),
	})
	p.SetOnResult(l.HandleResult)

	applyBeatSchedule(cfg, reg, log)

	beatEnabled := len(reg.Periodic()) > 0
	if cfg.BeatEnabled != nil {
		beatEnabled = *cfg.BeatEnabled
	}
	var bt *beat.Beat
	if beatEnabled {
		bt = beat.New(beat.Config{
			Registry:        reg,
			Router:          rt,
			Broker:          br,
			Codec:           msgCodec,
			DB:              beatDB,
			Events:          disp,
			MaxLoopInterval: cfg.BeatMaxLoopInterval,
			Log:             logging.WithComponent("beat"),
		})
	}

	return &Controller{
		cfg: cfg, reg: reg, router: rt, br: br, codec: msgCodec,
		rates: rates, eta: eta, ready: ready, pool: p, events: disp,
		listener: l, mediator: med, beat: bt, stateDB: stateDB, beatDB: beatDB,
		concurrency: concurrency, hostname: hostname, log: log,
	}, nil
}

func buildBroker(cfg config.Config) (broker.Broker, error) {
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: invalid broker_url %q: %w", cfg.BrokerURL, err)
	}
	switch u.Scheme {
	case "memory":
		return memorybroker.New(), nil
	case "redis", "rediss":
		db := 0
		if path := strings.TrimPrefix(u.Path, "/"); path != "" {
			if n, err := strconv.Atoi(path); err == nil {
				db = n
			}
		}
		password, _ := u.User.Password()
		return redisbroker.New(redisbroker.Options{
			Addr:       u.Host,
			Password:   password,
			DB:         db,
			MaxRetries: cfg.BrokerConnectionMaxRetries,
		}), nil
	default:
		return nil, fmt.Errorf("lifecycle: unsupported broker scheme %q", u.Scheme)
	}
}

func buildRouter(cfg config.Config) *router.Router {
	rules := make([]router.Rule, 0, len(cfg.Routes))
	for _, rr := range cfg.Routes {
		rules = append(rules, router.Rule{
			Pattern: rr.Pattern,
			Route: router.Route{
				Queue:        rr.Queue,
				Exchange:     rr.Exchange,
				ExchangeType: broker.ExchangeKind(rr.ExchangeType),
				BindingKey:   rr.BindingKey,
				RoutingKey:   rr.RoutingKey,
			},
		})
	}

	active := make([]router.QueueDescriptor, 0, len(cfg.Queues)+1)
	active = append(active, router.QueueDescriptor{
		Name:         cfg.DefaultQueue,
		Exchange:     cfg.DefaultExchange,
		ExchangeType: broker.ExchangeKind(cfg.DefaultExchangeType),
		BindingKey:   cfg.DefaultRoutingKey,
		RoutingKey:   cfg.DefaultRoutingKey,
	})
	for _, q := range cfg.Queues {
		if q == cfg.DefaultQueue {
			continue
		}
		active = append(active, router.QueueDescriptor{Name: q, Exchange: q, ExchangeType: broker.ExchangeDirect, BindingKey: q, RoutingKey: q})
	}

	return router.New(router.Config{
		Rules:               rules,
		Default:             router.Route{Queue: cfg.DefaultQueue, Exchange: cfg.DefaultExchange, ExchangeType: broker.ExchangeKind(cfg.DefaultExchangeType), BindingKey: cfg.DefaultRoutingKey, RoutingKey: cfg.DefaultRoutingKey},
		CreateMissingQueues: cfg.CreateMissingQueues,
		ActiveQueues:        active,
	})
}

func declareTopology(ctx context.Context, br broker.Broker, rt *router.Router, cfg config.Config) error {
	for _, q := range rt.ActiveQueues() {
		if err := br.DeclareExchange(ctx, q.Exchange, q.ExchangeType); err != nil {
			return fmt.Errorf("lifecycle: declare exchange %q: %w", q.Exchange, err)
		}
		if err := br.DeclareQueue(ctx, q.Name); err != nil {
			return fmt.Errorf("lifecycle: declare queue %q: %w", q.Name, err)
		}
		if err := br.Bind(ctx, q.Name, q.Exchange, q.BindingKey); err != nil {
			return fmt.Errorf("lifecycle: bind queue %q: %w", q.Name, err)
		}
	}
	if cfg.SendEvents {
		if err := br.DeclareExchange(ctx, cfg.EventExchange, broker.ExchangeFanout); err != nil {
			return fmt.Errorf("lifecycle: declare event exchange: %w", err)
		}
	}
	return nil
}

func buildRateLimits(cfg config.Config, reg *registry.Registry) *ratelimit.Buckets {
	var opts []ratelimit.Option
	opts = append(opts, ratelimit.WithDisabled(cfg.DisableRateLimits))
	if cfg.DefaultRateLimit != nil {
		opts = append(opts, ratelimit.WithDefault(cfg.DefaultRateLimit.PerSecond, cfg.DefaultRateLimit.Burst))
	}
	rates := ratelimit.New(opts...)

	for name, rl := range cfg.RateLimits {
		rates.Configure(name, rl.PerSecond, rl.Burst)
	}
	for _, entry := range reg.All() {
		if entry.RateLimit != nil {
			rates.Configure(entry.Name, entry.RateLimit.PerSecond, entry.RateLimit.Burst)
		}
	}
	return rates
}

// applyBeatSchedule merges config-declared schedule entries into the
// registry, for tasks registered in code without a compile-time schedule.
func applyBeatSchedule(cfg config.Config, reg *registry.Registry, log zerolog.Logger) {
	for _, se := range cfg.BeatSchedule {
		entry, ok := reg.Lookup(se.TaskName)
		if !ok {
			log.Warn().Str("task_name", se.TaskName).Msg("beat_schedule references an unregistered task, skipping")
			continue
		}

		var every time.Duration
		if se.Every != "" {
			d, err := time.ParseDuration(se.Every)
			if err != nil {
				log.Warn().Err(err).Str("task_name", se.TaskName).Str("every", se.Every).Msg("beat_schedule entry has an invalid every duration, skipping")
				continue
			}
			every = d
		}

		entry.Schedule = &registry.ScheduleSpec{Every: every, Cron: se.Cron}
		if err := reg.Register(entry); err != nil {
			log.Warn().Err(err).Str("task_name", se.TaskName).Msg("failed to apply beat schedule override")
		}
	}
}

// banner renders the startup information block, modeled on Celery's
// STARTUP_INFO_FMT (original_source/lib/python/celery/bin/celeryd.py).
func (c *Controller) banner() string {
	var queues strings.Builder
	for _, q := range c.router.ActiveQueues() {
		fmt.Fprintf(&queues, "        %s -> exchange:%s(%s) binding:%s\n", q.Name, q.Exchange, q.ExchangeType, q.BindingKey)
	}

	var tasks strings.Builder
	for _, name := range c.reg.Names() {
		fmt.Fprintf(&tasks, "    . %s\n", name)
	}

	eventsStatus := "OFF"
	if c.cfg.SendEvents {
		eventsStatus = "ON"
	}
	beatStatus := "OFF"
	if c.beat != nil {
		beatStatus = "ON"
	}
	logfile := "[stderr]"
	if c.cfg.LogFile != "" {
		logfile = c.cfg.LogFile
	}

	return fmt.Sprintf(`Configuration ->
    . broker -> %s
    . queues ->
%s    . concurrency -> %d
    . loader -> static
    . logfile -> %s@%s
    . events -> %s
    . beat -> %s
. tasks ->
%s`, c.cfg.BrokerURL, queues.String(), c.concurrency, logfile, c.cfg.LogLevel, eventsStatus, beatStatus, tasks.String())
}

// Run starts every consumer/background loop and blocks until sig delivers a
// shutdown request or ctx is cancelled. sig is expected to be fed by
// os/signal.Notify in the caller; this function contains all of the actual
// shutdown logic, keeping the signal handler itself free of decision-making.
func (c *Controller) Run(ctx context.Context, sig <-chan os.Signal) error {
	fmt.Println(c.banner())
	c.log.Info().Str("hostname", c.hostname).Msg("worker ready")
	c.events.Publish(ctx, events.WorkerOnline, "", "", nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, q := range c.router.ActiveQueues() {
		deliveries, err := c.br.Consume(runCtx, q.Name, c.cfg.Prefetch(c.concurrency))
		if err != nil {
			cancel()
			return fmt.Errorf("lifecycle: consume %q: %w", q.Name, err)
		}
		wg.Add(1)
		go func(deliveries <-chan broker.Delivery) {
			defer wg.Done()
			c.listener.Consume(runCtx, deliveries)
		}(deliveries)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.mediator.Run(runCtx)
	}()

	if c.beat != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.beat.Run(runCtx)
		}()
	}

	sawFirstInterrupt := false
	var drained chan struct{} // closed once a warm shutdown has finished draining
	for {
		select {
		case <-ctx.Done():
			cancel()
			c.teardown()
			return nil

		case <-drained:
			c.teardown()
			return nil

		case s := <-sig:
			switch s {
			case syscall.SIGHUP:
				c.log.Warn().Msg("SIGHUP received; restart-on-SIGHUP is downgraded to a no-op on this runtime, ignoring")

			case syscall.SIGINT:
				if sawFirstInterrupt {
					c.log.Warn().Msg("second SIGINT received, cold shutdown")
					cancel()
					c.teardown()
					return nil
				}
				sawFirstInterrupt = true
				c.log.Info().Msg("SIGINT received, warm shutdown (press again to force)")

			case syscall.SIGTERM:
				c.log.Info().Msg("SIGTERM received, warm shutdown")
			}
			if (s == syscall.SIGINT || s == syscall.SIGTERM) && drained == nil {
				drained = make(chan struct{})
				go func(done chan struct{}) { c.warmShutdown(runCtx, cancel, &wg); close(done) }(drained)
			}
		}
	}
}

// warmShutdown stops admitting new work and waits for in-flight tasks to
// finish before returning.
func (c *Controller) warmShutdown(runCtx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	c.ready.Close()
	c.pool.Wait()
	cancel()
	wg.Wait()
}

func (c *Controller) teardown() {
	c.shutdownOnce.Do(func() {
		c.eta.Stop()
		c.events.Publish(context.Background(), events.WorkerOffline, "", "", nil)
		if err := c.br.Close(); err != nil {
			c.log.Warn().Err(err).Msg("error closing broker")
		}
		if c.stateDB != nil {
			if err := c.stateDB.Close(); err != nil {
				c.log.Warn().Err(err).Msg("error closing state db")
			}
		}
		if c.beatDB != nil {
			if err := c.beatDB.Close(); err != nil {
				c.log.Warn().Err(err).Msg("error closing beat schedule db")
			}
		}
	})
}

// Purge discards every message currently queued on every active queue.
// Backing the `worker purge` CLI subcommand (original_source's
// `--purge`/`--discard`).
func (c *Controller) Purge(ctx context.Context) (int, error) {
	total := 0
	for _, q := range c.router.ActiveQueues() {
		n, err := c.br.Purge(ctx, q.Name)
		if err != nil {
			return total, fmt.Errorf("lifecycle: purge %q: %w", q.Name, err)
		}
		total += n
	}
	return total, nil
}

// Close releases broker/db resources without running the full shutdown
// sequence; used by CLI subcommands (e.g. purge) that never call Run.
func (c *Controller) Close() {
	c.teardown()
}
