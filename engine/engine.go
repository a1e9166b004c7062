// Package engine is the scheduler engine: it owns the job store, the durable
// queue, the dispatcher and the notification hub, and exposes the control
// operations that keep job records and queue registrations consistent.
//
// The job record is authoritative. Queue state is a derived index that the
// reconciler can rebuild from job records at any time.
package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/handlers"
	"github.com/teranos/cadence/job"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/notify"
	"github.com/teranos/cadence/queue"
)

// Engine wires the scheduler components together.
// Construct it once per process with New and pass it to the transports.
type Engine struct {
	jobs       *job.Store
	logs       *job.LogStore
	queue      *queue.Queue
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	builtins   *handlers.Builtins
	hub        *notify.Hub
	inbox      *notify.Inbox
	publisher  *notify.Publisher
	relay      *notify.RedisRelay
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu  sync.RWMutex
	cfg am.EngineConfig
}

type options struct {
	registry *dispatch.Registry
	now      func() time.Time
	relay    *notify.RedisRelay
}

// Option configures an Engine
type Option func(*options)

// WithRegistry replaces the built-in handlers with r
func WithRegistry(r *dispatch.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithClock replaces the wall clock used for scheduling decisions
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRelay attaches an already-constructed relay instead of dialing notify.redis_addr
func WithRelay(r *notify.RedisRelay) Option {
	return func(o *options) { o.relay = r }
}

// New builds an engine over a migrated database. When notify.redis_addr is
// set, New dials Redis and fails if it is unreachable.
func New(ctx context.Context, conn *sql.DB, cfg *am.Config, log *zap.SugaredLogger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.NewInvalidRequestError("engine requires a config")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		jobs:   job.NewStore(conn),
		logs:   job.NewLogStore(conn),
		hub:    notify.NewHub(cfg.Notify.Keepalive(), log),
		logger: log.Named("engine"),
		now:    o.now,
		cfg:    cfg.Engine,
	}

	e.queue = queue.New(conn, queue.Config{
		Workers:      cfg.Engine.Workers,
		PollInterval: cfg.Engine.PollInterval(),
	}, log, queue.WithClock(o.now))

	if cfg.Notify.Inbox {
		e.inbox = notify.NewInbox(conn)
	}
	e.publisher = notify.NewPublisher(e.hub, e.inbox, log)

	e.relay = o.relay
	if e.relay == nil && cfg.Notify.RedisAddr != "" {
		client, err := notify.DialRedis(ctx, cfg.Notify.RedisAddr)
		if err != nil {
			return nil, err
		}
		e.relay = notify.NewRedisRelay(client, cfg.Notify.RedisChannel, e.hub, log)
	}
	if e.relay != nil {
		e.publisher.WithRelay(e.relay, e.relay.Origin())
	}

	e.registry = o.registry
	if e.registry == nil {
		e.registry = dispatch.NewRegistry()
		e.builtins = handlers.RegisterBuiltins(e.registry, handlers.Deps{
			DB:     conn,
			Logs:   e.logs,
			Stats:  e.jobs,
			Config: cfg.Handlers,
			Logger: log,
			Now:    o.now,
		})
	}

	e.dispatcher = dispatch.New(e.jobs, e.logs, e.queue, e.registry, e.publisher, log, dispatch.WithClock(o.now))
	e.dispatcher.SetHandlerTimeout(cfg.Engine.HandlerTimeout())
	e.queue.SetProcessor(e.dispatcher)

	return e, nil
}

// Run reconciles, then runs the queue consumer, the hub keepalive, the
// periodic reconciler and the optional relay until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	// Tasks interrupted by a crash go back to waiting first, so the reconciler
	// can tell a live attempt from a dead one. A process without workers
	// leaves active tasks to the process that owns them.
	if e.config().Workers > 0 {
		if _, err := e.queue.RecoverActive(ctx); err != nil {
			return errors.Wrap(err, "failed to recover interrupted tasks")
		}
	}
	report, err := e.Reconcile(ctx)
	if err != nil {
		return errors.Wrap(err, "startup reconcile failed")
	}
	e.logger.Infow("Startup reconcile complete",
		"registered", report.Registered,
		"enqueued", report.Enqueued,
		"reset", report.Reset,
		"removed", report.Removed,
	)

	g, gctx := errgroup.WithContext(ctx)

	if e.config().Workers > 0 {
		if err := e.queue.Start(gctx); err != nil {
			return errors.Wrap(err, "failed to start queue consumer")
		}
		g.Go(func() error {
			<-gctx.Done()
			e.queue.Stop()
			return nil
		})
	} else {
		e.logger.Warnw("Queue consumer disabled, jobs will not execute in this process", "workers", 0)
	}

	g.Go(func() error {
		return e.hub.Run(gctx)
	})

	g.Go(func() error {
		return e.reconcileLoop(gctx)
	})

	if e.relay != nil {
		g.Go(func() error {
			defer e.relay.Close()
			return e.relay.Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) reconcileLoop(ctx context.Context) error {
	interval := e.config().ReconcileInterval()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := e.Reconcile(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Errorw("Reconcile failed", logger.FieldError, err)
				continue
			}
			if report.Changed() {
				e.logger.Infow("Reconcile corrected drift",
					"registered", report.Registered,
					"enqueued", report.Enqueued,
					"reset", report.Reset,
					"removed", report.Removed,
				)
			}
		}
	}
}

// Reconfigure applies hot-reloadable settings. It matches am.ReloadCallback.
// Worker count and poll interval need a restart.
func (e *Engine) Reconfigure(cfg *am.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	workers, poll, interval := e.cfg.Workers, e.cfg.PollIntervalMS, e.cfg.ReconcileIntervalSeconds
	e.cfg = cfg.Engine
	e.mu.Unlock()

	e.dispatcher.SetHandlerTimeout(cfg.Engine.HandlerTimeout())
	if e.builtins != nil {
		e.builtins.Reconfigure(cfg.Handlers)
	}

	if workers != cfg.Engine.Workers || poll != cfg.Engine.PollIntervalMS || interval != cfg.Engine.ReconcileIntervalSeconds {
		e.logger.Warnw("Engine loop settings changed; restart to apply",
			"workers", cfg.Engine.Workers,
			"poll_interval_ms", cfg.Engine.PollIntervalMS,
			"reconcile_interval_seconds", cfg.Engine.ReconcileIntervalSeconds,
		)
	}
	e.logger.Infow("Engine settings reloaded",
		"handler_timeout", cfg.Engine.HandlerTimeout(),
		"backoff_base", cfg.Engine.BackoffBase(),
		"default_max_retries", cfg.Engine.DefaultMaxRetries,
	)
	return nil
}

func (e *Engine) config() am.EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Hub returns the live notification hub
func (e *Engine) Hub() *notify.Hub { return e.hub }

// Inbox returns the notification inbox, or nil when notify.inbox is off
func (e *Engine) Inbox() *notify.Inbox { return e.inbox }

// Queue returns the work queue
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Registry returns the handler registry
func (e *Engine) Registry() *dispatch.Registry { return e.registry }

// Dispatcher returns the execution dispatcher
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }
