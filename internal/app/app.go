// Package app wires otto's components into one process and owns their
// start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"otto/internal/api"
	"otto/internal/config"
	"otto/internal/eventbus"
	"otto/internal/observability/metrics"
	"otto/internal/outbound"
	"otto/internal/runtime/supervisor"
	"otto/internal/storage"
	"otto/internal/task/scheduler"
	kit "otto/internal/transport"
	"otto/internal/transport/telegram"
	logx "otto/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	metrics *metrics.Metrics
	adapter kit.Adapter // nil without a bot token

	queue     *outbound.Queue
	deliverer *outbound.Deliverer
	sched     *scheduler.Service
	api       *api.Server
}

// New resolves config, opens the store (running migrations) and builds every
// component. Nothing runs until Start.
func New(ctx context.Context, cfgm *config.Manager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Chat logging is attached once the adapter exists.
	logs, log := logx.New(logConfig(cfg.Logging), nil)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, cfg: cfg, log: log, logs: logs}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}

	a.store, err = storage.Open(ctx, storage.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}

	a.bus = eventbus.New()
	a.metrics = metrics.New(a.bus, log.With(logx.String("comp", "metrics")))

	if cfg.Telegram.Token != "" {
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(err)
		}
		a.adapter = ad
		logs.SetSender(ad)
	}

	a.queue = outbound.NewQueue(a.store, outbound.Config{
		ChunkLimit:    cfg.Outbound.ChunkLimit,
		DefaultChatID: cfg.Outbound.DefaultChatID,
	}, log.With(logx.String("comp", "outbound")), a.bus)

	switch {
	case !cfg.Delivery.Enabled:
		log.Info("delivery disabled; messages stay queued")
	case a.adapter == nil:
		log.Warn("no chat transport configured; messages stay queued",
			logx.String("key", config.Prefix+config.KeyTelegramToken))
	default:
		a.deliverer = outbound.NewDeliverer(a.store, a.adapter, deliveryConfig(cfg.Delivery),
			log.With(logx.String("comp", "delivery")), a.bus)
	}

	a.sched, err = scheduler.New(scheduler.ConfigFrom(cfg.Scheduler), a.store,
		log.With(logx.String("comp", "scheduler")), a.bus)
	if err != nil {
		return fail(err)
	}
	if err := a.sched.Register(scheduler.TypeSendMessage, scheduler.SendMessageAction(a.queue)); err != nil {
		return fail(err)
	}

	if cfg.HTTP.Addr != "" {
		router := api.NewRouter(api.Deps{
			Store:    a.store,
			Queue:    a.queue,
			Location: a.sched.Location(),
			Metrics:  a.metrics.Handler(),
			Status:   a.status,
			Log:      log.With(logx.String("comp", "api")),
		})
		a.api = api.NewServer(api.ServerConfig{Addr: cfg.HTTP.Addr}, router,
			log.With(logx.String("comp", "api")))
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// APIAddr returns the bound control API address, or "" when it is disabled
// or not listening within wait.
func (a *App) APIAddr(wait time.Duration) string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr(wait)
}

func (a *App) Store() *storage.Store { return a.store }

func (a *App) Queue() *outbound.Queue { return a.queue }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
		supervisor.WithPanicHook(a.metrics.PanicHook),
	)
	c := a.sup.Context()
	cfg := a.cfg

	a.sup.Go("metrics.events", func(ctx context.Context) error {
		return a.metrics.Run(ctx, a.bus)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(c); err != nil {
			return fmt.Errorf("start telegram: %w", err)
		}
	}
	if a.deliverer != nil {
		a.sup.GoRestart("outbound.deliver", a.deliverer.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	a.sched.Start(c)
	if a.api != nil {
		if err := a.api.Start(c); err != nil {
			return err
		}
	}

	a.sup.Go("eventbus.log", func(ctx context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if e.Type == eventbus.TypeOutboundEnqueued && a.deliverer != nil {
					a.deliverer.Wake()
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(next)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("owner", a.sched.Owner()),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
		logx.Bool("delivery", a.deliverer != nil),
		logx.String("http", cfg.HTTP.Addr),
	)
	return nil
}

// applyConfig applies the sections that can change live and flags the rest.
// It runs only on the config.reload goroutine.
func (a *App) applyConfig(next *config.Config) {
	prev := a.cfg
	a.cfg = next

	a.logs.Apply(logConfig(next.Logging))
	if a.deliverer != nil {
		a.deliverer.Apply(deliveryConfig(next.Delivery))
	}

	var restart []string
	if prev.Scheduler != next.Scheduler {
		restart = append(restart, "scheduler")
	}
	if prev.Store != next.Store {
		restart = append(restart, "store")
	}
	if prev.Outbound != next.Outbound {
		restart = append(restart, "outbound")
	}
	if prev.Telegram != next.Telegram || prev.Delivery.Enabled != next.Delivery.Enabled {
		restart = append(restart, "transport")
	}
	if prev.HTTP != next.HTTP {
		restart = append(restart, "http")
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.Any("sections", restart))
	}
}

// status feeds /healthz.
func (a *App) status() map[string]any {
	out := map[string]any{
		"scheduler": map[string]any{
			"enabled": a.sched.Config().Enabled,
			"owner":   a.sched.Owner(),
			"phase":   a.sched.Phase(),
			"last":    a.sched.LastReport(),
		},
		"delivery":      a.deliverer != nil,
		"droppedEvents": eventbus.Dropped(a.bus),
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var (
		errMu sync.Mutex
		errs  []error
	)
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, limit, func(c context.Context) error {
			err := fn(c)
			if err != nil && !errors.Is(err, context.Canceled) {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				errMu.Unlock()
			}
			return err
		})
	}

	// Intake first, then the loops that write to the store, then the store.
	step("api", 3*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Stop(c)
		}
		return nil
	})
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	errMu.Lock()
	defer errMu.Unlock()
	return errors.Join(errs...)
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File != "",
			Path:    c.File,
		},
		Chat: logx.ChatConfig{
			Enabled:  c.ChatID != 0,
			ChatID:   c.ChatID,
			MinLevel: c.ChatMinLevel,
		},
	}
}

func deliveryConfig(c config.DeliveryConfig) outbound.DeliveryConfig {
	return outbound.DeliveryConfig{
		Poll:       c.Poll,
		BatchSize:  c.BatchSize,
		RatePerSec: c.RatePerSec,
		RetryMax:   c.RetryMax,
	}
}
