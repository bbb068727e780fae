// Package app wires the dispatcher together: storage, gateway, ledger,
// dispatch engine, change feed, webhook ingress and maintenance schedules.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/analytics"
	"notifyd/internal/config"
	"notifyd/internal/dedup"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/gateway"
	"notifyd/internal/ingress"
	"notifyd/internal/ledger"
	"notifyd/internal/metrics"
	"notifyd/internal/retention"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/storage"
	"notifyd/internal/task/engine"
	"notifyd/internal/task/scheduler"
	"notifyd/internal/trigger"
	logx "notifyd/pkg/logx"
)

const (
	scheduleOff       = "off"
	scheduleRetention = "retention"
	scheduleAnalytics = "analytics"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	gw      gateway.Gateway
	dedup   dedup.Claimer
	ledger  *ledger.Ledger
	disp    *dispatch.Engine
	metrics *metrics.Metrics

	engine  *engine.Service
	sched   *scheduler.Service
	runner  *trigger.Runner
	feed    *trigger.Feed
	ingress *ingress.Server
	stats   *analytics.Service

	now func() time.Time
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	a, err := build(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

func build(cfg *config.Config) (a *App, err error) {
	logs, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.Component("app"))
	a = &App{log: log, logs: logs, bus: eventbus.New(), metrics: metrics.New(), now: time.Now}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, log.With(logx.Component("storage")), a.bus)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	gc, err := mapGatewayConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.gw, err = gateway.Open(gc, log.With(logx.Component("gateway")))
	if err != nil {
		return nil, fmt.Errorf("open gateway: %w", err)
	}

	dc, err := mapDedupConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.dedup, err = dedup.Open(dc, a.store, log.With(logx.Component("dedup"))); err != nil {
		return nil, fmt.Errorf("open dedup: %w", err)
	}

	ds, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger.New(a.store, ledger.WithLease(ds.ClaimLease))
	a.disp = dispatch.New(dispatch.Deps{Users: a.store, Audit: a.store, Ledger: a.ledger, Gateway: a.gw, Dedup: a.dedup},
		dispatch.WithLogger(log.With(logx.Component("dispatch"))),
		dispatch.WithBatchSize(ds.BatchSize),
		dispatch.WithWriteTimeout(ds.WriteTimeout),
		dispatch.WithObserver(a.metrics.ObserveDispatch),
	)

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(ec, log.With(logx.Component("taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.Component("scheduler")))
	a.stats = analytics.New(a.store, a.sched.Location, log.With(logx.Component("analytics")))
	if err := a.registerSchedules(cfg); err != nil {
		return nil, err
	}

	router := trigger.NewRouter(
		trigger.WithRouterLogger(log.With(logx.Component("router"))),
		trigger.WithUnroutable(a.metrics.ObserveUnroutable),
	)
	a.runner = trigger.NewRunner(router, a.engine, a.disp, a.ledger,
		trigger.RunnerConfig{DispatchTimeout: ds.Timeout},
		log.With(logx.Component("runner")))

	if cfg.Feed.IsEnabled() {
		fc, err := mapFeedConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.feed = trigger.NewFeed(fc, a.store, a.runner, a.bus, log.With(logx.Component("feed")))
	}

	if cfg.Ingress.Enabled {
		ic, err := mapIngressConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.ingress = ingress.New(ic, ingress.Deps{
			Requests: a.ledger,
			Events:   a.runner,
			Health:   a.store,
			Metrics:  a.metrics.Handler(),
			Observe:  a.metrics.ObserveEvent,
		}, log.With(logx.Component("ingress")))
	}
	return a, nil
}

// registerSchedules (re)installs the maintenance jobs. A schedule set to
// "off" is removed.
func (a *App) registerSchedules(cfg *config.Config) error {
	ss, err := mapScheduleSettings(cfg)
	if err != nil {
		return err
	}
	sweeper := retention.New(a.store,
		retention.WithHorizon(ss.RetentionHorizon),
		retention.WithChangeLog(a.store),
		retention.WithLogger(a.log.With(logx.Component("retention"))),
	)
	jobs := []struct {
		name string
		spec string
		job  scheduler.Job
	}{
		{scheduleRetention, ss.RetentionSpec, a.retentionJob(sweeper)},
		{scheduleAnalytics, ss.AnalyticsSpec, a.stats.Job()},
	}
	for _, j := range jobs {
		if strings.EqualFold(j.spec, scheduleOff) {
			a.sched.Remove(j.name)
			continue
		}
		if err := a.sched.AddSchedule(j.name, j.spec, 10*time.Minute, j.job); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

func (a *App) retentionJob(s *retention.Sweeper) scheduler.Job {
	return func(ctx context.Context) error {
		res, err := s.Sweep(ctx, a.now())
		a.metrics.ObserveRetention(res.Requests, res.Audit, res.Changes)
		return err
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.Component("config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	}

	a.engine.Start(run)
	if a.sched.Enabled() {
		a.sched.Start(run)
	}

	a.sup.Go0("metrics.bus", func(c context.Context) { a.metrics.WatchBus(c, a.bus) })

	if a.feed != nil {
		a.sup.GoRestart("feed", a.feed.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}
	if a.ingress != nil {
		a.sup.GoRestart("ingress", a.ingress.Run,
			supervisor.WithPublishFirstError(true),
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}

	if a.cfgm != nil {
		a.startReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.String("gateway", a.gw.Name()),
		logx.Bool("feed", a.feed != nil),
		logx.Bool("ingress", a.ingress != nil),
		logx.Bool("scheduler", a.sched.Enabled()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Feed and ingress unwind first so no new work reaches the engine.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("supervisor", 6*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.dedup != nil {
		if err := a.dedup.Close(); err != nil {
			a.log.Warn("dedup close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
}
