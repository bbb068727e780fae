package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"notifyd/internal/config"
	logx "notifyd/pkg/logx"
)

// restartOnly lists sections whose changes need a process restart.
var restartOnly = []string{"storage", "gateway", "dispatch", "feed", "dedup", "ingress"}

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = latest(sub, next)
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
}

// latest drains bursts and keeps only the newest config.
func latest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig applies the live-reloadable sections: logging, task engine
// and scheduler. Other sections are reported as needing a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if ec, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.engine.Enabled()
		a.engine.Apply(ctx, ec)
		switch {
		case prevEnabled && !ec.Enabled:
			a.log.Info("task engine disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.engine.Stop(stopCtx)
			cancel()
		case !prevEnabled && ec.Enabled:
			a.log.Info("task engine enabled via config")
			a.engine.Start(ctx)
		}
	}

	prevSched := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	if err := a.registerSchedules(next); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	}
	switch {
	case prevSched && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
