package app

import (
	"fmt"
	"strings"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/dedup"
	"notifyd/internal/gateway"
	"notifyd/internal/ingress"
	"notifyd/internal/retention"
	"notifyd/internal/storage"
	"notifyd/internal/task/engine"
	"notifyd/internal/task/scheduler"
	"notifyd/internal/trigger"
	logx "notifyd/pkg/logx"
)

const (
	defaultRetentionSpec = "0 2 * * *"
	defaultAnalyticsSpec = "30 2 * * *"
	defaultStoragePath   = "./data/notifyd.db"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: strings.ToLower(strings.TrimSpace(sc.Driver)), Path: path, BusyTimeout: busy}, nil
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	g := cfg.Gateway
	timeout, err := config.ParseDurationField("gateway.timeout", g.Timeout)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		Driver:     g.Driver,
		RatePerSec: g.RatePerSec,
		Timeout:    timeout,
		FCM:        gateway.FCMConfig{Endpoint: g.FCM.Endpoint, ServerKey: g.FCM.ServerKey},
		Telegram:   gateway.TelegramConfig{Token: g.Telegram.Token, URL: g.Telegram.APIURL},
	}, nil
}

func mapDedupConfig(cfg *config.Config) (dedup.Config, error) {
	d := cfg.Dedup
	ttl, err := config.ParseDurationField("dedup.ttl", d.TTL)
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{
		Backend: d.Backend,
		TTL:     ttl,
		Redis: dedup.RedisConfig{
			Addr:     d.Redis.Addr,
			Password: d.Redis.Password,
			DB:       d.Redis.DB,
			Prefix:   d.Redis.Prefix,
		},
	}, nil
}

type dispatchSettings struct {
	BatchSize    int
	Timeout      time.Duration
	WriteTimeout time.Duration
	ClaimLease   time.Duration
}

func mapDispatchConfig(cfg *config.Config) (dispatchSettings, error) {
	d := cfg.Dispatch
	timeout, err := config.ParseDurationOrDefault("dispatch.timeout", d.Timeout, 2*time.Minute)
	if err != nil {
		return dispatchSettings{}, err
	}
	write, err := config.ParseDurationOrDefault("dispatch.write_timeout", d.WriteTimeout, 10*time.Second)
	if err != nil {
		return dispatchSettings{}, err
	}
	lease, err := config.ParseDurationOrDefault("dispatch.claim_lease", d.ClaimLease, 10*time.Minute)
	if err != nil {
		return dispatchSettings{}, err
	}
	batch := d.BatchSize
	if batch <= 0 || batch > gateway.MaxBatch {
		batch = gateway.MaxBatch
	}
	return dispatchSettings{BatchSize: batch, Timeout: timeout, WriteTimeout: write, ClaimLease: lease}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	if cfg.Scheduler.Enabled && !te.IsEnabled() {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	workers := te.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := te.QueueSize
	if queue <= 0 {
		queue = 256
	}
	history := te.HistorySize
	if history <= 0 {
		history = 200
	}
	retry := te.RetryMax
	if retry <= 0 {
		retry = 3
	}
	return engine.Config{
		Enabled:        te.IsEnabled(),
		Workers:        workers,
		QueueSize:      queue,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    history,
		RetryMax:       retry,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

type scheduleSettings struct {
	RetentionSpec    string
	RetentionHorizon time.Duration
	AnalyticsSpec    string
}

func mapScheduleSettings(cfg *config.Config) (scheduleSettings, error) {
	s := cfg.Scheduler
	horizon, err := config.ParseDurationOrDefault("scheduler.retention_horizon", s.RetentionHorizon, retention.DefaultHorizon)
	if err != nil {
		return scheduleSettings{}, err
	}
	spec := func(raw, def string) string {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return def
		}
		return raw
	}
	return scheduleSettings{
		RetentionSpec:    spec(s.Retention, defaultRetentionSpec),
		RetentionHorizon: horizon,
		AnalyticsSpec:    spec(s.Analytics, defaultAnalyticsSpec),
	}, nil
}

func mapFeedConfig(cfg *config.Config) (trigger.FeedConfig, error) {
	f := cfg.Feed
	poll, err := config.ParseDurationField("feed.poll_interval", f.PollInterval)
	if err != nil {
		return trigger.FeedConfig{}, err
	}
	return trigger.FeedConfig{Name: strings.TrimSpace(f.Cursor), PollInterval: poll, BatchSize: f.BatchSize}, nil
}

func mapIngressConfig(cfg *config.Config) (ingress.Config, error) {
	in := cfg.Ingress
	read, err := config.ParseDurationOrDefault("ingress.read_timeout", in.ReadTimeout, 10*time.Second)
	if err != nil {
		return ingress.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ingress.write_timeout", in.WriteTimeout, 10*time.Second)
	if err != nil {
		return ingress.Config{}, err
	}
	return ingress.Config{
		Addr:         strings.TrimSpace(in.Addr),
		JWTSecret:    in.JWTSecret,
		ReadTimeout:  read,
		WriteTimeout: write,
		FeedActive:   cfg.Feed.IsEnabled(),
	}, nil
}

// validate rejects configs the app cannot map. It runs on load and before
// every hot reload is published.
func validate(cfg *config.Config) error {
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if cfg.Feed.IsEnabled() && !cfg.TaskEngine.IsEnabled() {
		return fmt.Errorf("feed.enabled requires the task engine")
	}
	if _, err := mapScheduleSettings(cfg); err != nil {
		return err
	}
	for _, spec := range []string{cfg.Scheduler.Retention, cfg.Scheduler.Analytics} {
		if spec = strings.TrimSpace(spec); spec == "" || strings.EqualFold(spec, scheduleOff) {
			continue
		}
		if err := scheduler.ValidateSchedule(spec); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	return nil
}
