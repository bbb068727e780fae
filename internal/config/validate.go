package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxBatch mirrors the gateway cap.
const maxBatch = 500

// Validate checks enumerations and duration fields. It reports every problem
// at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Driver)) {
	case "", "log":
	case "fcm":
		if strings.TrimSpace(cfg.Gateway.FCM.ServerKey) == "" {
			errs = append(errs, fmt.Errorf("gateway.fcm.server_key: required (or set %s)", EnvFCMServerKey))
		}
	case "telegram":
		if strings.TrimSpace(cfg.Gateway.Telegram.Token) == "" {
			errs = append(errs, fmt.Errorf("gateway.telegram.token: required (or set %s)", EnvTelegramToken))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.driver: unsupported %q", cfg.Gateway.Driver))
	}
	if cfg.Gateway.RatePerSec < 0 {
		errs = append(errs, errors.New("gateway.rate_per_sec: must be >= 0"))
	}
	dur("gateway.timeout", cfg.Gateway.Timeout)

	if cfg.Dispatch.BatchSize < 0 || cfg.Dispatch.BatchSize > maxBatch {
		errs = append(errs, fmt.Errorf("dispatch.batch_size: must be between 0 and %d", maxBatch))
	}
	dur("dispatch.timeout", cfg.Dispatch.Timeout)
	dur("dispatch.write_timeout", cfg.Dispatch.WriteTimeout)
	dur("dispatch.claim_lease", cfg.Dispatch.ClaimLease)

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		errs = append(errs, errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
	}
	dur("task_engine.default_timeout", te.DefaultTimeout)
	dur("task_engine.max_queue_delay", te.MaxQueueDelay)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.retention_horizon", cfg.Scheduler.RetentionHorizon)

	dur("feed.poll_interval", cfg.Feed.PollInterval)
	if cfg.Feed.BatchSize < 0 {
		errs = append(errs, errors.New("feed.batch_size: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Dedup.Backend)) {
	case "", "sqlite", "off":
	case "redis":
		if strings.TrimSpace(cfg.Dedup.Redis.Addr) == "" {
			errs = append(errs, fmt.Errorf("dedup.redis.addr: required (or set %s)", EnvRedisAddr))
		}
	default:
		errs = append(errs, fmt.Errorf("dedup.backend: unsupported %q", cfg.Dedup.Backend))
	}
	dur("dedup.ttl", cfg.Dedup.TTL)

	if cfg.Ingress.Enabled && strings.TrimSpace(cfg.Ingress.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("ingress.jwt_secret: required when ingress is enabled (or set %s)", EnvJWTSecret))
	}
	dur("ingress.read_timeout", cfg.Ingress.ReadTimeout)
	dur("ingress.write_timeout", cfg.Ingress.WriteTimeout)

	return errors.Join(errs...)
}
