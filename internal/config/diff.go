package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging. Secrets are reported only as "_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 9)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		g := newCfg.Gateway
		attrs = append(attrs,
			logx.String("gateway.driver", strings.TrimSpace(g.Driver)),
			logx.Int("gateway.rate_per_sec", g.RatePerSec),
			logx.String("gateway.timeout", strings.TrimSpace(g.Timeout)),
			logx.Bool("gateway.fcm.server_key_set", strings.TrimSpace(g.FCM.ServerKey) != ""),
			logx.Bool("gateway.telegram.token_set", strings.TrimSpace(g.Telegram.Token) != ""),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.String("dispatch.timeout", strings.TrimSpace(newCfg.Dispatch.Timeout)),
			logx.String("dispatch.claim_lease", strings.TrimSpace(newCfg.Dispatch.ClaimLease)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		te := newCfg.TaskEngine
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", te.IsEnabled()),
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(te.DefaultTimeout)),
			logx.String("task_engine.max_queue_delay", strings.TrimSpace(te.MaxQueueDelay)),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("scheduler.retention", strings.TrimSpace(s.Retention)),
			logx.String("scheduler.analytics", strings.TrimSpace(s.Analytics)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.Bool("feed.enabled", newCfg.Feed.IsEnabled()),
			logx.String("feed.poll_interval", strings.TrimSpace(newCfg.Feed.PollInterval)),
			logx.Int("feed.batch_size", newCfg.Feed.BatchSize),
		)
	}

	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.backend", strings.TrimSpace(newCfg.Dedup.Backend)),
			logx.String("dedup.ttl", strings.TrimSpace(newCfg.Dedup.TTL)),
			logx.Bool("dedup.redis.addr_set", strings.TrimSpace(newCfg.Dedup.Redis.Addr) != ""),
		)
	}

	if oldCfg.Ingress != newCfg.Ingress {
		changed = append(changed, "ingress")
		attrs = append(attrs,
			logx.Bool("ingress.enabled", newCfg.Ingress.Enabled),
			logx.String("ingress.addr", strings.TrimSpace(newCfg.Ingress.Addr)),
			logx.Bool("ingress.jwt_secret_set", strings.TrimSpace(newCfg.Ingress.JWTSecret) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
