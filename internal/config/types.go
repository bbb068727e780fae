package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("500ms", "10s", "720h"); empty means the component default.
//
// Secrets (FCM server key, telegram token, JWT secret, redis password) may
// be left out of the file and supplied through the environment instead; see
// ApplyEnv.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Gateway    GatewayConfig    `json:"gateway"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Feed       FeedConfig       `json:"feed"`
	Dedup      DedupConfig      `json:"dedup"`
	Ingress    IngressConfig    `json:"ingress"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the document store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// GatewayConfig selects the push delivery driver: "fcm", "telegram" or
// "log" (dry run).
type GatewayConfig struct {
	Driver     string                `json:"driver"`
	RatePerSec int                   `json:"rate_per_sec,omitempty"`
	Timeout    string                `json:"timeout,omitempty"`
	FCM        FCMGatewayConfig      `json:"fcm"`
	Telegram   TelegramGatewayConfig `json:"telegram"`
}

type FCMGatewayConfig struct {
	Endpoint  string `json:"endpoint,omitempty"`
	ServerKey string `json:"server_key,omitempty"` // do not log
}

type TelegramGatewayConfig struct {
	APIURL string `json:"api_url,omitempty"`
	Token  string `json:"token,omitempty"` // do not log
}

// DispatchConfig tunes the dispatch engine.
//
// Defaults:
//   - batch_size: 500 (the gateway cap; larger values are rejected)
//   - timeout: "2m" per dispatch task
//   - write_timeout: "10s" for terminal ledger and audit writes
//   - claim_lease: "10m"
type DispatchConfig struct {
	BatchSize    int    `json:"batch_size,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	ClaimLease   string `json:"claim_lease,omitempty"`
}

// TaskEngineConfig controls the worker pool every invocation runs on.
//
// Enabled is a pointer so an omitted key defaults to true while an explicit
// false still disables the engine.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops tasks that waited longer than this; "0s" disables.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
}

// SchedulerConfig controls the maintenance schedules. Schedules accept cron
// specs, "@every 6h", plain durations or HH:MM intervals.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // default "Africa/Accra"

	Retention        string `json:"retention,omitempty"`         // default "0 2 * * *"
	RetentionHorizon string `json:"retention_horizon,omitempty"` // default "720h"
	Analytics        string `json:"analytics,omitempty"`         // default "30 2 * * *"
}

// FeedConfig controls the change-log consumer.
type FeedConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Cursor       string `json:"cursor,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

// DedupConfig selects where order-event dedup keys live: "sqlite"
// (default), "redis" or "off".
type DedupConfig struct {
	Backend string      `json:"backend,omitempty"`
	TTL     string      `json:"ttl,omitempty"`
	Redis   RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// IngressConfig controls the HTTP surface (webhook + ops endpoints).
//
// Security note: every route except /healthz and /metrics requires an HS256
// bearer token signed with jwt_secret.
type IngressConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`       // default "127.0.0.1:8080"
	JWTSecret    string `json:"jwt_secret,omitempty"` // do not log
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// IsEnabled reports the effective task engine flag.
func (c TaskEngineConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// IsEnabled reports the effective feed flag.
func (c FeedConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }
