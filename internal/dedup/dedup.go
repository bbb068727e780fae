// Package dedup suppresses redelivered trigger events.
//
// Claim records a key for a TTL and reports whether the caller is the first
// one to see it. Keys are built from stable event identities, so a
// redelivery of the same change maps to the same key.
package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "notifyd/pkg/logx"
)

type Claimer interface {
	Claim(ctx context.Context, key string) (bool, error)
	Close() error
}

type Config struct {
	Backend string // "sqlite" (default) | "redis" | "off"
	TTL     time.Duration
	Redis   RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store is the document-store method the SQLite backend uses.
type Store interface {
	ClaimDedup(ctx context.Context, key string, now, until time.Time) (bool, error)
}

func Open(cfg Config, store Store, log logx.Logger) (Claimer, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sqlite":
		if store == nil {
			return nil, errors.New("dedup: sqlite backend needs a store")
		}
		return NewSQLite(store, ttl), nil
	case "redis":
		return NewRedis(cfg.Redis, ttl, log)
	case "off", "none":
		return Off{}, nil
	default:
		return nil, errors.New("unknown dedup backend: " + cfg.Backend)
	}
}

// SQLite keeps keys in the store's dedup table.
type SQLite struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewSQLite(store Store, ttl time.Duration) *SQLite {
	return &SQLite{store: store, ttl: ttl, now: time.Now}
}

func (s *SQLite) Claim(ctx context.Context, key string) (bool, error) {
	now := s.now()
	return s.store.ClaimDedup(ctx, key, now, now.Add(s.ttl))
}

func (s *SQLite) Close() error { return nil }

// Redis keeps keys with SET NX and a TTL, so several dispatcher processes
// can share one dedup space.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(cfg RedisConfig, ttl time.Duration, log logx.Logger) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("dedup: redis addr is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Not fatal: the first Claim reports the error and the caller decides.
		log.Warn("redis ping failed", logx.String("addr", cfg.Addr), logx.Err(err))
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "notifyd:dedup:"
	}
	return &Redis{client: rdb, prefix: prefix, ttl: ttl}, nil
}

func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return true, nil
	}
	return r.client.SetNX(ctx, r.prefix+key, "1", r.ttl).Result()
}

func (r *Redis) Close() error { return r.client.Close() }

// Off never suppresses anything.
type Off struct{}

func (Off) Claim(context.Context, string) (bool, error) { return true, nil }
func (Off) Close() error                                 { return nil }
