package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets and deployment-specific
// values from the config file.
const (
	EnvFCMServerKey  = "NOTIFYD_FCM_SERVER_KEY"
	EnvTelegramToken = "NOTIFYD_TELEGRAM_TOKEN"
	EnvJWTSecret     = "NOTIFYD_JWT_SECRET"
	EnvRedisAddr     = "NOTIFYD_REDIS_ADDR"
	EnvRedisPassword = "NOTIFYD_REDIS_PASSWORD"
	EnvRedisDB       = "NOTIFYD_REDIS_DB"
	EnvStoragePath   = "NOTIFYD_STORAGE_PATH"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment values onto cfg.
func ApplyEnv(cfg *Config) error {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Gateway.FCM.ServerKey, EnvFCMServerKey)
	set(&cfg.Gateway.Telegram.Token, EnvTelegramToken)
	set(&cfg.Ingress.JWTSecret, EnvJWTSecret)
	set(&cfg.Dedup.Redis.Addr, EnvRedisAddr)
	set(&cfg.Dedup.Redis.Password, EnvRedisPassword)
	set(&cfg.Storage.Path, EnvStoragePath)
	if v := strings.TrimSpace(os.Getenv(EnvRedisDB)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &EnvError{Key: EnvRedisDB, Err: err}
		}
		cfg.Dedup.Redis.DB = n
	}
	return nil
}

type EnvError struct {
	Key string
	Err error
}

func (e *EnvError) Error() string { return e.Key + ": " + e.Err.Error() }
func (e *EnvError) Unwrap() error { return e.Err }
