package storage

import (
	"errors"
	"strings"

	"notifyd/internal/eventbus"
	logx "notifyd/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger, bus eventbus.Bus) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log, bus)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
