package storage

import (
	"errors"
	"strings"

	logx "botfleet/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log, opts...)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log, opts...)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
