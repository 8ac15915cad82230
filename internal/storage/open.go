package storage

import (
	"errors"
	"strings"

	logx "tutordash/pkg/logx"
)

// Open initializes the configured store and its schema.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Tables = cfg.Tables.WithDefaults()
	if err := cfg.Tables.Validate(); err != nil {
		return nil, err
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
