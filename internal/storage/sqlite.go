package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "tutordash/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqlStore{db: db, log: log.With(logx.String("driver", "sqlite")), t: cfg.Tables}
	if err := migrateSQLite(context.Background(), db, cfg.Tables); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	st.log.Debug("store opened", logx.String("path", path))
	return st, nil
}

// migrateSQLite applies the idempotent up scripts in one batch.
func migrateSQLite(ctx context.Context, db *sql.DB, t Tables) error {
	script, err := upScript(t)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, script)
	return err
}
