package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	logx "tutordash/pkg/logx"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	log = log.With(logx.String("driver", "postgres"))
	if err := migratePostgres(db, cfg.Tables, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlStore{db: db, log: log, t: cfg.Tables, dollars: true}, nil
}

// migratePostgres runs golang-migrate over the rendered migrations. The
// version table is namespaced by the connection table so several
// deployments can share one database.
func migratePostgres(db *sql.DB, t Tables, log logx.Logger) error {
	m, err := newPostgresMigrate(db, t)
	if err != nil {
		return err
	}
	// Closing m would close db, which the store still owns.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres migrate up: %w", err)
	}
	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("postgres migrate version: %w", verr)
	}
	log.Info("schema ready", logx.Int64("version", int64(version)), logx.Bool("dirty", dirty))
	return nil
}

func newPostgresMigrate(db *sql.DB, t Tables) (*migrate.Migrate, error) {
	rendered, err := renderMigrations(t)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(rendered, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	drv, err := pgxv5.WithInstance(db, &pgxv5.Config{MigrationsTable: t.Connections + "_schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// MigrateDown rolls the postgres schema back by steps (all when steps <= 0).
// The sqlite driver has no down path; its schema is recreated on open.
func MigrateDown(cfg Config, steps int, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver != "postgres" && driver != "postgresql" && driver != "pgx" {
		return fmt.Errorf("migrate down is only supported for postgres (driver %q)", cfg.Driver)
	}
	cfg.Tables = cfg.Tables.WithDefaults()
	if err := cfg.Tables.Validate(); err != nil {
		return err
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := newPostgresMigrate(db, cfg.Tables)
	if err != nil {
		return err
	}
	if steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.Info("schema rolled back", logx.Int("steps", steps))
	return nil
}
