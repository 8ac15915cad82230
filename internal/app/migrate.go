package app

import (
	"fmt"

	"tutordash/internal/config"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

// MigrateUp applies every pending schema migration for the configured
// storage driver. Opening the store runs them.
func MigrateUp(cfgPath string) error {
	cfg, logs, log, err := loadForMigrate(cfgPath)
	if err != nil {
		return err
	}
	defer logs.Close()
	st, err := storage.Open(mapStorage(cfg), log)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	log.Info("schema up to date", logx.String("driver", mapStorage(cfg).Driver))
	return st.Close()
}

// MigrateDown rolls back steps migrations (all when steps <= 0).
func MigrateDown(cfgPath string, steps int) error {
	cfg, logs, log, err := loadForMigrate(cfgPath)
	if err != nil {
		return err
	}
	defer logs.Close()
	if err := storage.MigrateDown(mapStorage(cfg), steps, log); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

func loadForMigrate(cfgPath string) (*config.Config, *logx.Service, logx.Logger, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, logx.Logger{}, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	lc := mapLogging(cfg)
	lc.Ops.Enabled = false
	logs, log := logx.New(lc, nil)
	return cfg, logs, log.With(logx.Component("migrate")), nil
}
