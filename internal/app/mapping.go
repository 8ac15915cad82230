package app

import (
	"strings"
	"time"

	"tutordash/internal/broadcast"
	"tutordash/internal/collector"
	"tutordash/internal/config"
	"tutordash/internal/dispatch"
	"tutordash/internal/httpapi"
	"tutordash/internal/push"
	"tutordash/internal/queue"
	"tutordash/internal/registry"
	"tutordash/internal/storage"
	"tutordash/internal/task/scheduler"
	logx "tutordash/pkg/logx"
)

// Default schedules for the periodic tasks.
const (
	defaultRefresh = "@every 5s"
	defaultSweep   = "@hourly"
)

// The mappers below expect a config that passed config.Validate; invalid
// durations fall back to defaults.

func mapLogging(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if id, err := config.ParseChatID(cfg.Telegram.GroupLog); err == nil {
		lc.Ops.ChatID = id
	} else {
		lc.Ops.Enabled = false
	}
	return lc
}

func mapTables(p config.PipelineConfig) storage.Tables {
	return storage.Tables{
		Connections: p.ConnectionTableName,
		Assignments: p.AssignmentTableName,
		Profiles:    p.ProfileTableName,
		Activity:    p.ActivityTableName,
		Queue:       p.QueueTableName,
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: config.Duration(sc.BusyTimeout, time.Second),
		Tables:      mapTables(cfg.Pipeline),
	}
}

func mapQueue(cfg *config.Config) queue.Config {
	qc := cfg.Queue
	return queue.Config{
		Endpoint:   cfg.Pipeline.QueueEndpoint,
		Capacity:   qc.Capacity,
		Visibility: config.Duration(qc.Visibility, 30*time.Second),
		PollEvery:  config.Duration(qc.PollEvery, 250*time.Millisecond),
		BatchSize:  qc.BatchSize,
	}
}

func mapConsumer(cfg *config.Config) queue.ConsumerConfig {
	qc := cfg.Queue
	return queue.ConsumerConfig{
		Workers:       qc.Workers,
		MaxAttempts:   qc.MaxAttempts,
		RetryBase:     config.Duration(qc.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: config.Duration(qc.RetryMaxDelay, 10*time.Second),
		HandleTimeout: 30 * time.Second,
	}
}

func mapRegistry(cfg *config.Config) registry.Config {
	return registry.Config{
		TTL:        config.Duration(cfg.Registry.TTL, registry.DefaultTTL),
		RetryDelay: config.Duration(cfg.Registry.RetryDelay, 100*time.Millisecond),
	}
}

func mapCollector(cfg *config.Config) collector.Config {
	th := cfg.Collector.WarningThreshold
	if th <= 0 {
		th = collector.DefaultWarningThreshold
	}
	return collector.Config{
		WarningThreshold: th,
		InactiveAfter:    config.Duration(cfg.Collector.InactiveAfter, 0),
	}
}

func mapDispatch(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Debounce:     config.Duration(cfg.Dispatch.Debounce, 0),
		TutorTimeout: config.Duration(cfg.Dispatch.TutorTimeout, 10*time.Second),
		SkipEmpty:    cfg.Dispatch.SkipEmpty,
	}
}

func mapBroadcast(cfg *config.Config) broadcast.Config {
	bc := cfg.Broadcast
	retryMax := 1
	if bc.RetryMax != nil {
		retryMax = *bc.RetryMax
	}
	return broadcast.Config{
		Workers:     bc.Workers,
		RatePerSec:  bc.RatePerSec,
		PushTimeout: config.Duration(bc.PushTimeout, 2*time.Second),
		RetryMax:    retryMax,
		RetryDelay:  config.Duration(bc.RetryDelay, 100*time.Millisecond),
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:      cfg.Scheduler.Timezone,
		StartupSpread: config.Duration(cfg.Scheduler.StartupSpread, 0),
	}
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = ":8080"
	}
	return httpapi.Config{
		Addr:            addr,
		ReadTimeout:     config.Duration(h.ReadTimeout, 10*time.Second),
		WriteTimeout:    config.Duration(h.WriteTimeout, 0),
		ShutdownTimeout: config.Duration(h.ShutdownTimeout, 5*time.Second),
		Pprof:           h.Pprof,
	}
}

func mapHub(cfg *config.Config) push.HubConfig {
	return push.HubConfig{
		WriteTimeout:   config.Duration(cfg.HTTP.WriteWait, 10*time.Second),
		PongWait:       config.Duration(cfg.HTTP.PongWait, 60*time.Second),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
}

func mapGateway(cfg *config.Config) push.GatewayConfig {
	return push.GatewayConfig{
		Endpoint: cfg.Pipeline.TransportEndpoint,
		Timeout:  config.Duration(cfg.Broadcast.PushTimeout, 5*time.Second),
	}
}
