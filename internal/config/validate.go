package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Validate checks values the decoder cannot: enums, durations and
// endpoints. Every problem is reported, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var merr *multierror.Error
	add := func(err error) {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}
	if cfg.Logging.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token: required when logging.telegram is enabled"))
		}
		if _, err := ParseChatID(cfg.Telegram.GroupLog); err != nil {
			add(fmt.Errorf("telegram.group_log: %w", err))
		}
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	dur("http.write_wait", cfg.HTTP.WriteWait)
	dur("http.pong_wait", cfg.HTTP.PongWait)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	ep := strings.TrimSpace(cfg.Pipeline.QueueEndpoint)
	switch {
	case ep == "", ep == "memory", strings.HasPrefix(ep, "memory://"):
	case ep == "store", strings.HasPrefix(ep, "store://"):
		if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d == "" || d == "memory" {
			add(errors.New("pipeline.queue_endpoint: store:// needs a sqlite or postgres storage driver"))
		}
	default:
		add(fmt.Errorf("pipeline.queue_endpoint: unsupported endpoint %q", ep))
	}
	if te := strings.TrimSpace(cfg.Pipeline.TransportEndpoint); te != "" {
		u, err := url.Parse(te)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("pipeline.transport_endpoint: want an http(s) URL, got %q", te))
		}
	}

	dur("registry.ttl", cfg.Registry.TTL)
	dur("registry.retry_delay", cfg.Registry.RetryDelay)
	if t := cfg.Collector.WarningThreshold; t < 0 || t > 100 {
		add(fmt.Errorf("collector.warning_threshold: %v out of range 0..100", t))
	}
	dur("collector.inactive_after", cfg.Collector.InactiveAfter)
	dur("dispatch.debounce", cfg.Dispatch.Debounce)
	dur("dispatch.tutor_timeout", cfg.Dispatch.TutorTimeout)
	dur("queue.visibility", cfg.Queue.Visibility)
	dur("queue.poll_every", cfg.Queue.PollEvery)
	dur("queue.retry_base", cfg.Queue.RetryBase)
	dur("queue.retry_max_delay", cfg.Queue.RetryMaxDelay)
	if cfg.Queue.Capacity < 0 || cfg.Queue.Workers < 0 || cfg.Queue.BatchSize < 0 || cfg.Queue.MaxAttempts < 0 {
		add(errors.New("queue: counts must be >= 0"))
	}
	dur("broadcast.push_timeout", cfg.Broadcast.PushTimeout)
	dur("broadcast.retry_delay", cfg.Broadcast.RetryDelay)
	if cfg.Broadcast.RetryMax != nil && *cfg.Broadcast.RetryMax < 0 {
		add(errors.New("broadcast.retry_max: must be >= 0"))
	}
	dur("scheduler.refresh_timeout", cfg.Scheduler.RefreshTimeout)
	dur("scheduler.startup_spread", cfg.Scheduler.StartupSpread)

	return merr.ErrorOrNil()
}
