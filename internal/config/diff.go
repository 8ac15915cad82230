package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tutordash/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"http":      true,
	"storage":   true,
	"pipeline":  true,
	"queue":     true,
	"telegram":  true,
	"registry":  true,
	"collector": true,
}

// SummarizeConfigChange returns the changed sections (sorted), log-safe
// attrs describing the new values, and the subset of sections that need a
// restart to apply. Secrets (bot token, DSN) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Int("http.allowed_origins", len(newCfg.HTTP.AllowedOrigins)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Pipeline != newCfg.Pipeline {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.String("pipeline.connection_table", newCfg.Pipeline.ConnectionTableName),
			logx.String("pipeline.assignment_table", newCfg.Pipeline.AssignmentTableName),
			logx.String("pipeline.profile_table", newCfg.Pipeline.ProfileTableName),
			logx.String("pipeline.activity_table", newCfg.Pipeline.ActivityTableName),
			logx.String("pipeline.queue_endpoint", newCfg.Pipeline.QueueEndpoint),
			logx.Bool("pipeline.remote_transport", strings.TrimSpace(newCfg.Pipeline.TransportEndpoint) != ""),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs, logx.String("registry.ttl", newCfg.Registry.TTL))
	}
	if oldCfg.Collector != newCfg.Collector {
		changed = append(changed, "collector")
		attrs = append(attrs,
			logx.Float64("collector.warning_threshold", newCfg.Collector.WarningThreshold),
			logx.String("collector.inactive_after", newCfg.Collector.InactiveAfter),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.debounce", newCfg.Dispatch.Debounce),
			logx.Bool("dispatch.skip_empty", newCfg.Dispatch.SkipEmpty),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.Int("queue.capacity", newCfg.Queue.Capacity),
		)
	}
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.workers", newCfg.Broadcast.Workers),
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.refresh", newCfg.Scheduler.Refresh),
			logx.String("scheduler.sweep", newCfg.Scheduler.Sweep),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
