package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("250ms", "5s", "72h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Registry  RegistryConfig  `json:"registry,omitempty"`
	Collector CollectorConfig `json:"collector,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the bot used as the operator log sink. It only sends.
type TelegramConfig struct {
	Token    string `json:"token"`
	GroupLog string `json:"group_log"`
	// APIURL overrides the Bot API endpoint.
	APIURL string `json:"api_url,omitempty"`
}

type HTTPConfig struct {
	Addr            string   `json:"addr"`
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"`
	Pprof           bool     `json:"pprof,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	// WebSocket tuning
	WriteWait string `json:"write_wait,omitempty"`
	PongWait  string `json:"pong_wait,omitempty"`
}

// StorageConfig selects the backend: memory, sqlite (path) or postgres (dsn).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PipelineConfig names the tables the pipeline reads and writes and the
// endpoints it talks to. Each field may be overridden from the environment.
type PipelineConfig struct {
	ConnectionTableName string `json:"connection_table"`
	AssignmentTableName string `json:"assignment_table"`
	ProfileTableName    string `json:"profile_table"`
	ActivityTableName   string `json:"activity_table"`
	QueueTableName      string `json:"queue_table"`
	// QueueEndpoint: "memory://" or "store://".
	QueueEndpoint string `json:"queue_endpoint"`
	// TransportEndpoint: empty pushes through the local WebSocket hub;
	// an http(s) URL pushes through a remote gateway.
	TransportEndpoint string `json:"transport_endpoint,omitempty"`
}

type RegistryConfig struct {
	TTL        string `json:"ttl,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
}

type CollectorConfig struct {
	WarningThreshold float64 `json:"warning_threshold,omitempty"`
	InactiveAfter    string  `json:"inactive_after,omitempty"`
}

type DispatchConfig struct {
	Debounce     string `json:"debounce,omitempty"`
	TutorTimeout string `json:"tutor_timeout,omitempty"`
	SkipEmpty    bool   `json:"skip_empty,omitempty"`
}

type QueueConfig struct {
	Capacity      int    `json:"capacity,omitempty"`
	Visibility    string `json:"visibility,omitempty"`
	PollEvery     string `json:"poll_every,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type BroadcastConfig struct {
	Workers     int    `json:"workers,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	PushTimeout string `json:"push_timeout,omitempty"`
	RetryMax    *int   `json:"retry_max,omitempty"`
	RetryDelay  string `json:"retry_delay,omitempty"`
}

type SchedulerConfig struct {
	Timezone        string `json:"timezone,omitempty"`
	Refresh         string `json:"refresh,omitempty"`
	RefreshTimeout  string `json:"refresh_timeout,omitempty"`
	Sweep           string `json:"sweep,omitempty"`
	StartupSpread   string `json:"startup_spread,omitempty"`
	DisableRefresh  bool   `json:"disable_refresh,omitempty"`
	DisableSweep    bool   `json:"disable_sweep,omitempty"`
}
