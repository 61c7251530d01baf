package config

// Config is the on-disk configuration of a botfleet process.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). Empty
// or zero durations fall back to the documented defaults.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Queue       QueueConfig       `json:"queue"`
	RateLimit   RateLimitConfig   `json:"ratelimit"`
	Supervisor  SupervisorConfig  `json:"supervisor"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Telegram    TelegramConfig    `json:"telegram"`
	Notify      NotifyConfig      `json:"notify"`
	Redis       RedisConfig       `json:"redis"`
	Ops         OpsConfig         `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job and tenant store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/botfleet.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@db/botfleet" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
	// SecretKey seals bot tokens at rest. Prefer BOTFLEET_SECRET_KEY.
	SecretKey string `json:"secret_key,omitempty"`
}

type QueueConfig struct {
	MaxAttempts    int    `json:"max_attempts"`
	RetryDelay     string `json:"retry_delay"`
	IdlePoll       string `json:"idle_poll"`
	Dispatchers    int    `json:"dispatchers"`
	StoreBackoff   string `json:"store_backoff"`
	HandlerTimeout string `json:"handler_timeout"`
}

type BucketConfig struct {
	Capacity     int     `json:"capacity"`
	RefillPerSec float64 `json:"refill_per_sec"`
}

type RateLimitConfig struct {
	Tenant         BucketConfig `json:"tenant"`
	Chat           BucketConfig `json:"chat"`
	MaxBackoff     string       `json:"max_backoff"`
	ThrottleWindow string       `json:"throttle_window"`
	IdleEvict      string       `json:"idle_evict"`
}

type SupervisorConfig struct {
	MonitorInterval string        `json:"monitor_interval"`
	CheckTimeout    string        `json:"check_timeout"`
	Process         ProcessConfig `json:"process"`
	Webhook         WebhookConfig `json:"webhook"`
}

// ProcessConfig selects how per-tenant worker processes are run.
//
// Driver values:
//   - "none": dispatch stays in-process
//   - "exec": child processes of the serving process
//   - "systemd": transient units over D-Bus
type ProcessConfig struct {
	Driver     string `json:"driver"`
	Binary     string `json:"binary,omitempty"`
	ConfigPath string `json:"config_path,omitempty"`
	UnitPrefix string `json:"unit_prefix,omitempty"`
}

// WebhookConfig routes each tenant's updates to <base_url>/<tenant id>.
// Empty BaseURL leaves routing to an external component.
type WebhookConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	SecretToken string `json:"secret_token,omitempty"`
}

type MaintenanceConfig struct {
	Schedule         string `json:"schedule"`
	StuckAfter       string `json:"stuck_after"`
	RetentionDone    string `json:"retention_done"`
	RetentionStale   string `json:"retention_stale"`
	RetentionDead    string `json:"retention_dead"`
	CompactThreshold int64  `json:"compact_threshold"`
	// CompactWindow is "HH:MM-HH:MM" in Timezone.
	CompactWindow   string `json:"compact_window"`
	FailureCooldown string `json:"failure_cooldown"`
	Timezone        string `json:"timezone,omitempty"`
}

type TelegramConfig struct {
	APIURL         string `json:"api_url,omitempty"`
	RequestTimeout string `json:"request_timeout"`
	// OwnerBotToken sends owner notifications. Prefer BOTFLEET_OWNER_BOT_TOKEN.
	OwnerBotToken string `json:"owner_bot_token,omitempty"`
}

type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// RedisConfig enables cross-process wake-up hints. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// OpsConfig controls the ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
