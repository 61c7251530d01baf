package config

import "strings"

// Default returns a config with every documented default filled in.
// Parse decodes the file on top of it, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Path: "./botfleet.log"},
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			Path:        "./data/botfleet.db",
			BusyTimeout: "5s",
		},
		Queue: QueueConfig{
			MaxAttempts:    5,
			RetryDelay:     "30s",
			IdlePoll:       "500ms",
			Dispatchers:    4,
			StoreBackoff:   "2s",
			HandlerTimeout: "60s",
		},
		RateLimit: RateLimitConfig{
			Tenant:         BucketConfig{Capacity: 30, RefillPerSec: 30},
			Chat:           BucketConfig{Capacity: 1, RefillPerSec: 1},
			MaxBackoff:     "60s",
			ThrottleWindow: "60s",
			IdleEvict:      "30m",
		},
		Supervisor: SupervisorConfig{
			MonitorInterval: "60s",
			CheckTimeout:    "10s",
			Process:         ProcessConfig{Driver: "none", UnitPrefix: "botfleet-worker"},
		},
		Maintenance: MaintenanceConfig{
			Schedule:         "@every 5m",
			StuckAfter:       "10m",
			RetentionDone:    "24h",
			RetentionStale:   "72h",
			RetentionDead:    "168h",
			CompactThreshold: 10000,
			CompactWindow:    "02:00-05:00",
			FailureCooldown:  "15m",
		},
		Telegram: TelegramConfig{RequestTimeout: "10s"},
		Notify: NotifyConfig{
			Enabled:     true,
			RatePerSec:  3,
			RetryMax:    3,
			DedupWindow: "10m",
		},
		Redis: RedisConfig{Channel: "botfleet:wake"},
		Ops:   OpsConfig{Addr: "127.0.0.1:9090"},
	}
}

// ApplyDefaults fills values that were explicitly emptied in the file.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	def := Default()
	str := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	str(&cfg.Logging.Level, def.Logging.Level)
	str(&cfg.Storage.Driver, def.Storage.Driver)
	str(&cfg.Supervisor.Process.Driver, def.Supervisor.Process.Driver)
	str(&cfg.Supervisor.Process.UnitPrefix, def.Supervisor.Process.UnitPrefix)
	str(&cfg.Maintenance.Schedule, def.Maintenance.Schedule)
	str(&cfg.Redis.Channel, def.Redis.Channel)
	str(&cfg.Ops.Addr, def.Ops.Addr)
	if strings.EqualFold(cfg.Storage.Driver, "sqlite") {
		str(&cfg.Storage.Path, def.Storage.Path)
	}
	if cfg.Queue.Dispatchers <= 0 {
		cfg.Queue.Dispatchers = def.Queue.Dispatchers
	}
	if cfg.Maintenance.CompactThreshold <= 0 {
		cfg.Maintenance.CompactThreshold = def.Maintenance.CompactThreshold
	}
}
