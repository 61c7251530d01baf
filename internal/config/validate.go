package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/maintenance"
)

// Validate rejects configs the process cannot run with. All problems are
// reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	q := cfg.Queue
	if q.MaxAttempts < 1 {
		add(fmt.Errorf("queue.max_attempts must be >= 1 (got %d)", q.MaxAttempts))
	}
	if q.Dispatchers < 0 {
		add(fmt.Errorf("queue.dispatchers must be >= 0 (got %d)", q.Dispatchers))
	}
	for path, raw := range map[string]string{
		"queue.retry_delay":   q.RetryDelay,
		"queue.idle_poll":     q.IdlePoll,
		"queue.store_backoff": q.StoreBackoff,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	handlerTimeout, err := ParseDurationOrDefault("queue.handler_timeout", q.HandlerTimeout, DefaultHandlerTimeout)
	add(err)

	rl := cfg.RateLimit
	add(validateBucket("ratelimit.tenant", rl.Tenant))
	add(validateBucket("ratelimit.chat", rl.Chat))
	for path, raw := range map[string]string{
		"ratelimit.max_backoff":     rl.MaxBackoff,
		"ratelimit.throttle_window": rl.ThrottleWindow,
		"ratelimit.idle_evict":      rl.IdleEvict,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	sv := cfg.Supervisor
	for path, raw := range map[string]string{
		"supervisor.monitor_interval": sv.MonitorInterval,
		"supervisor.check_timeout":    sv.CheckTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	switch strings.ToLower(strings.TrimSpace(sv.Process.Driver)) {
	case "none", "exec", "systemd":
	default:
		add(fmt.Errorf("supervisor.process.driver: unknown driver %q", sv.Process.Driver))
	}

	m := cfg.Maintenance
	stuckAfter, err := ParseDurationOrDefault("maintenance.stuck_after", m.StuckAfter, DefaultStuckAfter)
	add(err)
	if err == nil && stuckAfter <= handlerTimeout {
		add(fmt.Errorf("maintenance.stuck_after (%s) must be larger than queue.handler_timeout (%s)", stuckAfter, handlerTimeout))
	}
	for path, raw := range map[string]string{
		"maintenance.retention_done":   m.RetentionDone,
		"maintenance.retention_stale":  m.RetentionStale,
		"maintenance.retention_dead":   m.RetentionDead,
		"maintenance.failure_cooldown": m.FailureCooldown,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if _, err := maintenance.ParseWindow(m.CompactWindow); err != nil {
		add(fmt.Errorf("maintenance.compact_window: %w", err))
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("maintenance.timezone: %w", err))
		}
	}

	_, err = ParseDurationField("telegram.request_timeout", cfg.Telegram.RequestTimeout)
	add(err)

	n := cfg.Notify
	if n.RetryMax < 0 {
		add(fmt.Errorf("notify.retry_max must be >= 0 (got %d)", n.RetryMax))
	}
	for path, raw := range map[string]string{
		"notify.retry_base":      n.RetryBase,
		"notify.retry_max_delay": n.RetryMaxDelay,
		"notify.dedup_window":    n.DedupWindow,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	for path, raw := range map[string]string{
		"ops.read_timeout":  cfg.Ops.ReadTimeout,
		"ops.write_timeout": cfg.Ops.WriteTimeout,
		"ops.idle_timeout":  cfg.Ops.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	return errors.Join(errs...)
}

func validateBucket(path string, b BucketConfig) error {
	if b.Capacity < 1 {
		return fmt.Errorf("%s.capacity must be >= 1 (got %d)", path, b.Capacity)
	}
	if b.RefillPerSec <= 0 {
		return fmt.Errorf("%s.refill_per_sec must be > 0 (got %g)", path, b.RefillPerSec)
	}
	return nil
}
