package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/dispatch"
	"botfleet/internal/instance"
	"botfleet/internal/maintenance"
	"botfleet/internal/notify"
	"botfleet/internal/ops"
	"botfleet/internal/ratelimit"
	"botfleet/internal/storage"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"
)

// durations parses config durations and keeps every error.
type durations struct{ errs []error }

func (d *durations) or(path, raw string, def time.Duration) time.Duration {
	v, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		d.errs = append(d.errs, err)
	}
	return v
}

func (d *durations) err() error { return errors.Join(d.errs...) }

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	var d durations
	out := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: d.or("storage.busy_timeout", sc.BusyTimeout, 5*time.Second),
		MaxConns:    sc.MaxConns,
	}
	return out, d.err()
}

func mapDispatchConfig(cfg *config.Config, tenantID string) (dispatch.Config, error) {
	q := cfg.Queue
	var d durations
	out := dispatch.Config{
		MaxAttempts:    q.MaxAttempts,
		RetryDelay:     d.or("queue.retry_delay", q.RetryDelay, 30*time.Second),
		IdlePoll:       d.or("queue.idle_poll", q.IdlePoll, 500*time.Millisecond),
		StoreBackoff:   d.or("queue.store_backoff", q.StoreBackoff, 2*time.Second),
		HandlerTimeout: d.or("queue.handler_timeout", q.HandlerTimeout, config.DefaultHandlerTimeout),
		TenantID:       tenantID,
	}
	return out, d.err()
}

func mapRateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	rl := cfg.RateLimit
	def := ratelimit.DefaultConfig()
	var d durations
	out := ratelimit.Config{
		Tenant:         ratelimit.BucketConfig{Capacity: rl.Tenant.Capacity, RefillPerSec: rl.Tenant.RefillPerSec},
		Chat:           ratelimit.BucketConfig{Capacity: rl.Chat.Capacity, RefillPerSec: rl.Chat.RefillPerSec},
		MaxBackoff:     d.or("ratelimit.max_backoff", rl.MaxBackoff, def.MaxBackoff),
		ThrottleWindow: d.or("ratelimit.throttle_window", rl.ThrottleWindow, def.ThrottleWindow),
		IdleEvict:      d.or("ratelimit.idle_evict", rl.IdleEvict, def.IdleEvict),
	}
	return out, d.err()
}

func mapInstanceConfig(cfg *config.Config) (instance.Config, error) {
	sv := cfg.Supervisor
	var d durations
	out := instance.Config{
		MonitorInterval: d.or("supervisor.monitor_interval", sv.MonitorInterval, time.Minute),
		CheckTimeout:    d.or("supervisor.check_timeout", sv.CheckTimeout, 10*time.Second),
		UnitPrefix:      strings.TrimSpace(sv.Process.UnitPrefix),
	}
	return out, d.err()
}

func mapMaintenanceConfig(cfg *config.Config) (maintenance.Config, error) {
	m := cfg.Maintenance
	var d durations
	out := maintenance.Config{
		Schedule:         m.Schedule,
		StuckAfter:       d.or("maintenance.stuck_after", m.StuckAfter, config.DefaultStuckAfter),
		RetentionDone:    d.or("maintenance.retention_done", m.RetentionDone, maintenance.DefaultRetentionDone),
		RetentionStale:   d.or("maintenance.retention_stale", m.RetentionStale, maintenance.DefaultRetentionStale),
		RetentionDead:    d.or("maintenance.retention_dead", m.RetentionDead, maintenance.DefaultRetentionDead),
		CompactThreshold: m.CompactThreshold,
		FailureCooldown:  d.or("maintenance.failure_cooldown", m.FailureCooldown, maintenance.DefaultFailureCooldown),
		Timezone:         m.Timezone,
	}
	w, err := maintenance.ParseWindow(m.CompactWindow)
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("maintenance.compact_window: %w", err))
	}
	out.CompactWindow = w
	return out, d.err()
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	var d durations
	out := telegram.Config{
		APIURL:         strings.TrimSpace(cfg.Telegram.APIURL),
		RequestTimeout: d.or("telegram.request_timeout", cfg.Telegram.RequestTimeout, 10*time.Second),
	}
	return out, d.err()
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notify
	var d durations
	out := notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       d.or("notify.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   d.or("notify.retry_max_delay", n.RetryMaxDelay, 30*time.Second),
		DedupWindow:     d.or("notify.dedup_window", n.DedupWindow, 10*time.Minute),
		DedupMaxEntries: n.DedupMaxEntries,
		SendTimeout:     d.or("telegram.request_timeout", cfg.Telegram.RequestTimeout, 10*time.Second),
	}
	return out, d.err()
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	var d durations
	out := ops.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		ReadTimeout:          d.or("ops.read_timeout", o.ReadTimeout, 10*time.Second),
		WriteTimeout:         d.or("ops.write_timeout", o.WriteTimeout, 60*time.Second),
		IdleTimeout:          d.or("ops.idle_timeout", o.IdleTimeout, 120*time.Second),
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	return out, d.err()
}
