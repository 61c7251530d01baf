package config

import (
	"reflect"
	"sort"
	"strings"

	logx "botfleet/pkg/logx"
)

// liveSections are applied on reload; every other section needs a restart.
var liveSections = map[string]bool{
	"logging": true,
	"notify":  true,
	"ops":     true,
}

// SummarizeChange returns the changed sections, safe attrs for logging
// (never tokens, DSNs or keys) and the changed sections that only take
// effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if !liveSections[section] {
			restart = append(restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if o.Driver != n.Driver || o.Path != n.Path || o.BusyTimeout != n.BusyTimeout || o.MaxConns != n.MaxConns ||
		o.DSN != n.DSN || o.SecretKey != n.SecretKey {
		mark("storage",
			logx.String("storage.driver", n.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(n.DSN) != ""),
			logx.Bool("storage.secret_key_changed", o.SecretKey != n.SecretKey),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		q := newCfg.Queue
		mark("queue",
			logx.Int("queue.max_attempts", q.MaxAttempts),
			logx.Int("queue.dispatchers", q.Dispatchers),
			logx.String("queue.handler_timeout", q.HandlerTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		rl := newCfg.RateLimit
		mark("ratelimit",
			logx.Int("ratelimit.tenant_capacity", rl.Tenant.Capacity),
			logx.Int("ratelimit.chat_capacity", rl.Chat.Capacity),
		)
	}

	if oldCfg.Supervisor != newCfg.Supervisor {
		ns := newCfg.Supervisor
		mark("supervisor",
			logx.String("supervisor.monitor_interval", ns.MonitorInterval),
			logx.String("supervisor.process_driver", ns.Process.Driver),
			logx.Bool("supervisor.webhook_set", strings.TrimSpace(ns.Webhook.BaseURL) != ""),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		m := newCfg.Maintenance
		mark("maintenance",
			logx.String("maintenance.schedule", m.Schedule),
			logx.String("maintenance.compact_window", m.CompactWindow),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		mark("telegram",
			logx.String("telegram.request_timeout", newCfg.Telegram.RequestTimeout),
			logx.Bool("telegram.owner_bot_set", strings.TrimSpace(newCfg.Telegram.OwnerBotToken) != ""),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		nt := newCfg.Notify
		mark("notify",
			logx.Bool("notify.enabled", nt.Enabled),
			logx.Int("notify.rate_per_sec", nt.RatePerSec),
			logx.Int("notify.retry_max", nt.RetryMax),
		)
	}

	if oldCfg.Redis != newCfg.Redis {
		mark("redis",
			logx.Bool("redis.enabled", strings.TrimSpace(newCfg.Redis.Addr) != ""),
			logx.String("redis.channel", newCfg.Redis.Channel),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		mark("ops",
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
