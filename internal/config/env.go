package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the secrets and deployment knobs that may come from the
// environment instead of the file. Set values win over the file.
type envOverrides struct {
	StorageDSN    string `env:"STORAGE_DSN"`
	SecretKey     string `env:"SECRET_KEY"`
	OwnerBotToken string `env:"OWNER_BOT_TOKEN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	LogLevel      string `env:"LOG_LEVEL"`
}

const EnvPrefix = "BOTFLEET_"

// ApplyEnv overlays BOTFLEET_* variables from the process environment.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix})
}

// ApplyEnvFrom is ApplyEnv over an explicit environment (tests, dry runs).
func ApplyEnvFrom(cfg *Config, environ map[string]string) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix, Environment: environ})
}

func applyEnv(cfg *Config, opts env.Options) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.Storage.SecretKey, o.SecretKey)
	set(&cfg.Telegram.OwnerBotToken, o.OwnerBotToken)
	set(&cfg.Redis.Addr, o.RedisAddr)
	set(&cfg.Logging.Level, o.LogLevel)
	return nil
}
