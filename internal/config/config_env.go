package config

import (
	"errors"
	"os"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvConfig lists the recognized environment variables. Unset variables
// stay nil so they never override file or default values.
type EnvConfig struct {
	BotToken        *string        `env:"BOT_TOKEN"`
	Token           *string        `env:"TOKEN"`
	TargetChatID    *int64         `env:"LOR_TARGET_CHAT_ID"`
	LogLevel        *string        `env:"LOG_LEVEL"`
	LogFormat       *string        `env:"LOG_FORMAT"`
	PollInterval    *time.Duration `env:"POLL_INTERVAL"`
	PollTimeout     *time.Duration `env:"POLL_TIMEOUT"`
	BackoffBase     *time.Duration `env:"BACKOFF_BASE"`
	BackoffMax      *time.Duration `env:"BACKOFF_MAX"`
	MaxRetries      *int           `env:"MAX_RETRIES"`
	HTTPTimeout     *time.Duration `env:"HTTP_TIMEOUT"`
	SendRate        *float64       `env:"SEND_RATE"`
	Workers         *int           `env:"WORKERS"`
	ShutdownTimeout *time.Duration `env:"SHUTDOWN_TIMEOUT"`
	Unmatched       *string        `env:"UNMATCHED"`
	MaxZipMB        *int           `env:"MAX_ZIP_MB"`
	DataDir         *string        `env:"DATA_DIR"`
	DBPath          *string        `env:"DB_PATH"`
	DraftTTL        *time.Duration `env:"DRAFT_TTL"`
	APIURL          *string        `env:"API_URL"`
	MetricsAddr     *string        `env:"METRICS_ADDR"`
	ConfigPath      *string        `env:"LORBOT_CONFIG"`
}

// ParseEnv reads EnvConfig from environ, or from the process environment
// when environ is nil.
func ParseEnv(environ map[string]string) (EnvConfig, error) {
	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	var ec EnvConfig
	if err := env.ParseWithOptions(&ec, env.Options{Environment: environ}); err != nil {
		return ec, &Error{Option: envOption(err), Reason: "invalid value", Err: err}
	}
	return ec, nil
}

// ApplyEnvConfig applies parsed environment values to cfg.
// It respects flags that have been explicitly set (changed map).
func ApplyEnvConfig(cfg *Config, ec EnvConfig, changed map[string]bool) {
	s := newConfigSetter(changed)

	// TOKEN is accepted as a fallback; BOT_TOKEN wins.
	if ec.BotToken != nil {
		s.setString("token", *ec.BotToken, &cfg.Token)
	} else if ec.Token != nil {
		s.setString("token", *ec.Token, &cfg.Token)
	}

	setPtr(s, "target-chat", ec.TargetChatID, &cfg.TargetChatID)
	setPtr(s, "log-level", ec.LogLevel, &cfg.LogLevel)
	setPtr(s, "log-format", ec.LogFormat, &cfg.LogFormat)
	setPtr(s, "poll", ec.PollInterval, &cfg.PollInterval)
	setPtr(s, "poll-timeout", ec.PollTimeout, &cfg.PollTimeout)
	setPtr(s, "backoff-base", ec.BackoffBase, &cfg.BackoffBase)
	setPtr(s, "backoff-max", ec.BackoffMax, &cfg.BackoffMax)
	setPtr(s, "max-retries", ec.MaxRetries, &cfg.MaxRetries)
	setPtr(s, "timeout", ec.HTTPTimeout, &cfg.HTTPTimeout)
	setPtr(s, "send-rate", ec.SendRate, &cfg.SendRate)
	setPtr(s, "workers", ec.Workers, &cfg.Workers)
	setPtr(s, "shutdown-timeout", ec.ShutdownTimeout, &cfg.ShutdownTimeout)
	setPtr(s, "unmatched", ec.Unmatched, &cfg.Unmatched)
	setPtr(s, "max-zip-mb", ec.MaxZipMB, &cfg.MaxZipMB)
	setPtr(s, "data-dir", ec.DataDir, &cfg.DataDir)
	setPtr(s, "db", ec.DBPath, &cfg.DBPath)
	setPtr(s, "draft-ttl", ec.DraftTTL, &cfg.DraftTTL)
	setPtr(s, "api-url", ec.APIURL, &cfg.APIURL)
	setPtr(s, "metrics-addr", ec.MetricsAddr, &cfg.MetricsAddr)
}

// setPtr copies a set environment value unless the flag was given.
// Explicitly set zero values are kept so Validate can reject them.
func setPtr[T any](s *configSetter, flag string, value *T, dst *T) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// envOption maps a parse failure back to the variable name.
func envOption(err error) string {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return "environment"
	}
	for _, e := range agg.Errors {
		var pe env.ParseError
		if !errors.As(e, &pe) {
			continue
		}
		if f, ok := reflect.TypeOf(EnvConfig{}).FieldByName(pe.Name); ok {
			return f.Tag.Get("env")
		}
	}
	return "environment"
}
