// Package config loads lorbot settings from flags, environment variables
// and an optional TOML file. Precedence: flags > env > file > defaults.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dentalor/lorbot/internal/dispatch"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Config holds the process-wide settings. It is validated once at startup
// and passed by value afterwards.
type Config struct {
	Token        string
	TargetChatID int64

	LogLevel  string
	LogFormat string

	PollInterval    time.Duration
	PollTimeout     time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxRetries      int
	HTTPTimeout     time.Duration
	SendRate        float64
	Workers         int
	ShutdownTimeout time.Duration
	Unmatched       string

	MaxZipMB int
	DataDir  string
	DBPath   string
	// DraftTTL is how long an untouched draft is kept; zero keeps drafts
	// forever.
	DraftTTL time.Duration

	APIURL      string
	MetricsAddr string

	// ConfigPath is the TOML file the settings were read from, if any.
	ConfigPath string
}

// DefaultConfig returns a Config with default values. Token and
// TargetChatID have no defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "console",
		PollInterval:    time.Second,
		PollTimeout:     30 * time.Second,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      30 * time.Second,
		MaxRetries:      8,
		HTTPTimeout:     120 * time.Second,
		SendRate:        25,
		Workers:         16,
		ShutdownTimeout: 30 * time.Second,
		Unmatched:       dispatch.UnmatchedLog,
		MaxZipMB:        47,
		DraftTTL:        30 * 24 * time.Hour,
		DataDir:         ".",
		APIURL:          DefaultAPIURL,
	}
}

// MaxZipBytes returns the archive size ceiling in bytes.
func (c Config) MaxZipBytes() int64 {
	return int64(c.MaxZipMB) * 1024 * 1024
}

// Redacted returns a copy safe for logging.
func (c Config) Redacted() Config {
	if c.Token != "" {
		if i := strings.IndexByte(c.Token, ':'); i > 0 {
			c.Token = c.Token[:i] + ":*****"
		} else {
			c.Token = "*****"
		}
	}
	return c
}

// Validate checks the configuration for errors and sets derived defaults.
// Failures are returned as *Error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return missing("BOT_TOKEN")
	}
	if !strings.Contains(c.Token, ":") {
		return malformed("BOT_TOKEN", "expected <bot id>:<secret>")
	}
	if c.TargetChatID == 0 {
		return missing("LOR_TARGET_CHAT_ID")
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil || c.LogLevel == "" {
		return malformed("LOG_LEVEL", fmt.Sprintf("unknown level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		return malformed("LOG_FORMAT", fmt.Sprintf("unknown format %q", c.LogFormat))
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"POLL_INTERVAL", c.PollInterval},
		{"POLL_TIMEOUT", c.PollTimeout},
		{"BACKOFF_BASE", c.BackoffBase},
		{"BACKOFF_MAX", c.BackoffMax},
		{"HTTP_TIMEOUT", c.HTTPTimeout},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
	} {
		if d.value <= 0 {
			return malformed(d.name, "must be positive")
		}
	}
	if c.BackoffMax < c.BackoffBase {
		return malformed("BACKOFF_MAX", "must not be below BACKOFF_BASE")
	}
	if c.MaxRetries < 1 {
		return malformed("MAX_RETRIES", "must be at least 1")
	}
	if c.Workers < 1 {
		return malformed("WORKERS", "must be at least 1")
	}
	if c.SendRate <= 0 {
		return malformed("SEND_RATE", "must be positive")
	}
	if c.MaxZipMB < 1 {
		return malformed("MAX_ZIP_MB", "must be at least 1")
	}
	if c.DraftTTL < 0 {
		return malformed("DRAFT_TTL", "must not be negative")
	}

	switch strings.ToLower(c.Unmatched) {
	case dispatch.UnmatchedIgnore, dispatch.UnmatchedLog:
		c.Unmatched = strings.ToLower(c.Unmatched)
	default:
		return malformed("UNMATCHED", fmt.Sprintf("expected %q or %q", dispatch.UnmatchedIgnore, dispatch.UnmatchedLog))
	}

	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return malformed("API_URL", "expected an absolute URL")
	}

	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "bot.db")
	}

	return nil
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt64 sets an int64 value if non-zero and flag not changed.
// Chat ids may be negative.
func (s *configSetter) setInt64(flag string, value int64, dst *int64) {
	if value == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setFloat sets a float64 value if positive and flag not changed.
func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, option, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return &Error{Option: option, Reason: "invalid duration", Err: err}
	}
	*dst = d
	return nil
}
