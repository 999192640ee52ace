package config

import (
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Token           string  `toml:"token"`
	TargetChatID    int64   `toml:"target_chat_id"`
	LogLevel        string  `toml:"log_level"`
	LogFormat       string  `toml:"log_format"`
	PollInterval    string  `toml:"poll_interval"`
	PollTimeout     string  `toml:"poll_timeout"`
	BackoffBase     string  `toml:"backoff_base"`
	BackoffMax      string  `toml:"backoff_max"`
	MaxRetries      int     `toml:"max_retries"`
	HTTPTimeout     string  `toml:"http_timeout"`
	SendRate        float64 `toml:"send_rate"`
	Workers         int     `toml:"workers"`
	ShutdownTimeout string  `toml:"shutdown_timeout"`
	Unmatched       string  `toml:"unmatched"`
	MaxZipMB        int     `toml:"max_zip_mb"`
	DataDir         string  `toml:"data_dir"`
	DBPath          string  `toml:"db_path"`
	DraftTTL        string  `toml:"draft_ttl"`
	APIURL          string  `toml:"api_url"`
	MetricsAddr     string  `toml:"metrics_addr"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, &Error{Option: path, Reason: "invalid TOML", Err: err}
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.lorbot/config.toml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".lorbot", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("token", fc.Token, &cfg.Token)
	s.setInt64("target-chat", fc.TargetChatID, &cfg.TargetChatID)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("log-format", fc.LogFormat, &cfg.LogFormat)
	s.setString("unmatched", fc.Unmatched, &cfg.Unmatched)
	s.setString("data-dir", fc.DataDir, &cfg.DataDir)
	s.setString("db", fc.DBPath, &cfg.DBPath)
	s.setString("api-url", fc.APIURL, &cfg.APIURL)
	s.setString("metrics-addr", fc.MetricsAddr, &cfg.MetricsAddr)

	for _, d := range []struct {
		flag, option, value string
		dst                 *time.Duration
	}{
		{"poll", "poll_interval", fc.PollInterval, &cfg.PollInterval},
		{"poll-timeout", "poll_timeout", fc.PollTimeout, &cfg.PollTimeout},
		{"backoff-base", "backoff_base", fc.BackoffBase, &cfg.BackoffBase},
		{"backoff-max", "backoff_max", fc.BackoffMax, &cfg.BackoffMax},
		{"timeout", "http_timeout", fc.HTTPTimeout, &cfg.HTTPTimeout},
		{"shutdown-timeout", "shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"draft-ttl", "draft_ttl", fc.DraftTTL, &cfg.DraftTTL},
	} {
		if err := s.setDuration(d.flag, d.option, d.value, d.dst); err != nil {
			return err
		}
	}

	s.setInt("max-retries", fc.MaxRetries, &cfg.MaxRetries)
	s.setInt("workers", fc.Workers, &cfg.Workers)
	s.setInt("max-zip-mb", fc.MaxZipMB, &cfg.MaxZipMB)
	s.setFloat("send-rate", fc.SendRate, &cfg.SendRate)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
