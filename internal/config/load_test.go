package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"BOT_TOKEN":          "123:abc",
		"LOR_TARGET_CHAT_ID": "-1001",
	}
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(DefaultConfig(), LoadOptions{
		Environ:     baseEnv(),
		DefaultPath: filepath.Join(t.TempDir(), "absent.toml"),
	})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Token != "123:abc" || cfg.TargetChatID != -1001 {
		t.Errorf("required options not populated: %+v", cfg.Redacted())
	}
	if cfg.DBPath == "" {
		t.Error("DBPath not derived")
	}
}

func TestLoad_MissingRequiredOption(t *testing.T) {
	for _, key := range []string{"BOT_TOKEN", "LOR_TARGET_CHAT_ID"} {
		t.Run(key, func(t *testing.T) {
			environ := baseEnv()
			delete(environ, key)

			_, err := Load(DefaultConfig(), LoadOptions{
				Environ:     environ,
				DefaultPath: filepath.Join(t.TempDir(), "absent.toml"),
			})
			var cfgErr *Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Load() error = %v, want *Error", err)
			}
			if cfgErr.Option != key {
				t.Errorf("Option = %s, want %s", cfgErr.Option, key)
			}
		})
	}
}

// Integration test: precedence order (CLI > Env > File)
func TestLoad_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
token = "1:file"
target_chat_id = -5
workers = 3
log_level = "warn"
poll_interval = "9s"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Workers = 11 // set by --workers
	environ := map[string]string{
		"BOT_TOKEN":     "2:env",
		"WORKERS":       "6",
		"POLL_INTERVAL": "4s",
	}

	got, err := Load(cfg, LoadOptions{
		Changed:    map[string]bool{"workers": true},
		Environ:    environ,
		ConfigPath: path,
	})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if got.Workers != 11 {
		t.Errorf("Workers = %d, want 11 (flag should win)", got.Workers)
	}
	if got.Token != "2:env" {
		t.Errorf("Token = %s, want 2:env (env should override file)", got.Token)
	}
	if got.PollInterval != 4*time.Second {
		t.Errorf("PollInterval = %v, want 4s (env should override file)", got.PollInterval)
	}
	if got.TargetChatID != -5 {
		t.Errorf("TargetChatID = %d, want -5 (file should set)", got.TargetChatID)
	}
	if got.LogLevel != "warn" {
		t.Errorf("LogLevel = %s, want warn (file should set)", got.LogLevel)
	}
	if got.ConfigPath != path {
		t.Errorf("ConfigPath = %s, want %s", got.ConfigPath, path)
	}
}

func TestLoad_ExplicitConfigMissing(t *testing.T) {
	environ := baseEnv()
	environ["LORBOT_CONFIG"] = filepath.Join(t.TempDir(), "nope.toml")

	_, err := Load(DefaultConfig(), LoadOptions{Environ: environ})
	var cfgErr *Error
	if !errors.As(err, &cfgErr) || cfgErr.Option != "LORBOT_CONFIG" {
		t.Fatalf("Load() error = %v, want LORBOT_CONFIG *Error", err)
	}
}
