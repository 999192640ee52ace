// Package configwatcher provides config file monitoring for lorbot.
// When enabled, it watches the TOML config file and re-applies the
// settings that can change at runtime.
package configwatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dentalor/lorbot/internal/app"
	"github.com/dentalor/lorbot/internal/config"
	"github.com/dentalor/lorbot/internal/ports"
)

// Error codes for config file issues.
const (
	ErrCodeFileNotFound     = "FILE_NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeReadError        = "READ_ERROR"
	ErrCodeApplyError       = "APPLY_ERROR"
)

// ApplyFunc receives the freshly parsed config file.
type ApplyFunc func(fc config.FileConfig) error

// Plugin implements config watching functionality.
type Plugin struct {
	mu sync.Mutex

	// Configuration
	debounceDelay time.Duration
	apply         ApplyFunc

	// Runtime state
	path     string
	logger   ports.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	debounce *time.Timer
	reloads  int
}

// Config holds configuration options for the config watcher plugin.
type Config struct {
	// DebounceDelay is the delay to wait after a file change before
	// reloading.
	// Default: 100 milliseconds
	DebounceDelay time.Duration

	// Apply is called with every successfully parsed version of the file.
	Apply ApplyFunc
}

// DefaultConfig returns a Config with sensible defaults and no Apply hook.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 100 * time.Millisecond,
	}
}

// New creates a new config watcher plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	return &Plugin{
		debounceDelay: cfg.DebounceDelay,
		apply:         cfg.Apply,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configwatcher"
}

// Initialize starts watching cfg.ConfigPath. Without a path or an Apply
// hook the plugin stays idle.
func (p *Plugin) Initialize(ctx context.Context, cfg app.PluginConfig) error {
	p.mu.Lock()
	p.path = cfg.ConfigPath
	p.logger = cfg.Logger
	p.mu.Unlock()

	if p.path == "" || p.apply == nil {
		p.logger.Warn("Config watcher disabled: no config file or apply hook")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("Config watcher plugin initialized", ports.String("path", p.path))

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)

	return nil
}

// Shutdown stops the config watcher.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reloads reports how many times the file was applied successfully.
func (p *Plugin) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	name := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.debounceReload(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("Config watcher: watcher error", ports.Err(err))
		}
	}
}

func (p *Plugin) debounceReload(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}

	p.debounce = time.AfterFunc(p.debounceDelay, func() {
		if ctx.Err() != nil {
			return
		}
		p.reload()
	})
}

func (p *Plugin) reload() {
	fc, err := config.LoadFileConfig(p.path)
	if err != nil {
		p.logger.Error("Config watcher: reload failed",
			ports.String("path", p.path),
			ports.String("code", errorToCode(err)),
			ports.Err(err),
		)
		return
	}
	if err := p.apply(fc); err != nil {
		p.logger.Error("Config watcher: apply failed",
			ports.String("path", p.path),
			ports.String("code", ErrCodeApplyError),
			ports.Err(err),
		)
		return
	}

	p.mu.Lock()
	p.reloads++
	p.mu.Unlock()
	p.logger.Info("Config watcher: configuration reloaded", ports.String("path", p.path))
}

func errorToCode(err error) string {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrCodeFileNotFound
	case errors.Is(err, os.ErrPermission):
		return ErrCodePermissionDenied
	default:
		return ErrCodeReadError
	}
}

// Ensure Plugin implements app.Plugin.
var _ app.Plugin = (*Plugin)(nil)
