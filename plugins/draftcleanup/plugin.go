// Package draftcleanup provides automatic removal of abandoned drafts.
// When enabled, it periodically deletes consultation drafts nobody has
// touched for longer than the configured age.
package draftcleanup

import (
	"context"
	"sync"
	"time"

	"github.com/dentalor/lorbot/internal/app"
	"github.com/dentalor/lorbot/internal/ports"
)

// Purger deletes drafts last saved before cutoff.
type Purger interface {
	PurgeDrafts(ctx context.Context, cutoff time.Time) (int64, error)
}

// Plugin implements draft cleanup functionality.
type Plugin struct {
	mu sync.RWMutex

	// Configuration
	checkInterval  time.Duration
	maxAge         time.Duration
	runImmediately bool
	purger         Purger
	now            func() time.Time

	// Runtime state
	logger ports.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	purged int64
}

// Config holds configuration options for the draft cleanup plugin.
type Config struct {
	// CheckInterval is how often stale drafts are looked for.
	// Default: 6 hours
	CheckInterval time.Duration

	// MaxAge is the age after which an untouched draft is removed.
	// Zero disables the plugin.
	MaxAge time.Duration

	// RunImmediately if true, runs a cleanup on startup.
	RunImmediately bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:  6 * time.Hour,
		MaxAge:         30 * 24 * time.Hour,
		RunImmediately: true,
	}
}

// New creates a new draft cleanup plugin removing drafts through purger.
func New(purger Purger, cfg Config) *Plugin {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 6 * time.Hour
	}
	return &Plugin{
		checkInterval:  cfg.CheckInterval,
		maxAge:         cfg.MaxAge,
		runImmediately: cfg.RunImmediately,
		purger:         purger,
		now:            time.Now,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "draftcleanup"
}

// Initialize starts the cleanup loop.
func (p *Plugin) Initialize(ctx context.Context, cfg app.PluginConfig) error {
	p.mu.Lock()
	p.logger = cfg.Logger
	p.mu.Unlock()

	if p.maxAge <= 0 || p.purger == nil {
		p.logger.Warn("Draft cleanup disabled: no max age configured")
		return nil
	}

	cleanupCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("Draft cleanup plugin initialized",
		ports.Duration("max_age", p.maxAge),
		ports.Duration("interval", p.checkInterval),
	)

	p.wg.Add(1)
	go p.cleanupLoop(cleanupCtx)

	return nil
}

// Shutdown stops the cleanup loop.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

// Purged reports how many drafts were removed so far.
func (p *Plugin) Purged() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.purged
}

func (p *Plugin) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	if p.runImmediately {
		p.cleanupOnce(ctx)
	}

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanupOnce(ctx)
		}
	}
}

// cleanupOnce performs a single cleanup pass.
func (p *Plugin) cleanupOnce(ctx context.Context) {
	cutoff := p.now().Add(-p.maxAge)
	n, err := p.purger.PurgeDrafts(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Draft cleanup: purge failed", ports.Err(err))
		}
		return
	}
	if n == 0 {
		return
	}

	p.mu.Lock()
	p.purged += n
	p.mu.Unlock()
	p.logger.Info("Draft cleanup completed", ports.Int64("removed", n))
}

// Ensure Plugin implements app.Plugin.
var _ app.Plugin = (*Plugin)(nil)
