// Package app supervises the bot: it connects the transport, runs the
// dispatcher and releases every resource when the run ends.
package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	logAdapter "github.com/dentalor/lorbot/internal/adapters/log"
	"github.com/dentalor/lorbot/internal/dispatch"
	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

// ErrServiceUsed is returned by Start on a service whose resources were
// already released by a previous run.
var ErrServiceUsed = errors.New("lorbot: service already ran")

// stopGrace is added to the drain budget while Stop waits for the run to
// finish releasing resources.
const stopGrace = 5 * time.Second

// Option configures a Service.
type Option func(*options)

type options struct {
	logger          ports.Logger
	emitter         EventEmitter
	plugins         []Plugin
	closers         []io.Closer
	postInit        []func(ctx context.Context) error
	dispatch        dispatch.Options
	shutdownTimeout time.Duration
	pluginConfig    PluginConfig
}

// WithLogger sets the service logger.
func WithLogger(logger ports.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventEmitter reports lifecycle transitions to emitter.
func WithEventEmitter(emitter EventEmitter) Option {
	return func(o *options) { o.emitter = emitter }
}

// WithPlugin registers a plugin.
func WithPlugin(p Plugin) Option {
	return func(o *options) { o.plugins = append(o.plugins, p) }
}

// WithCloser registers a resource closed after the transport when the run
// ends. Closers run in reverse registration order.
func WithCloser(c io.Closer) Option {
	return func(o *options) { o.closers = append(o.closers, c) }
}

// WithPostInit registers a hook that runs once the transport is connected,
// before dispatching starts. Hook errors are logged and ignored.
func WithPostInit(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.postInit = append(o.postInit, fn) }
}

// WithDispatchOptions configures the dispatcher.
func WithDispatchOptions(opts dispatch.Options) Option {
	return func(o *options) { o.dispatch = opts }
}

// WithShutdownTimeout bounds the drain on Stop.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithConfigPath tells plugins which config file is in use.
func WithConfigPath(path string) Option {
	return func(o *options) { o.pluginConfig.ConfigPath = path }
}

// Service runs the bot until stopped or a fatal error occurs.
type Service struct {
	opts       options
	lifecycle  *lifecycle
	transport  ports.Transport
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	logger     ports.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	err         error
	initialized []Plugin
	released    bool
}

// New creates a stopped service.
func New(transport ports.Transport, registry *dispatch.Registry, opts ...Option) *Service {
	o := options{shutdownTimeout: ShutdownTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logAdapter.NewNoopLogger()
	}
	if o.shutdownTimeout <= 0 {
		o.shutdownTimeout = ShutdownTimeout
	}
	o.pluginConfig.Logger = o.logger
	o.dispatch.ShutdownTimeout = o.shutdownTimeout
	if o.dispatch.Logger == nil {
		o.dispatch.Logger = o.logger
	}

	done := make(chan struct{})
	close(done)

	return &Service{
		opts:       o,
		lifecycle:  newLifecycle(o.logger, o.emitter),
		transport:  transport,
		registry:   registry,
		dispatcher: dispatch.New(o.dispatch),
		logger:     o.logger,
		done:       done,
	}
}

// Start connects the transport, initializes plugins and starts dispatching
// in the background. Connection failures are returned and leave the
// service Crashed with all resources released.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrServiceUsed
	}
	if !s.lifecycle.is(StateStopped) {
		s.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	if err := s.lifecycle.move(StateConnecting, "start", nil); err != nil {
		s.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	s.mu.Unlock()

	if err := s.transport.Connect(runCtx); err != nil {
		return s.abortStart(err, "transport connect failed")
	}

	for _, p := range s.opts.plugins {
		if err := p.Initialize(runCtx, s.opts.pluginConfig); err != nil {
			s.logger.Error("plugin initialization failed",
				ports.String("plugin", p.Name()),
				ports.Err(err),
			)
			return s.abortStart(err, "plugin init failed: "+p.Name())
		}
		s.mu.Lock()
		s.initialized = append(s.initialized, p)
		s.mu.Unlock()
		s.logger.Info("plugin initialized", ports.String("plugin", p.Name()))
	}

	for _, hook := range s.opts.postInit {
		if err := hook(runCtx); err != nil {
			s.logger.Warn("post-init hook failed", ports.Err(err))
		}
	}

	s.mu.Lock()
	if err := s.lifecycle.move(StateRunning, "transport connected", nil); err != nil {
		// Stop was called while connecting.
		s.mu.Unlock()
		return s.abortStart(runCtx.Err(), "stopped while connecting")
	}
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// abortStart releases resources after a failed start.
func (s *Service) abortStart(err error, reason string) error {
	s.cancelRun()
	s.release()

	if s.lifecycle.is(StateDraining) {
		_ = s.lifecycle.move(StateStopped, "stopped while connecting", nil)
	} else {
		_ = s.lifecycle.move(StateCrashed, reason, err)
	}
	s.finish(err)
	return err
}

func (s *Service) run(ctx context.Context) {
	err := s.dispatcher.Run(ctx, s.transport, s.registry)
	s.cancelRun()

	switch {
	case err == nil:
		// Dispatcher has drained; a parent cancellation skips Stop.
		_ = s.lifecycle.move(StateDraining, "receive cancelled", nil)
		s.release()
		_ = s.lifecycle.move(StateStopped, "drained", nil)
	case errors.Is(err, domain.ErrShutdownTimeout):
		s.release()
		_ = s.lifecycle.move(StateCrashed, "drain abandoned handlers", err)
	default:
		s.logger.Error("service crashed",
			ports.String("transport", s.transport.State().String()),
			ports.Err(err),
		)
		s.release()
		_ = s.lifecycle.move(StateCrashed, "fatal error", err)
	}
	s.finish(err)
}

func (s *Service) cancelRun() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	close(s.done)
}

// release closes the transport, shuts plugins down in reverse order and
// runs the closers. It runs once per service.
func (s *Service) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	plugins := s.initialized
	s.initialized = nil
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		s.logger.Warn("transport close failed", ports.Err(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if err := p.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("plugin shutdown failed", ports.String("plugin", p.Name()), ports.Err(err))
		} else {
			s.logger.Info("plugin shutdown complete", ports.String("plugin", p.Name()))
		}
	}

	for i := len(s.opts.closers) - 1; i >= 0; i-- {
		if err := s.opts.closers[i].Close(); err != nil {
			s.logger.Warn("close failed", ports.Err(err))
		}
	}
}

// Stop cancels receiving, waits for in-flight handlers within the shutdown
// timeout and releases resources. It returns nil after a clean stop and
// an error wrapping domain.ErrShutdownTimeout when handlers had to be
// abandoned.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.lifecycle.is(StateConnecting, StateRunning) {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	if err := s.lifecycle.move(StateDraining, "stop requested", nil); err != nil {
		// The run crashed concurrently.
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	done := s.done
	s.mu.Unlock()

	s.cancelRun()

	wait := s.opts.shutdownTimeout + stopGrace
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("run did not finish, giving up", ports.Duration("timeout", wait))
		return domain.ErrShutdownTimeout
	}

	err := s.Err()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Status returns the lifecycle state. Safe for concurrent use.
func (s *Service) Status() State {
	return s.lifecycle.current()
}

// Done is closed when the current run has ended and resources are released.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error that ended the last run, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
