// Package dispatch routes inbound events to registered handlers.
//
// Events of one conversation are handled strictly in arrival order, one at
// a time. Different conversations proceed concurrently, bounded by the
// worker limit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	logAdapter "github.com/dentalor/lorbot/internal/adapters/log"
	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

// Defaults for Options.
const (
	DefaultWorkers         = 16
	DefaultShutdownTimeout = 30 * time.Second
)

// Actions for events no handler matches.
const (
	UnmatchedIgnore = "ignore"
	UnmatchedLog    = "log"
)

// Outcome labels a finished handler invocation.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
	OutcomePanic Outcome = "panic"
)

// Observer receives dispatch events, e.g. for metrics. Implementations
// must be safe for concurrent use.
type Observer interface {
	EventReceived(kind domain.Kind)
	EventUnmatched(kind domain.Kind)
	HandlerDone(handler string, outcome Outcome, elapsed time.Duration)
	EventsAbandoned(n int)
}

// Options configures a Dispatcher.
type Options struct {
	// Workers bounds the number of conversations handled at once.
	Workers int

	// ShutdownTimeout bounds the drain of received events on stop.
	ShutdownTimeout time.Duration

	// Unmatched is UnmatchedIgnore or UnmatchedLog.
	Unmatched string

	// FailureNotice is sent to the conversation when a handler fails.
	// Empty disables the notice.
	FailureNotice string

	Logger   ports.Logger
	Observer Observer
}

// Dispatcher runs the receive loop. A Dispatcher runs at most once at a
// time.
type Dispatcher struct {
	opts   Options
	logger ports.Logger
	sem    chan struct{}

	mu        sync.Mutex
	running   bool
	lanes     map[int64]*lane
	abandon   bool
	fatal     error
	stopRecv  context.CancelFunc
	wg        sync.WaitGroup
	abandoned int
}

// lane is the FIFO of one conversation. It exists while it has work.
type lane struct {
	queue []domain.Event
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Unmatched == "" {
		opts.Unmatched = UnmatchedLog
	}
	logger := opts.Logger
	if logger == nil {
		logger = logAdapter.NewNoopLogger()
	}
	return &Dispatcher{
		opts:   opts,
		logger: logger,
		sem:    make(chan struct{}, opts.Workers),
	}
}

// Run receives events from t until ctx is cancelled or a fatal error occurs,
// dispatching each to the first matching binding of reg. The registry is
// sealed on entry.
//
// On cancellation Run stops receiving and lets already received events
// finish, on a context that outlives ctx, for up to ShutdownTimeout. It
// returns nil after a clean drain, an error wrapping
// domain.ErrShutdownTimeout if the drain was cut short, or the fatal error
// that stopped the loop.
func (d *Dispatcher) Run(ctx context.Context, t ports.Transport, reg *Registry) error {
	recvCtx, stopRecv := context.WithCancel(ctx)
	defer stopRecv()
	handlerCtx, stopHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHandlers()

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	d.running = true
	d.lanes = make(map[int64]*lane)
	d.abandon = false
	d.fatal = nil
	d.abandoned = 0
	d.stopRecv = stopRecv
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	reg.Seal()
	d.logger.Info("dispatcher started",
		ports.Int("handlers", reg.Len()),
		ports.Int("workers", d.opts.Workers),
	)

	for {
		ev, err := t.Receive(recvCtx)
		if err != nil {
			if recvCtx.Err() != nil {
				break
			}
			if domain.IsFatal(err) {
				d.setFatal(err)
				break
			}
			d.logger.Warn("receive failed", ports.Err(err))
			continue
		}
		if d.opts.Observer != nil {
			d.opts.Observer.EventReceived(ev.Kind)
		}
		d.enqueue(handlerCtx, t, reg, ev)
	}

	drainErr := d.drain(stopHandlers)

	d.mu.Lock()
	fatal := d.fatal
	d.mu.Unlock()
	if fatal != nil {
		d.logger.Error("dispatcher stopped on fatal error", ports.Err(fatal))
		return fatal
	}
	if drainErr != nil {
		return drainErr
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

// setFatal records the first fatal error and stops receiving.
func (d *Dispatcher) setFatal(err error) {
	d.mu.Lock()
	if d.fatal == nil {
		d.fatal = err
	}
	stop := d.stopRecv
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, t ports.Transport, reg *Registry, ev domain.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lanes[ev.Conversation]; ok {
		l.queue = append(l.queue, ev)
		return
	}
	l := &lane{queue: []domain.Event{ev}}
	d.lanes[ev.Conversation] = l
	d.wg.Add(1)
	go d.runLane(ctx, t, reg, ev.Conversation, l)
}

// runLane handles the events of one conversation in order and removes the
// lane once its queue is empty.
func (d *Dispatcher) runLane(ctx context.Context, t ports.Transport, reg *Registry, conv int64, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if d.abandon {
			d.abandonLocked(conv, l.queue)
			delete(d.lanes, conv)
			d.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			delete(d.lanes, conv)
			d.mu.Unlock()
			return
		}
		ev := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.mu.Lock()
			d.abandonLocked(conv, append([]domain.Event{ev}, l.queue...))
			delete(d.lanes, conv)
			d.mu.Unlock()
			return
		}
		d.handle(ctx, t, reg, ev)
		<-d.sem
	}
}

func (d *Dispatcher) abandonLocked(conv int64, events []domain.Event) {
	for _, ev := range events {
		d.abandoned++
		d.logger.Warn("event abandoned",
			ports.Int64("event_id", ev.ID),
			ports.Int64("conversation", conv),
			ports.String("kind", string(ev.Kind)),
		)
	}
}

// drain waits for lanes to empty. After ShutdownTimeout it cancels handler
// contexts and abandons queued events.
func (d *Dispatcher) drain(stopHandlers context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	d.mu.Lock()
	pending := 0
	for _, l := range d.lanes {
		pending += len(l.queue)
	}
	active := len(d.lanes)
	d.mu.Unlock()
	if active > 0 {
		d.logger.Info("draining",
			ports.Int("conversations", active),
			ports.Int("queued", pending),
			ports.Duration("timeout", d.opts.ShutdownTimeout),
		)
	}

	timer := time.NewTimer(d.opts.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	d.mu.Lock()
	d.abandon = true
	d.mu.Unlock()
	stopHandlers()

	// Handlers that honour their context return promptly.
	select {
	case <-done:
	case <-time.After(time.Second):
	}

	d.mu.Lock()
	n := d.abandoned
	d.mu.Unlock()
	if d.opts.Observer != nil && n > 0 {
		d.opts.Observer.EventsAbandoned(n)
	}
	d.logger.Warn("drain timed out",
		ports.Duration("timeout", d.opts.ShutdownTimeout),
		ports.Int("abandoned", n),
	)
	return fmt.Errorf("%w: %d events abandoned", domain.ErrShutdownTimeout, n)
}

func (d *Dispatcher) handle(ctx context.Context, t ports.Transport, reg *Registry, ev domain.Event) {
	id := ulid.Make().String()
	ctx = WithCorrelationID(ctx, id)

	b, ok := reg.Match(ev)
	if !ok {
		d.unmatched(id, ev)
		return
	}

	start := time.Now()
	panicked, err := d.invoke(ctx, b, ev)
	elapsed := time.Since(start)

	outcome := OutcomeOK
	switch {
	case panicked:
		outcome = OutcomePanic
	case err != nil:
		outcome = OutcomeError
	}
	if d.opts.Observer != nil {
		d.opts.Observer.HandlerDone(b.Name, outcome, elapsed)
	}

	if err == nil {
		d.logger.Debug("event handled",
			ports.String("correlation_id", id),
			ports.String("handler", b.Name),
			ports.Duration("elapsed", elapsed),
		)
		return
	}

	herr := &domain.HandlerError{Handler: b.Name, EventID: ev.ID, Err: err}
	if domain.IsFatal(err) {
		d.setFatal(herr)
		return
	}

	d.logger.Error("handler failed",
		ports.String("correlation_id", id),
		ports.String("handler", b.Name),
		ports.Int64("event_id", ev.ID),
		ports.Int64("conversation", ev.Conversation),
		ports.Err(herr),
	)
	d.notifyFailure(ctx, t, ev)
}

// invoke runs the handler, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, b Binding, ev domain.Event) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				ports.String("handler", b.Name),
				ports.Any("panic", r),
				ports.String("stack", string(debug.Stack())),
			)
			panicked = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return false, b.Handler(ctx, ev)
}

func (d *Dispatcher) notifyFailure(ctx context.Context, t ports.Transport, ev domain.Event) {
	if ev.Kind == domain.KindCallback && ev.Payload.CallbackID != "" {
		// Stops the client spinner on the pressed button.
		_, err := t.Send(ctx, ev.Conversation, domain.CallbackAnswer{CallbackID: ev.Payload.CallbackID})
		if err != nil && domain.IsFatal(err) {
			d.setFatal(err)
			return
		}
		if err != nil {
			d.logger.Debug("callback answer not delivered", ports.String("callback_id", ev.Payload.CallbackID), ports.Err(err))
		}
	}
	if d.opts.FailureNotice == "" || ev.Conversation == 0 {
		return
	}
	_, err := t.Send(ctx, ev.Conversation, domain.Text{Body: d.opts.FailureNotice})
	if err == nil {
		return
	}
	if domain.IsFatal(err) {
		d.setFatal(err)
		return
	}
	if !errors.Is(err, context.Canceled) {
		d.logger.Warn("failure notice not delivered", ports.Int64("conversation", ev.Conversation), ports.Err(err))
	}
}

func (d *Dispatcher) unmatched(id string, ev domain.Event) {
	if d.opts.Observer != nil {
		d.opts.Observer.EventUnmatched(ev.Kind)
	}
	fields := []ports.Field{
		ports.String("correlation_id", id),
		ports.Int64("event_id", ev.ID),
		ports.Int64("conversation", ev.Conversation),
		ports.String("kind", string(ev.Kind)),
	}
	if d.opts.Unmatched == UnmatchedIgnore {
		d.logger.Debug("unmatched event ignored", fields...)
		return
	}
	d.logger.Info("unmatched event", fields...)
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying the event correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id of the event being handled.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
