package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dentalor/lorbot/internal/dispatch"
	"github.com/dentalor/lorbot/internal/domain"
)

type fakeTransport struct {
	connectErr error
	// connecting, when set, is closed once Connect is entered; Connect
	// then blocks until its context is cancelled.
	connecting chan struct{}
	events     chan domain.Event
	errs       chan error

	mu     sync.Mutex
	closed int
	sent   []domain.Outbound
	log    *[]string
}

func newFakeTransport(log *[]string) *fakeTransport {
	return &fakeTransport{
		events: make(chan domain.Event, 16),
		errs:   make(chan error, 1),
		log:    log,
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.connecting != nil {
		close(f.connecting)
		<-ctx.Done()
	}
	return ctx.Err()
}

func (f *fakeTransport) Receive(ctx context.Context) (domain.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case err := <-f.errs:
		return domain.Event{}, err
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	}
}

func (f *fakeTransport) Send(_ context.Context, _ int64, p domain.Outbound) (domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return domain.SendResult{}, nil
}

func (f *fakeTransport) State() domain.ConnState { return domain.ConnConnected }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	if f.log != nil {
		*f.log = append(*f.log, "transport")
	}
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakePlugin and fakeCloser append to a shared log to record ordering.
// Start and release never overlap, so the log needs no lock.
type fakePlugin struct {
	name    string
	initErr error
	log     *[]string
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Initialize(context.Context, PluginConfig) error {
	if p.initErr != nil {
		return p.initErr
	}
	*p.log = append(*p.log, "init "+p.name)
	return nil
}

func (p *fakePlugin) Shutdown(context.Context) error {
	*p.log = append(*p.log, "shutdown "+p.name)
	return nil
}

type fakeCloser struct {
	name string
	log  *[]string
}

func (c *fakeCloser) Close() error {
	*c.log = append(*c.log, "close "+c.name)
	return nil
}

func waitDone(t *testing.T, s *Service) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not finish")
	}
}

func TestService_StartStop(t *testing.T) {
	var order []string
	tr := newFakeTransport(&order)
	emitter := &transitionLog{}

	handled := make(chan int64, 1)
	reg := dispatch.NewRegistry()
	reg.Register("echo", dispatch.Kind(domain.KindMessage), func(_ context.Context, ev domain.Event) error {
		handled <- ev.ID
		return nil
	})

	hookRan := false
	s := New(tr, reg,
		WithEventEmitter(emitter),
		WithPlugin(&fakePlugin{name: "a", log: &order}),
		WithPlugin(&fakePlugin{name: "b", log: &order}),
		WithCloser(&fakeCloser{name: "store", log: &order}),
		WithPostInit(func(context.Context) error { hookRan = true; return nil }),
		WithShutdownTimeout(time.Second),
	)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.Status(); got != StateRunning {
		t.Errorf("Status() = %v, want Running", got)
	}
	if err := s.Start(context.Background()); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if !hookRan {
		t.Error("post-init hook did not run")
	}

	tr.events <- domain.Event{ID: 5, Conversation: 1, Kind: domain.KindMessage}
	select {
	case id := <-handled:
		if id != 5 {
			t.Errorf("handled event %d, want 5", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event was not handled")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := s.Status(); got != StateStopped {
		t.Errorf("Status() = %v, want Stopped", got)
	}

	want := []string{"init a", "init b", "transport", "shutdown b", "shutdown a", "close store"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("resource order mismatch (-want +got):\n%s", diff)
	}

	wantStates := []State{StateConnecting, StateRunning, StateDraining, StateStopped}
	if diff := cmp.Diff(wantStates, emitter.states()); diff != "" {
		t.Errorf("state transitions mismatch (-want +got):\n%s", diff)
	}

	if err := s.Stop(); !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("Stop() after stop error = %v, want ErrNotRunning", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrServiceUsed) {
		t.Errorf("Start() after stop error = %v, want ErrServiceUsed", err)
	}
}

func TestService_StartAuthFailure(t *testing.T) {
	var order []string
	tr := newFakeTransport(&order)
	tr.connectErr = &domain.AuthenticationError{Status: 401, Description: "Unauthorized"}

	s := New(tr, dispatch.NewRegistry(),
		WithPlugin(&fakePlugin{name: "a", log: &order}),
		WithCloser(&fakeCloser{name: "store", log: &order}),
	)

	err := s.Start(context.Background())
	var authErr *domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Start() error = %v, want AuthenticationError", err)
	}
	if got := s.Status(); got != StateCrashed {
		t.Errorf("Status() = %v, want Crashed", got)
	}
	waitDone(t, s)
	if !errors.As(s.Err(), &authErr) {
		t.Errorf("Err() = %v, want AuthenticationError", s.Err())
	}
	if diff := cmp.Diff([]string{"transport", "close store"}, order); diff != "" {
		t.Errorf("released resources mismatch (-want +got):\n%s", diff)
	}
}

func TestService_PluginInitFailure(t *testing.T) {
	var order []string
	tr := newFakeTransport(&order)
	boom := errors.New("boom")

	s := New(tr, dispatch.NewRegistry(),
		WithPlugin(&fakePlugin{name: "a", log: &order}),
		WithPlugin(&fakePlugin{name: "b", initErr: boom, log: &order}),
	)

	if err := s.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want boom", err)
	}
	if diff := cmp.Diff([]string{"init a", "transport", "shutdown a"}, order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestService_FatalErrorCrashes(t *testing.T) {
	tr := newFakeTransport(nil)
	s := New(tr, dispatch.NewRegistry())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	tr.errs <- domain.ErrTransportUnavailable

	waitDone(t, s)
	if !errors.Is(s.Err(), domain.ErrTransportUnavailable) {
		t.Errorf("Err() = %v, want ErrTransportUnavailable", s.Err())
	}
	if got := s.Status(); got != StateCrashed {
		t.Errorf("Status() = %v, want Crashed", got)
	}
	if got := tr.closeCount(); got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}
}

func TestService_StopWaitsForInFlightHandler(t *testing.T) {
	tr := newFakeTransport(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var handlerCtxErr error

	reg := dispatch.NewRegistry()
	reg.Register("slow", dispatch.Kind(domain.KindMessage), func(ctx context.Context, _ domain.Event) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		finished = true
		return nil
	})

	s := New(tr, reg, WithShutdownTimeout(5*time.Second))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	tr.events <- domain.Event{ID: 1, Conversation: 3, Kind: domain.KindMessage}
	<-started

	stopErr := make(chan error, 1)
	go func() { stopErr <- s.Stop() }()

	// Stop must not return while the handler is still running.
	select {
	case err := <-stopErr:
		t.Fatalf("Stop() returned %v before the handler finished", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
	if !finished {
		t.Error("in-flight handler did not finish")
	}
	if handlerCtxErr != nil {
		t.Errorf("handler context error = %v, want nil during drain", handlerCtxErr)
	}
	if got := s.Status(); got != StateStopped {
		t.Errorf("Status() = %v, want Stopped", got)
	}
}

func TestService_ParentContextCancel(t *testing.T) {
	tr := newFakeTransport(nil)
	s := New(tr, dispatch.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	waitDone(t, s)
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if got := s.Status(); got != StateStopped {
		t.Errorf("Status() = %v, want Stopped", got)
	}
}
