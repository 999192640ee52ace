package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dentalor/lorbot/internal/domain"
)

func TestRun_PreservesPerConversationOrder(t *testing.T) {
	const (
		conversations = 4
		perConv       = 40
	)

	tr := newFakeTransport()
	var (
		mu       sync.Mutex
		seen     = make(map[int64][]int64)
		inFlight = make(map[int64]*int32)
		overlap  atomic.Bool
		wg       sync.WaitGroup
	)
	for c := int64(1); c <= conversations; c++ {
		inFlight[c] = new(int32)
	}
	wg.Add(conversations * perConv)

	reg := NewRegistry()
	reg.Register("record", anyEvent(), func(_ context.Context, ev domain.Event) error {
		defer wg.Done()
		if atomic.AddInt32(inFlight[ev.Conversation], 1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(time.Duration(rand.Intn(300)) * time.Microsecond)
		mu.Lock()
		seen[ev.Conversation] = append(seen[ev.Conversation], ev.ID)
		mu.Unlock()
		atomic.AddInt32(inFlight[ev.Conversation], -1)
		return nil
	})

	want := make(map[int64][]int64)
	id := int64(0)
	for i := 0; i < perConv; i++ {
		for c := int64(1); c <= conversations; c++ {
			id++
			tr.events <- textEvent(id, c, "x")
			want[c] = append(want[c], id)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, New(Options{Workers: 3}), tr, reg)
	wg.Wait()
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if overlap.Load() {
		t.Error("two events of one conversation were handled concurrently")
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("handling order mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ConversationsRunConcurrently(t *testing.T) {
	tr := newFakeTransport()
	var arrived sync.WaitGroup
	arrived.Add(2)
	bothIn := make(chan struct{})
	go func() { arrived.Wait(); close(bothIn) }()

	reg := NewRegistry()
	reg.Register("block", anyEvent(), func(context.Context, domain.Event) error {
		arrived.Done()
		select {
		case <-bothIn:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("conversations were serialized")
		}
	})

	tr.events <- textEvent(1, 100, "a")
	tr.events <- textEvent(2, 200, "b")

	obs := &recordingObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, New(Options{Workers: 2, Observer: obs}), tr, reg)

	select {
	case <-bothIn:
	case <-time.After(3 * time.Second):
		t.Fatal("handlers of different conversations did not overlap")
	}
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	outcomes, _, _ := obs.snapshot()
	for _, o := range outcomes {
		if o.outcome != OutcomeOK {
			t.Errorf("outcome = %v, want ok", o)
		}
	}
}

func TestRun_WorkersBoundConcurrency(t *testing.T) {
	tr := newFakeTransport()
	var (
		current, peak atomic.Int32
		wg            sync.WaitGroup
	)
	wg.Add(6)

	reg := NewRegistry()
	reg.Register("count", anyEvent(), func(context.Context, domain.Event) error {
		defer wg.Done()
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	for i := int64(1); i <= 6; i++ {
		tr.events <- textEvent(i, i, "x")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, New(Options{Workers: 2}), tr, reg)
	wg.Wait()
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRun_HandlerErrorIsIsolated(t *testing.T) {
	tr := newFakeTransport()
	var wg sync.WaitGroup
	wg.Add(3)
	var handled []string
	var mu sync.Mutex

	reg := NewRegistry()
	reg.Register("fail", Text(regexp.MustCompile(`^fail$`)), func(context.Context, domain.Event) error {
		defer wg.Done()
		return errors.New("boom")
	})
	reg.Register("panic", Text(regexp.MustCompile(`^panic$`)), func(context.Context, domain.Event) error {
		defer wg.Done()
		panic("kaboom")
	})
	reg.Register("ok", anyEvent(), func(_ context.Context, ev domain.Event) error {
		defer wg.Done()
		mu.Lock()
		handled = append(handled, ev.Payload.Text)
		mu.Unlock()
		return nil
	})

	tr.events <- textEvent(1, 7, "fail")
	tr.events <- textEvent(2, 7, "panic")
	tr.events <- textEvent(3, 7, "after")

	obs := &recordingObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	d := New(Options{FailureNotice: "Произошла ошибка. Попробуйте ещё раз.", Observer: obs})
	done := runAsync(ctx, d, tr, reg)
	wg.Wait()
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if diff := cmp.Diff([]string{"after"}, handled); diff != "" {
		t.Errorf("handled mismatch (-want +got):\n%s", diff)
	}
	outcomes, _, _ := obs.snapshot()
	want := []outcomeRecord{{"fail", OutcomeError}, {"panic", OutcomePanic}, {"ok", OutcomeOK}}
	if diff := cmp.Diff(want, outcomes, cmp.AllowUnexported(outcomeRecord{})); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}

	sent := tr.sentPayloads()
	if len(sent) != 2 {
		t.Fatalf("sent %d notices, want 2", len(sent))
	}
	for _, s := range sent {
		if s.conversation != 7 {
			t.Errorf("notice sent to %d, want 7", s.conversation)
		}
		if txt, ok := s.payload.(domain.Text); !ok || txt.Body != "Произошла ошибка. Попробуйте ещё раз." {
			t.Errorf("notice payload = %#v", s.payload)
		}
	}
}

func TestRun_FailedCallbackIsAnswered(t *testing.T) {
	tr := newFakeTransport()
	reg := NewRegistry()
	handled := make(chan struct{})
	reg.Register("view", Callback(regexp.MustCompile(`^view:`)), func(context.Context, domain.Event) error {
		defer close(handled)
		return errors.New("boom")
	})

	tr.events <- domain.Event{
		ID:           1,
		Source:       4,
		Conversation: 4,
		Kind:         domain.KindCallback,
		Payload:      domain.Payload{CallbackID: "cb-1", CallbackData: "view:9"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, New(Options{FailureNotice: "oops"}), tr, reg)
	<-handled
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []sentPayload{
		{conversation: 4, payload: domain.CallbackAnswer{CallbackID: "cb-1"}},
		{conversation: 4, payload: domain.Text{Body: "oops"}},
	}
	if diff := cmp.Diff(want, tr.sentPayloads(), cmp.AllowUnexported(sentPayload{})); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_FatalHandlerErrorStopsLoop(t *testing.T) {
	tr := newFakeTransport()
	reg := NewRegistry()
	reg.Register("send", anyEvent(), func(context.Context, domain.Event) error {
		return &domain.AuthenticationError{Status: 401, Description: "Unauthorized"}
	})
	tr.events <- textEvent(1, 1, "x")

	err := waitErr(t, runAsync(context.Background(), New(Options{}), tr, reg))

	var authErr *domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Run() error = %v, want AuthenticationError", err)
	}
	var herr *domain.HandlerError
	if !errors.As(err, &herr) || herr.Handler != "send" || herr.EventID != 1 {
		t.Errorf("Run() error = %v, want HandlerError from send for event 1", err)
	}
}

func TestRun_FatalReceiveErrorStopsLoop(t *testing.T) {
	tr := newFakeTransport()
	reg := NewRegistry()
	reg.Register("noop", anyEvent(), func(context.Context, domain.Event) error { return nil })
	tr.errs <- domain.ErrTransportUnavailable

	err := waitErr(t, runAsync(context.Background(), New(Options{}), tr, reg))
	if !errors.Is(err, domain.ErrTransportUnavailable) {
		t.Fatalf("Run() error = %v, want ErrTransportUnavailable", err)
	}
}

func TestRun_TransientReceiveErrorContinues(t *testing.T) {
	tr := newFakeTransport()
	handled := make(chan struct{})
	reg := NewRegistry()
	reg.Register("noop", anyEvent(), func(context.Context, domain.Event) error { close(handled); return nil })

	tr.errs <- errors.New("temporary")
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, New(Options{}), tr, reg)
	tr.events <- textEvent(1, 1, "x")

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("event after transient error was not handled")
	}
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRun_ShutdownCompletesInFlightHandler(t *testing.T) {
	tr := newFakeTransport()
	started := make(chan struct{})
	release := make(chan struct{})
	var completed []int64
	var mu sync.Mutex

	reg := NewRegistry()
	reg.Register("slow", anyEvent(), func(ctx context.Context, ev domain.Event) error {
		if ev.ID == 1 {
			close(started)
			<-release
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.Lock()
		completed = append(completed, ev.ID)
		mu.Unlock()
		return nil
	})

	tr.events <- textEvent(1, 9, "first")
	tr.events <- textEvent(2, 9, "second")

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, New(Options{ShutdownTimeout: 5 * time.Second}), tr, reg)

	<-started
	// Let the second event reach the lane before shutdown.
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.events) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	cancel()
	close(release)

	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, completed); diff != "" {
		t.Errorf("completed mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_ShutdownTimeoutAbandonsQueued(t *testing.T) {
	tr := newFakeTransport()
	started := make(chan struct{})

	reg := NewRegistry()
	reg.Register("stuck", anyEvent(), func(ctx context.Context, ev domain.Event) error {
		if ev.ID == 1 {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	tr.events <- textEvent(1, 9, "first")
	tr.events <- textEvent(2, 9, "second")

	obs := &recordingObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, New(Options{ShutdownTimeout: 50 * time.Millisecond, Observer: obs}), tr, reg)

	<-started
	deadline := time.Now().Add(2 * time.Second)
	for len(tr.events) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := waitErr(t, done)
	if !errors.Is(err, domain.ErrShutdownTimeout) {
		t.Fatalf("Run() error = %v, want ErrShutdownTimeout", err)
	}
	if _, _, abandoned := obs.snapshot(); abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", abandoned)
	}
}

func TestRun_Unmatched(t *testing.T) {
	for _, mode := range []string{UnmatchedIgnore, UnmatchedLog} {
		t.Run(mode, func(t *testing.T) {
			tr := newFakeTransport()
			handled := make(chan struct{})
			reg := NewRegistry()
			reg.Register("start", Command("start"), func(context.Context, domain.Event) error {
				close(handled)
				return nil
			})

			tr.events <- domain.Event{ID: 1, Conversation: 1, Kind: domain.KindPhoto}
			tr.events <- domain.Event{ID: 2, Conversation: 1, Kind: domain.KindCommand, Payload: domain.Payload{Command: "start"}}

			obs := &recordingObserver{}
			ctx, cancel := context.WithCancel(context.Background())
			done := runAsync(ctx, New(Options{Unmatched: mode, Observer: obs, FailureNotice: "x"}), tr, reg)
			<-handled
			cancel()
			if err := waitErr(t, done); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			_, unmatched, _ := obs.snapshot()
			if diff := cmp.Diff([]domain.Kind{domain.KindPhoto}, unmatched); diff != "" {
				t.Errorf("unmatched mismatch (-want +got):\n%s", diff)
			}
			if n := len(tr.sentPayloads()); n != 0 {
				t.Errorf("sent %d messages for unmatched event, want 0", n)
			}
		})
	}
}

func TestRun_CorrelationID(t *testing.T) {
	tr := newFakeTransport()
	ids := make(chan string, 2)
	reg := NewRegistry()
	reg.Register("id", anyEvent(), func(ctx context.Context, _ domain.Event) error {
		ids <- CorrelationID(ctx)
		return nil
	})
	tr.events <- textEvent(1, 1, "a")
	tr.events <- textEvent(2, 1, "b")

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, New(Options{}), tr, reg)
	a, b := <-ids, <-ids
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(a) != 26 || len(b) != 26 {
		t.Errorf("correlation ids %q, %q: want 26-char ULIDs", a, b)
	}
	if a == b {
		t.Errorf("correlation ids are equal: %q", a)
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	tr := newFakeTransport()
	reg := NewRegistry()
	d := New(Options{})

	handled := make(chan struct{})
	reg.Register("noop", anyEvent(), func(context.Context, domain.Event) error { close(handled); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, d, tr, reg)
	tr.events <- textEvent(1, 1, "x")
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("first Run did not start")
	}
	if err := d.Run(context.Background(), tr, reg); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
	cancel()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
