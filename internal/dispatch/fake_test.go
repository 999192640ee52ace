package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/dentalor/lorbot/internal/domain"
)

func anyEvent() Pattern {
	return PatternFunc(func(domain.Event) bool { return true })
}

// fakeTransport feeds events from a channel and records sends.
type fakeTransport struct {
	events chan domain.Event
	errs   chan error

	mu      sync.Mutex
	sent    []sentPayload
	sendErr error
}

type sentPayload struct {
	conversation int64
	payload      domain.Outbound
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan domain.Event, 1024),
		errs:   make(chan error, 1),
	}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

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

func (f *fakeTransport) Send(_ context.Context, conversation int64, payload domain.Outbound) (domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return domain.SendResult{}, f.sendErr
	}
	f.sent = append(f.sent, sentPayload{conversation: conversation, payload: payload})
	return domain.SendResult{MessageIDs: []int64{int64(len(f.sent))}}, nil
}

func (f *fakeTransport) State() domain.ConnState { return domain.ConnConnected }
func (f *fakeTransport) Close() error            { return nil }

func (f *fakeTransport) sentPayloads() []sentPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPayload(nil), f.sent...)
}

type outcomeRecord struct {
	handler string
	outcome Outcome
}

type recordingObserver struct {
	mu        sync.Mutex
	received  int
	unmatched []domain.Kind
	outcomes  []outcomeRecord
	abandoned int
}

func (o *recordingObserver) EventReceived(domain.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received++
}

func (o *recordingObserver) EventUnmatched(kind domain.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unmatched = append(o.unmatched, kind)
}

func (o *recordingObserver) HandlerDone(handler string, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcomeRecord{handler, outcome})
}

func (o *recordingObserver) EventsAbandoned(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.abandoned += n
}

func (o *recordingObserver) snapshot() ([]outcomeRecord, []domain.Kind, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]outcomeRecord(nil), o.outcomes...), append([]domain.Kind(nil), o.unmatched...), o.abandoned
}

func textEvent(id, conv int64, text string) domain.Event {
	return domain.Event{
		ID:           id,
		Source:       conv,
		Conversation: conv,
		Kind:         domain.KindMessage,
		Payload:      domain.Payload{Text: text},
	}
}

// runAsync starts d.Run in a goroutine and returns a channel with its result.
func runAsync(ctx context.Context, d *Dispatcher, t *fakeTransport, reg *Registry) <-chan error {
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, t, reg) }()
	return done
}

func waitErr(tb interface {
	Helper()
	Fatal(...any)
}, ch <-chan error) error {
	tb.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		tb.Fatal("Run did not return")
		return nil
	}
}
