package consult

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dentalor/lorbot/internal/adapters/sqlite"
	"github.com/dentalor/lorbot/internal/dispatch"
	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

const (
	testDentist = int64(100)
	testTarget  = int64(-500)
)

type sent struct {
	conversation int64
	payload      domain.Outbound
}

// fakeSender records payloads. fail, when set, may reject a payload before
// it is recorded.
type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail func(conversation int64, p domain.Outbound) error
}

func (f *fakeSender) Send(_ context.Context, conversation int64, p domain.Outbound) (domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(conversation, p); err != nil {
			return domain.SendResult{}, err
		}
	}
	f.sent = append(f.sent, sent{conversation: conversation, payload: p})
	return domain.SendResult{MessageIDs: []int64{int64(len(f.sent))}}, nil
}

func (f *fakeSender) to(conversation int64) []domain.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Outbound
	for _, s := range f.sent {
		if s.conversation == conversation {
			out = append(out, s.payload)
		}
	}
	return out
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// fakeFiles serves attachment contents by file id.
type fakeFiles struct {
	data map[string][]byte
}

func (f *fakeFiles) File(_ context.Context, fileID string) (ports.FileInfo, error) {
	b, ok := f.data[fileID]
	if !ok {
		return ports.FileInfo{}, errors.New("file is too big")
	}
	return ports.FileInfo{FileID: fileID, Size: int64(len(b)), Path: "files/" + fileID}, nil
}

func (f *fakeFiles) Download(_ context.Context, info ports.FileInfo, w io.Writer) error {
	_, err := io.Copy(w, bytes.NewReader(f.data[info.FileID]))
	return err
}

type recorder struct {
	methods []string
}

func (r *recorder) ConsultationSent(method string) { r.methods = append(r.methods, method) }

type harness struct {
	t        *testing.T
	bot      *Bot
	reg      *dispatch.Registry
	store    *sqlite.Store
	sender   *fakeSender
	files    *fakeFiles
	recorder *recorder
	nextID   int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		t:        t,
		store:    store,
		sender:   &fakeSender{},
		files:    &fakeFiles{data: map[string][]byte{}},
		recorder: &recorder{},
	}
	h.bot = New(Config{
		Store:      store,
		Sender:     h.sender,
		Files:      h.files,
		TargetChat: testTarget,
		Recorder:   h.recorder,
	})
	h.bot.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	h.reg = dispatch.NewRegistry()
	h.bot.Register(h.reg)
	h.reg.Seal()
	return h
}

// dispatch runs the handler bound to ev and returns its error.
func (h *harness) dispatch(ev domain.Event) error {
	h.t.Helper()
	h.nextID++
	ev.ID = h.nextID
	if ev.Source == 0 {
		ev.Source = testDentist
	}
	if ev.Conversation == 0 {
		ev.Conversation = ev.Source
	}
	b, ok := h.reg.Match(ev)
	if !ok {
		h.t.Fatalf("no handler for %+v", ev)
	}
	return b.Handler(context.Background(), ev)
}

func (h *harness) must(ev domain.Event) {
	h.t.Helper()
	if err := h.dispatch(ev); err != nil {
		h.t.Fatalf("handle %+v: %v", ev, err)
	}
}

// lastReply returns the last text sent back to the test dentist.
func (h *harness) lastReply() domain.Text {
	h.t.Helper()
	out := h.sender.to(testDentist)
	for i := len(out) - 1; i >= 0; i-- {
		if txt, ok := out[i].(domain.Text); ok {
			return txt
		}
	}
	h.t.Fatal("no text reply")
	return domain.Text{}
}

func textEvent(s string) domain.Event {
	return domain.Event{Kind: domain.KindMessage, Payload: domain.Payload{Text: s}}
}

func commandEvent(name, args string) domain.Event {
	return domain.Event{Kind: domain.KindCommand, Payload: domain.Payload{Text: "/" + name, Command: name, Args: args}}
}

func photoEvent(fileID string) domain.Event {
	return domain.Event{Kind: domain.KindPhoto, Payload: domain.Payload{
		Attachments: []domain.Attachment{{FileID: fileID, Type: domain.MediaPhoto}},
	}}
}

func documentEvent(fileID string) domain.Event {
	return domain.Event{Kind: domain.KindDocument, Payload: domain.Payload{
		Attachments: []domain.Attachment{{FileID: fileID, Type: domain.MediaDocument}},
	}}
}
