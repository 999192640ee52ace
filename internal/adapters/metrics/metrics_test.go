package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	logAdapter "github.com/dentalor/lorbot/internal/adapters/log"
	"github.com/dentalor/lorbot/internal/app"
	"github.com/dentalor/lorbot/internal/dispatch"
	"github.com/dentalor/lorbot/internal/domain"
)

func newRecorder(t *testing.T) (*Recorder, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	r := New(reg)
	if err := r.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
	return r, reg
}

func TestRecorder_DispatchCounters(t *testing.T) {
	r, _ := newRecorder(t)

	r.EventReceived(domain.KindCommand)
	r.EventReceived(domain.KindCommand)
	r.EventUnmatched(domain.KindPhoto)
	r.HandlerDone("start", dispatch.OutcomeOK, 20*time.Millisecond)
	r.HandlerDone("start", dispatch.OutcomeError, time.Millisecond)
	r.EventsAbandoned(3)

	if got := testutil.ToFloat64(r.eventsTotal.WithLabelValues("command")); got != 2 {
		t.Errorf("events_received_total{kind=command} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.unmatchedTotal.WithLabelValues("photo")); got != 1 {
		t.Errorf("events_unmatched_total{kind=photo} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.handlerTotal.WithLabelValues("start", "error")); got != 1 {
		t.Errorf("invocations_total{start,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.abandonedTotal); got != 3 {
		t.Errorf("events_abandoned_total = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(r.handlerDuration); got != 1 {
		t.Errorf("handler duration series = %d, want 1", got)
	}
}

func TestRecorder_States(t *testing.T) {
	r, _ := newRecorder(t)

	r.OnConnState(domain.ConnConnecting)
	r.OnConnState(domain.ConnBackingOff)
	r.OnReconnect(1, 500*time.Millisecond)
	r.OnStateChange(app.Transition{From: app.StateConnecting, To: app.StateRunning, Reason: "transport connected"})

	if got := testutil.ToFloat64(r.transportState.WithLabelValues("backing-off")); got != 1 {
		t.Errorf("transport_state{backing-off} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.transportState.WithLabelValues("connecting")); got != 0 {
		t.Errorf("transport_state{connecting} = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.reconnectsTotal); got != 1 {
		t.Errorf("reconnects_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.lifecycleState.WithLabelValues("running")); got != 1 {
		t.Errorf("lifecycle_state{running} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.lifecycleState.WithLabelValues("connecting")); got != 0 {
		t.Errorf("lifecycle_state{connecting} = %v, want 0", got)
	}

	r.ConsultationSent("archive")
	if got := testutil.ToFloat64(r.consultationsSent.WithLabelValues("archive")); got != 1 {
		t.Errorf("consultations_sent_total{archive} = %v, want 1", got)
	}
}

func TestServer_ServesMetrics(t *testing.T) {
	r, reg := newRecorder(t)
	r.EventReceived(domain.KindMessage)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), reg, logAdapter.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `lorbot_events_received_total{kind="message"} 1`) {
		t.Errorf("metrics body missing counter:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
