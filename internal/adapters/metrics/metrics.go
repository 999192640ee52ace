// Package metrics exposes bot runtime statistics as Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dentalor/lorbot/internal/app"
	"github.com/dentalor/lorbot/internal/dispatch"
	"github.com/dentalor/lorbot/internal/domain"
)

const namespace = "lorbot"

// Recorder implements the observer hooks of the transport, the dispatcher
// and the lifecycle.
type Recorder struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer

	eventsTotal       *prometheus.CounterVec
	unmatchedTotal    *prometheus.CounterVec
	handlerTotal      *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	abandonedTotal    prometheus.Counter
	reconnectsTotal   prometheus.Counter
	reconnectWait     prometheus.Histogram
	transportState    *prometheus.GaugeVec
	lifecycleState    *prometheus.GaugeVec
	consultationsSent *prometheus.CounterVec
}

var (
	_ dispatch.Observer = (*Recorder)(nil)
	_ app.EventEmitter  = (*Recorder)(nil)
)

// New creates a recorder. A nil registerer selects the default registry.
func New(registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Recorder{
		registerer: registerer,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound events received from the transport.",
		}, []string{"kind"}),
		unmatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unmatched_total",
			Help:      "Inbound events no handler matched.",
		}, []string{"kind"}),
		handlerTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "invocations_total",
			Help:      "Handler invocations by outcome.",
		}, []string{"handler", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handler",
			Name:      "duration_seconds",
			Help:      "Handler run time.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"handler"}),
		abandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_abandoned_total",
			Help:      "Received events dropped because the shutdown drain timed out.",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Failed transport attempts followed by a backoff.",
		}),
		reconnectWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "backoff_seconds",
			Help:      "Backoff waits before reconnecting.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		lifecycleState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "1 for the current service state, 0 otherwise.",
		}, []string{"state"}),
		consultationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consultations_sent_total",
			Help:      "Consultations delivered to the target chat, by delivery method.",
		}, []string{"method"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (r *Recorder) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{
		r.eventsTotal,
		r.unmatchedTotal,
		r.handlerTotal,
		r.handlerDuration,
		r.abandonedTotal,
		r.reconnectsTotal,
		r.reconnectWait,
		r.transportState,
		r.lifecycleState,
		r.consultationsSent,
	} {
		if err := r.registerer.Register(c); err != nil {
			return err
		}
	}
	r.registered = true
	return nil
}

// EventReceived implements dispatch.Observer.
func (r *Recorder) EventReceived(kind domain.Kind) {
	r.eventsTotal.WithLabelValues(string(kind)).Inc()
}

// EventUnmatched implements dispatch.Observer.
func (r *Recorder) EventUnmatched(kind domain.Kind) {
	r.unmatchedTotal.WithLabelValues(string(kind)).Inc()
}

// HandlerDone implements dispatch.Observer.
func (r *Recorder) HandlerDone(handler string, outcome dispatch.Outcome, elapsed time.Duration) {
	r.handlerTotal.WithLabelValues(handler, string(outcome)).Inc()
	r.handlerDuration.WithLabelValues(handler).Observe(elapsed.Seconds())
}

// EventsAbandoned implements dispatch.Observer.
func (r *Recorder) EventsAbandoned(n int) {
	r.abandonedTotal.Add(float64(n))
}

var connStates = []domain.ConnState{
	domain.ConnDisconnected,
	domain.ConnConnecting,
	domain.ConnConnected,
	domain.ConnBackingOff,
}

// OnConnState implements telegram.Observer.
func (r *Recorder) OnConnState(state domain.ConnState) {
	for _, s := range connStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.transportState.WithLabelValues(s.String()).Set(v)
	}
}

// OnReconnect implements telegram.Observer.
func (r *Recorder) OnReconnect(_ int, wait time.Duration) {
	r.reconnectsTotal.Inc()
	r.reconnectWait.Observe(wait.Seconds())
}

var lifecycleStates = []app.State{
	app.StateStopped,
	app.StateConnecting,
	app.StateRunning,
	app.StateDraining,
	app.StateCrashed,
}

// OnStateChange implements app.EventEmitter.
func (r *Recorder) OnStateChange(t app.Transition) {
	for _, s := range lifecycleStates {
		v := 0.0
		if s == t.To {
			v = 1
		}
		r.lifecycleState.WithLabelValues(s.String()).Set(v)
	}
}

// ConsultationSent counts a delivered consultation. Method is "archive" or
// "media_group".
func (r *Recorder) ConsultationSent(method string) {
	r.consultationsSent.WithLabelValues(method).Inc()
}
