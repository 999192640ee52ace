package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dentalor/lorbot/internal/ports"
)

// ShutdownTimeout is the default drain budget on Stop.
const ShutdownTimeout = 30 * time.Second

// ErrInvalidTransition is wrapped by errors for moves the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// State is the phase of a service run.
type State int

const (
	// StateStopped: nothing is held. Initial state and the end of a clean run.
	StateStopped State = iota
	// StateConnecting: the transport is connecting and plugins initialize.
	StateConnecting
	// StateRunning: the dispatcher is receiving events.
	StateRunning
	// StateDraining: receiving stopped, in-flight handlers are finishing.
	StateDraining
	// StateCrashed: the run ended on a fatal error or an abandoned drain.
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// transitions lists the states reachable from each state. Crashed is
// terminal: a service is used for one run only.
var transitions = map[State][]State{
	StateStopped:    {StateConnecting},
	StateConnecting: {StateRunning, StateDraining, StateCrashed},
	StateRunning:    {StateDraining, StateCrashed},
	StateDraining:   {StateStopped, StateCrashed},
}

// Transition describes one state change.
type Transition struct {
	From, To State
	Reason   string
	// Err is the error that caused the change, if any.
	Err error
}

// EventEmitter is notified of every state change, outside of any lock.
type EventEmitter interface {
	OnStateChange(t Transition)
}

// lifecycle guards the run state of a Service.
type lifecycle struct {
	mu      sync.Mutex
	state   State
	logger  ports.Logger
	emitter EventEmitter
}

func newLifecycle(logger ports.Logger, emitter EventEmitter) *lifecycle {
	return &lifecycle{state: StateStopped, logger: logger, emitter: emitter}
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) is(states ...State) bool {
	cur := l.current()
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

// move switches to state to. Moving to the current state is a no-op.
func (l *lifecycle) move(to State, reason string, cause error) error {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	l.state = to
	l.mu.Unlock()

	fields := []ports.Field{
		ports.String("from", from.String()),
		ports.String("to", to.String()),
		ports.String("reason", reason),
	}
	if cause != nil {
		l.logger.Warn("lifecycle", append(fields, ports.Err(cause))...)
	} else {
		l.logger.Info("lifecycle", fields...)
	}
	if l.emitter != nil {
		l.emitter.OnStateChange(Transition{From: from, To: to, Reason: reason, Err: cause})
	}
	return nil
}
