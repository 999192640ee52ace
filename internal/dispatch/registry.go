package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/dentalor/lorbot/internal/domain"
)

// Handler processes one event. A non-nil error is reported as a
// domain.HandlerError; errors for which domain.IsFatal holds stop the
// dispatcher.
type Handler func(ctx context.Context, ev domain.Event) error

// Binding is a registered handler.
type Binding struct {
	Name    string
	Pattern Pattern
	Handler Handler
}

// Registry holds handler bindings in registration order. Bindings are added
// during startup; Seal makes the set read-only before dispatching begins.
type Registry struct {
	mu       sync.RWMutex
	bindings []Binding
	names    map[string]struct{}
	sealed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register appends a binding. It panics on programming errors: a nil
// pattern or handler, a duplicate name, or a sealed registry.
func (r *Registry) Register(name string, pattern Pattern, handler Handler) {
	if pattern == nil || handler == nil {
		panic(fmt.Sprintf("dispatch: handler %q registered with nil pattern or handler", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		panic(fmt.Sprintf("dispatch: handler %q registered after Seal", name))
	}
	if _, dup := r.names[name]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler %q", name))
	}
	r.names[name] = struct{}{}
	r.bindings = append(r.bindings, Binding{Name: name, Pattern: pattern, Handler: handler})
}

// Seal closes registration. It is idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Match returns the first binding, in registration order, whose pattern
// matches ev.
func (r *Registry) Match(ev domain.Event) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bindings {
		if b.Pattern.Match(ev) {
			return b, true
		}
	}
	return Binding{}, false
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
