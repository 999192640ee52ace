package domain

import (
	"errors"
	"fmt"
)

// Lifecycle errors returned by the service and checked with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running instance.
	ErrAlreadyRunning = errors.New("lorbot: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped instance.
	ErrNotRunning = errors.New("lorbot: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("lorbot: shutdown timeout")
)

// ErrTransportUnavailable is returned once reconnection attempts are
// exhausted. It is fatal.
var ErrTransportUnavailable = errors.New("transport unavailable")

// ErrNotFound is returned by storage lookups that match nothing.
var ErrNotFound = errors.New("not found")

// AuthenticationError reports a rejected credential. It is fatal and never
// retried.
type AuthenticationError struct {
	Status      int
	Description string
}

func (e *AuthenticationError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("authentication failed (status %d)", e.Status)
	}
	return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Description)
}

// HandlerError wraps a failure of a single handler invocation.
type HandlerError struct {
	Handler string
	EventID int64
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s (event %d): %v", e.Handler, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop the service.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportUnavailable) {
		return true
	}
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
