package config

import "fmt"

// Error is a configuration failure: a required option is missing or a
// value is malformed. It is fatal and reported before any connection
// attempt.
type Error struct {
	Option string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("config: %s: %s", e.Option, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func missing(option string) *Error {
	return &Error{Option: option, Reason: "required option is not set"}
}

func malformed(option, reason string) *Error {
	return &Error{Option: option, Reason: reason}
}
