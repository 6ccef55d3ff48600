// Package ferrors defines the error-kind taxonomy shared by every
// Flintrock component, so a CLI caller can map any error back to an exit
// code and a short classification prefix without inspecting its dynamic
// type.
package ferrors

import "fmt"

// Kind classifies why an operation failed.
type Kind string

const (
	ConfigError         Kind = "config-error"
	ProviderError       Kind = "provider-error"
	NetworkError        Kind = "network-error"
	RemoteCommandError  Kind = "remote-command-error"
	HealthCheckFailed   Kind = "health-check-failed"
	WrongState          Kind = "wrong-state"
	InconsistentCluster Kind = "inconsistent-cluster"
)

// Error wraps an underlying cause with a Kind, so callers can classify
// failures (spec.md §7) without parsing message text.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error around an existing cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if fe == nil {
		return "", false
	}
	return fe.Kind, true
}
