package correlation

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrTimeout is carried by timed out outcomes. The call may or may not have been applied.
	ErrTimeout = eris.New("timed out waiting for correlated event")
	// ErrCancelled is returned when the caller's context ends before the call resolves.
	ErrCancelled = eris.New("call cancelled")
)

// TransportError reports a failed unary call or subscription. It is terminal for the call.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	msg := "transport error in " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError reports that the credential could be neither refreshed nor re-established.
type AuthError struct {
	Stage string
	Err   error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth error during " + e.Stage
	}
	return "auth error during " + e.Stage + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// ParseError reports a payload that could not be decoded or carries no usable correlation key.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "failed to parse " + e.What
	}
	return "failed to parse " + e.What + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }
