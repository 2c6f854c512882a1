package transport

import (
	"errors"
	"fmt"
)

// Kind classifies failures crossing the sync subsystem boundary.
type Kind string

const (
	KindNetwork         Kind = "network"
	KindAuthorization   Kind = "authorization"
	KindServerRejection Kind = "server_rejection"
	KindParse           Kind = "parse"
	KindLocalStore      Kind = "local_store"
)

// ErrReAuthRequired means every credential option is exhausted. Authenticated
// calls fail with it until the user logs in again.
var ErrReAuthRequired = errors.New("re-authentication required")

// Error is the typed failure returned by the client and the sync orchestrator.
type Error struct {
	Kind    Kind
	Op      string
	Status  int    // HTTP status, 0 when no response was received
	Message string // server-provided message, if any
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether replaying the same request later may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork
}

// ReAuthRequired reports whether the failure is the terminal auth state.
func (e *Error) ReAuthRequired() bool {
	return errors.Is(e.Err, ErrReAuthRequired)
}

func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsReAuthRequired reports whether err carries ErrReAuthRequired.
func IsReAuthRequired(err error) bool {
	return errors.Is(err, ErrReAuthRequired)
}

func reAuthError(op string) *Error {
	return &Error{Kind: KindAuthorization, Op: op, Err: ErrReAuthRequired}
}

// LocalStore wraps a persistence failure.
func LocalStore(op string, err error) *Error {
	return &Error{Kind: KindLocalStore, Op: op, Err: err}
}

// AsError converts err into a *Error. Typed errors pass through; context
// cancellation and anything unclassified count as network failures.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, ErrReAuthRequired) {
		return reAuthError(op)
	}
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}
