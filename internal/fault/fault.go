// Package fault defines the error kinds used by the connection core.
//
// Every failure that aborts an operation carries exactly one Kind so callers
// can decide whether it aborted a whole connection (auth, transport, trust),
// one tunnel (config, bind) or one client session (relay).
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	Config    Kind = "config"
	Auth      Kind = "auth"
	Transport Kind = "transport"
	Trust     Kind = "trust"
	Bind      Kind = "bind"
	Relay     Kind = "relay"
	Liveness  Kind = "liveness"
)

// Error is a classified failure. Target names the server or tunnel involved.
type Error struct {
	Kind   Kind
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Target != "" {
		msg += " (" + e.Target + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error wrapping err.
func New(kind Kind, op, target string, err error) error {
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, target, format string, args ...any) error {
	return New(kind, op, target, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or "" when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
