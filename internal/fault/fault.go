// Package fault defines the error taxonomy shared by the execution engine.
// Every terminal failure carries a stable Kind so callers can branch on the
// class of failure without matching message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	Validation       Kind = "validation"
	Authentication   Kind = "authentication"
	RateLimit        Kind = "rate_limit"
	ModelUnavailable Kind = "model_unavailable"
	Timeout          Kind = "timeout"
	Cancelled        Kind = "cancelled"
	Process          Kind = "process"
	Filesystem       Kind = "filesystem"
	Session          Kind = "session"
	Budget           Kind = "budget"
	Config           Kind = "config"
	LimitExceeded    Kind = "limit_exceeded"
	Unknown          Kind = "unknown"
)

// Error is a classified failure. Op names the operation that failed
// ("driver.execute", "convo.append"); Msg is a short human-readable
// description; Err holds the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Msg != "":
		if e.Op == "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
		}
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with no underlying cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Errorf is New with fmt semantics.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err yields nil so call sites
// can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with an additional message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf walks the error chain and returns the first Kind found, or Unknown
// for foreign errors. A nil error has no kind and also reports Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
