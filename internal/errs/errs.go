// Package errs holds the error kinds shared by the scheduler, discovery and
// cast layers.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error.
type Kind uint8

const (
	Other Kind = iota
	Validation
	NotFound
	TransientNetwork
	DeviceProtocol
	Upstream
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not found"
	case TransientNetwork:
		return "transient network"
	case DeviceProtocol:
		return "device protocol"
	case Upstream:
		return "upstream service"
	default:
		return "other"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against another *Error of the same kind, so that
// errors.Is(err, &errs.Error{Kind: errs.NotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// E wraps err with a kind and an operation name. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// New builds a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a fresh attempt could plausibly succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case TransientNetwork, DeviceProtocol:
		return true
	}
	return false
}

// IsTimeout reports context deadlines and network timeouts.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
