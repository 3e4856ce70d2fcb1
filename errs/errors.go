// Package errs provides the error taxonomy shared by the session, subscription
// and conversion layers of the gateway.
//
// Every error handed to a caller is an *Error carrying a Kind. Callers classify
// with the Is* helpers, which see through fmt.Errorf("%w") wrapping.
package errs

import (
	"context"
	"errors"
	"fmt"

	"github.com/gopcua/opcua/ua"
)

// Kind classifies an error for handling purposes.
type Kind int

const (
	// KindTimeout is a deadline exceeded while connecting or waiting for a reply.
	KindTimeout Kind = iota
	// KindSession is an operation on a closed or invalid session, or a remote
	// service call that returned a bad status.
	KindSession
	// KindConversion is a value/type mismatch, a missing mandatory field, a numeric
	// overflow, a nested array or an unknown base type.
	KindConversion
	// KindSubscription is a failure to create or delete monitored items.
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindSession:
		return "session"
	case KindConversion:
		return "conversion"
	case KindSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// Standard error values wrapped by *Error.
var (
	ErrSessionClosed  = errors.New("session is not open")
	ErrNoMapping      = errors.New("no mapping for type")
	ErrNestedArray    = errors.New("nested arrays are not supported")
	ErrOutOfRange     = errors.New("value out of range")
	ErrMissingField   = errors.New("missing mandatory field")
	ErrDepthExceeded  = errors.New("maximum nesting depth exceeded")
	ErrBadStatus      = errors.New("bad status")
	ErrNotSubscribed  = errors.New("node is not subscribed")
	ErrArgumentsCount = errors.New("invalid count of input arguments")
)

// Error is the classified error type of the gateway.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "read" or "toRemote".
	Op string
	// Status is the OPC UA status code reported by the server, if any.
	Status ua.StatusCode
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %v)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout wraps err as a KindTimeout error.
func Timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Session wraps err as a KindSession error. Context deadlines are reported as
// KindTimeout instead.
func Session(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ua.StatusBadTimeout) {
		return Timeout(op, err)
	}
	return &Error{Kind: KindSession, Op: op, Err: err}
}

// Subscription wraps err as a KindSubscription error.
func Subscription(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	return &Error{Kind: KindSubscription, Op: op, Err: err}
}

// Conversion creates a KindConversion error. A trailing %w verb keeps the
// wrapped cause reachable through errors.Is.
func Conversion(format string, args ...interface{}) error {
	return &Error{Kind: KindConversion, Op: "convert", Err: fmt.Errorf(format, args...)}
}

// StatusError creates an error of the given kind for a bad OPC UA status.
func StatusError(kind Kind, op string, status ua.StatusCode) error {
	return &Error{Kind: kind, Op: op, Status: status, Err: ErrBadStatus}
}

func kindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsTimeout reports whether err is a KindTimeout error.
func IsTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTimeout
}

// IsSession reports whether err is a KindSession error.
func IsSession(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindSession
}

// IsConversion reports whether err is a KindConversion error.
func IsConversion(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConversion
}

// IsSubscription reports whether err is a KindSubscription error.
func IsSubscription(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindSubscription
}

// StatusOf returns the OPC UA status carried by err, or ua.StatusOK.
func StatusOf(err error) ua.StatusCode {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	var sc ua.StatusCode
	if errors.As(err, &sc) {
		return sc
	}
	return ua.StatusOK
}
