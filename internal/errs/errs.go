// Package errs defines the structured errors returned across the host's
// request boundary.
//
// Every failure carries a Kind, the operation that failed and, where one
// exists, the identifier it was applied to:
//
//	err := errs.NotFound("write session", "3")
//	if errors.Is(err, errs.ErrNotFound) { ... }
//
// Kinds map onto transport status codes through HTTPStatus so handlers never
// inspect raw OS errors.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindSpawn means the OS refused to create a process or PTY.
	KindSpawn
	// KindNotFound means an operation named an unknown session.
	KindNotFound
	// KindIO means a read, write or ioctl against a live stream failed.
	KindIO
	// KindTimeout means a bounded operation exceeded its deadline.
	KindTimeout
	// KindInvalid means the request arguments were rejected.
	KindInvalid
	// KindUnavailable means a backend-dependent feature was requested
	// while the backend port is unknown.
	KindUnavailable
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "spawn"
	case KindNotFound:
		return "not_found"
	case KindIO:
		return "io"
	case KindTimeout:
		return "timeout"
	case KindInvalid:
		return "invalid"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k := KindSpawn; k <= KindUnavailable; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrSpawn       = &Error{Kind: KindSpawn}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrIO          = &Error{Kind: KindIO}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrInvalid     = &Error{Kind: KindInvalid}
	ErrUnavailable = &Error{Kind: KindUnavailable}
)

// Error is a classified failure with operation context.
type Error struct {
	Kind   Kind
	Op     string // e.g. "write session"
	ID     string // session id or other subject, may be empty
	Detail string // human readable detail when Err is nil
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	if msg == "" {
		msg = e.Kind.String()
	} else {
		msg += ": " + e.Kind.String()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.ID == "" && t.Err == nil && t.Detail == "" && t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// Spawn wraps a process or PTY creation failure.
func Spawn(op string, err error) *Error {
	return &Error{Kind: KindSpawn, Op: op, Err: err}
}

// NotFound reports an unknown session identifier.
func NotFound(op, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, ID: id, Detail: "session not found"}
}

// IO wraps a stream failure on a live session.
func IO(op, id string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, ID: id, Err: err}
}

// Timeout wraps a deadline expiry.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Invalid reports rejected arguments.
func Invalid(op, detail string) *Error {
	return &Error{Kind: KindInvalid, Op: op, Detail: detail}
}

// Unavailable reports that the backend is not ready.
func Unavailable(op, detail string) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Detail: detail}
}

// Errorf is a convenience for a kind with a formatted detail.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HTTPStatus maps an error to a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindSpawn, KindIO:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
