package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by the like, match and conversation services.
// Callers branch on these with errors.Is; stores and services wrap them in OpError.
var (
	// ErrInvalidInput marks malformed ids, self-likes and empty/oversized content.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a referenced match or conversation that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks a caller that is not a participant of the referenced match.
	ErrForbidden = errors.New("forbidden")
	// ErrUnavailable marks a backing store that failed transiently; the caller may retry.
	ErrUnavailable = errors.New("temporarily unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above. Err, when set, is the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Invalid returns an ErrInvalidInput OpError.
func Invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// NotFound returns an ErrNotFound OpError naming the missing resource.
func NotFound(op, resource string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: resource}
}

// Forbidden returns an ErrForbidden OpError.
func Forbidden(op, msg string) error {
	return OpError{Op: op, Kind: ErrForbidden, Msg: msg}
}

// Unavailable wraps a backend failure as ErrUnavailable.
func Unavailable(op string, err error) error {
	return OpError{Op: op, Kind: ErrUnavailable, Err: err}
}

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// Client-facing error codes shared by the HTTP API and the WebSocket gateway.
const (
	CodeInvalidInput = "invalid_input"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

// Describe returns the client-facing code and message for err.
// Causes of transient and unexpected failures stay server-side.
func Describe(err error) (code, msg string) {
	var oe OpError
	detail := ""
	if errors.As(err, &oe) {
		detail = oe.Msg
	}

	switch {
	case IsInvalidInput(err):
		return CodeInvalidInput, orDefault(detail, ErrInvalidInput.Error())
	case IsForbidden(err):
		return CodeForbidden, orDefault(detail, ErrForbidden.Error())
	case IsNotFound(err):
		if detail == "" {
			return CodeNotFound, ErrNotFound.Error()
		}
		return CodeNotFound, detail + " not found"
	case IsUnavailable(err):
		return CodeUnavailable, ErrUnavailable.Error()
	default:
		return CodeInternal, "internal error"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
