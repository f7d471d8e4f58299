// Package errs defines the error kinds shared by the pipeline and the HTTP
// layer. Components tag failures at the point they occur; callers inspect the
// kind with KindOf instead of matching on message text.
package errs

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies a failure.
type Kind uint8

const (
	// Internal is the kind of any untagged error.
	Internal Kind = iota
	Validation
	Authorization
	Unauthenticated
	NotFound
	Conflict
	Transient
	FatalConfig
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case Unauthenticated:
		return "unauthenticated"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case FatalConfig:
		return "fatal_config"
	case RateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is a tagged error. Op names the operation that failed and is optional.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a tagged error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags err with kind. It returns nil when err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// E builds a tagged error for operation op.
func E(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the outermost tagged error in err's chain.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return Internal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a queue should schedule another attempt.
// Untagged errors are assumed to be infrastructure failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case Transient, Internal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Authorization:
		return http.StatusForbidden
	case Unauthenticated:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Transient:
		return http.StatusServiceUnavailable
	case RateLimited:
		return http.StatusTooManyRequests
	case FatalConfig, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show a client. Server side kinds
// collapse to a generic message.
func PublicMessage(err error) string {
	kind := KindOf(err)
	if HTTPStatus(kind) >= http.StatusInternalServerError {
		if kind == Transient {
			return "service temporarily unavailable"
		}
		return "internal server error"
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged.Msg != "" {
		return tagged.Msg
	}
	return err.Error()
}
