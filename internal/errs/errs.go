// Package errs implements the typed-error taxonomy from the coordination
// API's error design: each Kind maps to one HTTP status and one wire
// {kind, detail} body.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the disposition categories the coordination API returns.
type Kind string

const (
	Invalid    Kind = "invalid"
	Conflict   Kind = "conflict"
	NotFound   Kind = "not-found"
	Forbidden  Kind = "forbidden"
	Expired    Kind = "expired"
	Transient  Kind = "transient"
	Fatal      Kind = "fatal"
	Internal   Kind = "internal"
)

// Error is a typed coordination-core error.
type Error struct {
	Kind   Kind
	Detail string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.err }

// New constructs a typed error.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs a typed error that preserves an underlying cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, err: err}
}

// As extracts a *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code §6 specifies. Kinds with no
// direct client-facing status (Transient, Fatal) collapse to 500, matching
// "server-side writes return 500 with the detail hidden".
func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Invalid:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case Expired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
