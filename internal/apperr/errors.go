// Package apperr defines the error taxonomy shared by the chat core and its handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Code string

const (
	Unauthenticated Code = "UNAUTHENTICATED"
	Forbidden       Code = "FORBIDDEN"
	NotFound        Code = "NOT_FOUND"
	InvalidState    Code = "INVALID_STATE"
	InvalidArgument Code = "INVALID_ARGUMENT"
	Conflict        Code = "CONFLICT"
	Unavailable     Code = "UNAVAILABLE"
	Internal        Code = "INTERNAL"
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrUnauthenticated = &Error{Code: Unauthenticated}
	ErrForbidden       = &Error{Code: Forbidden}
	ErrNotFound        = &Error{Code: NotFound}
	ErrInvalidState    = &Error{Code: InvalidState}
	ErrInvalidArgument = &Error{Code: InvalidArgument}
	ErrConflict        = &Error{Code: Conflict}
	ErrUnavailable     = &Error{Code: Unavailable}
)

type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	reason := e.Reason
	if reason == "" {
		reason = string(e.Code)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func Wrap(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Reason returns a caller-safe description of err.
func Reason(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	if e.Reason != "" {
		return e.Reason
	}
	return strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " "))
}

// HTTPStatus maps err's code to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvalidState, Conflict:
		return http.StatusConflict
	case InvalidArgument:
		return http.StatusBadRequest
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
