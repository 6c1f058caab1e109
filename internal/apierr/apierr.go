package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Conflict marks a disallowed state transition or a write against a
// finalized job. Maps to 409.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusConflict, Code: "conflict", Err: fmt.Errorf(format, args...)}
}

// Validation wraps entity validation failures. Maps to 400.
func Validation(problems []string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "validation", Err: errors.New(strings.Join(problems, "; "))}
}

func NotFound(what string) *Error {
	return &Error{Status: http.StatusNotFound, Code: "not_found", Err: fmt.Errorf("%s not found", what)}
}

func IsConflict(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

// StatusOf resolves the HTTP status an error should surface as.
// Unclassified errors are treated as storage failures.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// CodeOf resolves the machine-readable code for an error.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return "internal_error"
}
