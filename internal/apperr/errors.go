package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-stable error code returned to API clients.
type Code string

const (
	CodeInvalidArgument Code = "invalid_argument"
	CodeUnauthorized    Code = "unauthorized"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeUpstream        Code = "upstream_error"
	CodeInternal        Code = "internal_error"
)

// Error carries a taxonomy code and a client-safe message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func InvalidArgument(msg string) *Error { return &Error{Code: CodeInvalidArgument, Message: msg} }
func Unauthorized(msg string) *Error    { return &Error{Code: CodeUnauthorized, Message: msg} }
func Forbidden(msg string) *Error       { return &Error{Code: CodeForbidden, Message: msg} }
func NotFound(msg string) *Error        { return &Error{Code: CodeNotFound, Message: msg} }
func Conflict(msg string) *Error        { return &Error{Code: CodeConflict, Message: msg} }
func Upstream(msg string) *Error        { return &Error{Code: CodeUpstream, Message: msg} }

// Internal wraps unexpected failures. The underlying error is logged by the
// caller, never sent to the client.
func Internal() *Error {
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// CodeOf extracts the taxonomy code, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the client-safe message for an error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a taxonomy code to its fixed status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
