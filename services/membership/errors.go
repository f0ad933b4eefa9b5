package membership

import "net/http"

// Code is a machine-readable membership error code.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeInvalidState     Code = "INVALID_STATE"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodePartialFailure   Code = "PARTIAL_FAILURE"
	CodeValidation       Code = "VALIDATION"
)

// HTTPStatus maps the code onto the status the API answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodePartialFailure:
		return http.StatusBadGateway
	case CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error returned by workflow operations.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Sentinels for errors.Is; they match any Error carrying the same code.
var (
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidState     = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrPartialFailure   = &Error{Code: CodePartialFailure, Message: "partial failure"}
	ErrValidation       = &Error{Code: CodeValidation, Message: "validation failed"}
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func withMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

func wrapError(code Code, message string, metadata map[string]string, cause error) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata, Cause: cause}
}
