// Package errors defines the error taxonomy shared by the approval engine,
// its repositories and its transports.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code classifies an error for callers and transports.
type Code string

const (
	ErrCodeValidation    Code = "VALIDATION"
	ErrCodeAuthority     Code = "AUTHORITY"
	ErrCodeConflict      Code = "CONFLICT"
	ErrCodeConfiguration Code = "CONFIGURATION"
	ErrCodeConnectivity  Code = "CONNECTIVITY"
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeUnauthorized  Code = "UNAUTHORIZED"
	ErrCodeInternal      Code = "INTERNAL"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	// Report carries the validation report when a decision was refused.
	Report interface{} `json:"report,omitempty"`
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by code so sentinel comparisons work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithDetail attaches a key/value pair and returns the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps cause with a code and message.
func Wrap(cause error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Field: field}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]interface{}{"resource": resource, "id": id},
	}
}

// Validation reports a refused decision together with its validation report.
func Validation(message string, report interface{}) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Report: report}
}

// Authority reports an actor lacking role or amount authority.
func Authority(message string, report interface{}) *Error {
	return &Error{Code: ErrCodeAuthority, Message: message, Report: report}
}

// Conflict reports a decision evaluated against stale workflow state.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// Configuration reports a malformed policy table or programmer error.
func Configuration(message string) *Error {
	return &Error{Code: ErrCodeConfiguration, Message: message}
}

// Connectivity reports an unavailable real-time channel or broker.
func Connectivity(cause error, message string) *Error {
	return &Error{Code: ErrCodeConnectivity, Message: message, cause: cause}
}

// CodeOf returns the code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// As is re-exported so callers need a single errors import.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return CodeOf(err) == ErrCodeValidation }

// IsAuthority reports whether err is an authority error.
func IsAuthority(err error) bool { return CodeOf(err) == ErrCodeAuthority }

// IsConflict reports whether err is a stale-state conflict.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return CodeOf(err) == ErrCodeConfiguration }

// IsConnectivity reports whether err is a connectivity error.
func IsConnectivity(err error) bool { return CodeOf(err) == ErrCodeConnectivity }

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case ErrCodeAuthority:
		return http.StatusForbidden
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConnectivity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case ErrCodeValidation:
		return codes.InvalidArgument
	case ErrCodeAuthority:
		return codes.PermissionDenied
	case ErrCodeUnauthorized:
		return codes.Unauthenticated
	case ErrCodeConflict:
		return codes.Aborted
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeConnectivity:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
