// Package errors provides custom error types with error codes for socialgate.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code represents an application error code.
type Code string

// Error codes for the application.
const (
	// General errors
	CodeInternal      Code = "INTERNAL"
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeTimeout       Code = "TIMEOUT"
	CodeConflict      Code = "CONFLICT"

	// Login-flow errors
	CodeProviderAuthFailed     Code = "PROVIDER_AUTH_FAILED"
	CodeStateInvalid           Code = "STATE_INVALID"
	CodeRegistrationFailed     Code = "REGISTRATION_FAILED"
	CodePostRegistrationLogin  Code = "POST_REGISTRATION_LOGIN_FAILED"
	CodeUsernameExhausted      Code = "USERNAME_EXHAUSTED"
	CodeAvatarFetchFailed      Code = "AVATAR_FETCH_FAILED"
	CodeSessionExpired         Code = "SESSION_EXPIRED"
	CodeTokenInvalid           Code = "TOKEN_INVALID"
	CodeProviderNotConfigured  Code = "PROVIDER_NOT_CONFIGURED"
	CodeCredentialsUnavailable Code = "CREDENTIALS_UNAVAILABLE"
)

// Error is the application's custom error type with code and details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Err     error  `json:"-"` // Underlying error, not serialized
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the target error has the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Err:     e.Err,
	}
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Err:     err,
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error constructors

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// InternalWrap creates an internal error wrapping another error.
func InternalWrap(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return New(CodeInvalidInput, message)
}

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// AlreadyExists creates an already exists error.
func AlreadyExists(message string) *Error {
	return New(CodeAlreadyExists, message)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message)
}

// RateLimited creates a rate limited error.
func RateLimited(message string) *Error {
	return New(CodeRateLimited, message)
}

// Unavailable creates an unavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Timeout creates a timeout error.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}

// Login-flow error constructors

// ProviderAuthFailed creates an error for a failed provider authentication.
func ProviderAuthFailed(message string) *Error {
	return New(CodeProviderAuthFailed, message)
}

// ProviderAuthFailedWrap wraps an underlying provider error.
func ProviderAuthFailedWrap(message string, err error) *Error {
	return Wrap(CodeProviderAuthFailed, message, err)
}

// StateInvalid creates an error for a missing or replayed flow state token.
func StateInvalid(message string) *Error {
	return New(CodeStateInvalid, message)
}

// RegistrationFailed creates an error for a rejected identity creation.
func RegistrationFailed(message string, err error) *Error {
	return Wrap(CodeRegistrationFailed, message, err)
}

// PostRegistrationLoginFailed creates an error for a login that failed
// immediately after a successful registration. The created identity is
// left in place.
func PostRegistrationLoginFailed(message string, err error) *Error {
	return Wrap(CodePostRegistrationLogin, message, err)
}

// UsernameExhausted creates an error for an exhausted username suffix loop.
func UsernameExhausted(message string) *Error {
	return New(CodeUsernameExhausted, message)
}

// AvatarFetchFailed creates an error for a failed avatar download.
func AvatarFetchFailed(message string, err error) *Error {
	return Wrap(CodeAvatarFetchFailed, message, err)
}

// SessionExpired creates a session expired error.
func SessionExpired(message string) *Error {
	return New(CodeSessionExpired, message)
}

// TokenInvalid creates a token invalid error.
func TokenInvalid(message string) *Error {
	return New(CodeTokenInvalid, message)
}

// ProviderNotConfigured creates an error for an unknown or disabled provider.
func ProviderNotConfigured(message string) *Error {
	return New(CodeProviderNotConfigured, message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *Error) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidInput, CodeStateInvalid:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeProviderAuthFailed, CodeSessionExpired, CodeTokenInvalid:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeProviderNotConfigured:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable, CodeCredentialsUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus returns the appropriate gRPC status for the error.
func (e *Error) GRPCStatus() *status.Status {
	var code codes.Code
	switch e.Code {
	case CodeInvalidInput, CodeStateInvalid:
		code = codes.InvalidArgument
	case CodeUnauthorized, CodeProviderAuthFailed, CodeSessionExpired, CodeTokenInvalid:
		code = codes.Unauthenticated
	case CodeForbidden:
		code = codes.PermissionDenied
	case CodeNotFound, CodeProviderNotConfigured:
		code = codes.NotFound
	case CodeAlreadyExists, CodeConflict:
		code = codes.AlreadyExists
	case CodeRateLimited, CodeUsernameExhausted:
		code = codes.ResourceExhausted
	case CodeTimeout:
		code = codes.DeadlineExceeded
	case CodeUnavailable, CodeCredentialsUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}

	return status.New(code, e.Message)
}

// ToGRPCError converts the error to a gRPC error.
func (e *Error) ToGRPCError() error {
	return e.GRPCStatus().Err()
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, or CodeInternal if not found.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
