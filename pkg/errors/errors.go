package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is reports whether target is an AppError carrying the same code, so copies produced by
// WithInternal still match the sentinel they were derived from.
func (e *AppError) Is(target error) bool {
	if e == nil {
		return false
	}
	var other *AppError
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimit = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too many requests, please slow down",
		StatusCode: http.StatusTooManyRequests,
	}
)

// Authentication and session errors.
var (
	ErrInvalidCredentials = &AppError{
		Code:       "auth.invalid_credentials",
		Message:    "Invalid email or password",
		StatusCode: http.StatusUnauthorized,
	}
	ErrAccountLocked = &AppError{
		Code:       "auth.account_locked",
		Message:    "Account temporarily locked after repeated failed sign-in attempts",
		StatusCode: http.StatusLocked,
	}
	ErrTwoFactorRequired = &AppError{
		Code:       "auth.two_factor_required",
		Message:    "Two-factor authentication required",
		StatusCode: http.StatusUnauthorized,
	}
	ErrInvalidTwoFactorCode = &AppError{
		Code:       "auth.two_factor_invalid",
		Message:    "Invalid two-factor authentication code",
		StatusCode: http.StatusUnauthorized,
	}
	ErrTwoFactorNotPending = &AppError{
		Code:       "auth.two_factor_not_pending",
		Message:    "No two-factor challenge is pending",
		StatusCode: http.StatusConflict,
	}
	ErrSessionRequired = &AppError{
		Code:       "auth.session_required",
		Message:    "An authenticated session is required",
		StatusCode: http.StatusUnauthorized,
	}
)

// Profile resolution errors.
var (
	ErrProfileNotFoundTransient = &AppError{
		Code:       "profile.not_found_transient",
		Message:    "Profile is not available yet",
		StatusCode: http.StatusServiceUnavailable,
	}
	ErrProfileUnavailable = &AppError{
		Code:       "profile.unavailable",
		Message:    "Account setup is still in progress",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// Invitation errors. They are always surfaced to the caller verbatim.
var (
	ErrInvitationInvalid = &AppError{
		Code:       "invitation.invalid",
		Message:    "Invitation code is invalid",
		StatusCode: http.StatusNotFound,
	}
	ErrInvitationExpired = &AppError{
		Code:       "invitation.expired",
		Message:    "Invitation has expired",
		StatusCode: http.StatusGone,
	}
	ErrInvitationAlreadyUsed = &AppError{
		Code:       "invitation.already_used",
		Message:    "Invitation has already been used",
		StatusCode: http.StatusConflict,
	}
	ErrInvitationEmailMismatch = &AppError{
		Code:       "invitation.email_mismatch",
		Message:    "Invitation was issued to a different email address",
		StatusCode: http.StatusForbidden,
	}
)

// ErrBackendUnavailable marks failures of the identity or data backend itself.
var ErrBackendUnavailable = &AppError{
	Code:       "backend.unavailable",
	Message:    "Backend service unavailable",
	StatusCode: http.StatusServiceUnavailable,
}

var registry = map[string]*AppError{}

func init() {
	for _, e := range []*AppError{
		ErrUnauthorized, ErrForbidden, ErrNotFound, ErrBadRequest, ErrInternalServer, ErrRateLimit,
		ErrInvalidCredentials, ErrAccountLocked, ErrTwoFactorRequired, ErrInvalidTwoFactorCode,
		ErrTwoFactorNotPending, ErrSessionRequired, ErrProfileNotFoundTransient, ErrProfileUnavailable,
		ErrInvitationInvalid, ErrInvitationExpired, ErrInvitationAlreadyUsed, ErrInvitationEmailMismatch,
		ErrBackendUnavailable,
	} {
		registry[e.Code] = e
	}
}

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// FromCode returns the well-known error registered for code, or nil when the code is unknown.
// Remote clients use it to turn an error envelope back into the matching sentinel.
func FromCode(code string) *AppError {
	return registry[code]
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
