package internal

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	ErrCodeUserNotFound      ErrorCode = "USER_NOT_FOUND"
	ErrCodeUserNameTaken     ErrorCode = "USERNAME_TAKEN"
	ErrCodeEmailTaken        ErrorCode = "EMAIL_TAKEN"
	ErrCodeImmutableUser     ErrorCode = "IMMUTABLE_USER"
	ErrCodeAuthFailed        ErrorCode = "AUTH_FAILED"
	ErrCodeNoCredentials     ErrorCode = "NO_CREDENTIALS"
	ErrCodeMisalignedToken   ErrorCode = "MISALIGNED_TOKEN"
	ErrCodeCryptoFailure     ErrorCode = "CRYPTO_FAILURE"
	ErrCodePasswordRequired  ErrorCode = "PASSWORD_REQUIRED"
	ErrCodeSessionTokenStale ErrorCode = "SESSION_TOKEN_STALE"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewSecurityError covers every authentication and resolution failure. The
// message intentionally stays generic: callers must not be able to tell an
// unknown user from a wrong password or a disabled account.
func NewSecurityError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewUniquenessError reports a username or email already owned by a
// different user. Recoverable: the caller retries with another value.
func NewUniquenessError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewImmutableRecordError reports a mutation attempt on the reserved
// automated account after bootstrap. Never retriable.
func NewImmutableRecordError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       ErrCodeImmutableUser,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// NewCryptoError wraps a failure of the hashing primitive. Fatal to the
// operation: a broken security primitive must never degrade silently.
func NewCryptoError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeCryptoFailure,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

var (
	// ErrInvalidCredentials is the uniform authentication failure. The same
	// value is returned for unknown user, wrong password and disabled
	// account so that callers cannot enumerate users.
	ErrInvalidCredentials = NewSecurityError("invalid user information", ErrCodeAuthFailed)

	ErrPasswordRequired  = NewSecurityError("if 'userName' or 'email' is provided, then 'password' must be provided as well", ErrCodePasswordRequired)
	ErrNoCredentials     = NewSecurityError("no credentials", ErrCodeNoCredentials)
	ErrMisalignedToken   = NewSecurityError("misaligned identity", ErrCodeMisalignedToken)
	ErrSessionTokenStale = NewSecurityError("session token no longer valid", ErrCodeSessionTokenStale)
)

func IsAppError(err error) (*AppError, bool) {
	if appErr, ok := err.(*AppError); ok {
		return appErr, true
	}
	return nil, false
}

// IsSecurityError reports whether err is an authentication/authorization
// resolution failure.
func IsSecurityError(err error) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Type == ErrorTypeUnauthorized
}
