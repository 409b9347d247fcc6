// Package service holds the security core: the session registry, block
// store, security event log, role gate, the request-time authentication
// orchestrator and the login and account flows built on top of them.
package service

import (
	"errors"
	"net/http"
)

// ErrorKind is the public error code surfaced in the response envelope.
type ErrorKind string

const (
	KindTokenMissing            ErrorKind = "TOKEN_MISSING"
	KindTokenInvalid            ErrorKind = "TOKEN_INVALID"
	KindUserNotFound            ErrorKind = "USER_NOT_FOUND"
	KindUserInactive            ErrorKind = "USER_INACTIVE"
	KindBlocked                 ErrorKind = "ACCOUNT_OR_IP_BLOCKED"
	KindInsufficientPermissions ErrorKind = "INSUFFICIENT_PERMISSIONS"
	KindAuthenticationError     ErrorKind = "AUTHENTICATION_ERROR"

	KindInvalidCredentials ErrorKind = "INVALID_CREDENTIALS"
	KindTwoFactorRequired  ErrorKind = "TWO_FACTOR_REQUIRED"
	KindTwoFactorInvalid   ErrorKind = "TWO_FACTOR_INVALID"
	KindValidation         ErrorKind = "VALIDATION_ERROR"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindConflict           ErrorKind = "CONFLICT"
)

// AuthError is a typed, expected failure. Message is safe to show to the
// caller; Err carries internal detail and is never serialized.
type AuthError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches another *AuthError by kind, so errors.Is(err, ErrUserInactive)
// works for any wrapped rejection of that kind.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

var defaultStatus = map[ErrorKind]int{
	KindTokenMissing:            http.StatusUnauthorized,
	KindTokenInvalid:            http.StatusUnauthorized,
	KindUserNotFound:            http.StatusNotFound,
	KindUserInactive:            http.StatusForbidden,
	KindBlocked:                 http.StatusForbidden,
	KindInsufficientPermissions: http.StatusForbidden,
	KindAuthenticationError:     http.StatusInternalServerError,
	KindInvalidCredentials:      http.StatusUnauthorized,
	KindTwoFactorRequired:       http.StatusUnauthorized,
	KindTwoFactorInvalid:        http.StatusUnauthorized,
	KindValidation:              http.StatusBadRequest,
	KindNotFound:                http.StatusNotFound,
	KindConflict:                http.StatusConflict,
}

var defaultMessage = map[ErrorKind]string{
	KindTokenMissing:            "missing bearer token",
	KindTokenInvalid:            "invalid or expired token",
	KindUserNotFound:            "user not found",
	KindUserInactive:            "user is not active",
	KindBlocked:                 "access blocked",
	KindInsufficientPermissions: "insufficient permissions",
	KindAuthenticationError:     "authentication failed",
	KindInvalidCredentials:      "invalid credentials",
	KindTwoFactorRequired:       "two-factor code required",
	KindTwoFactorInvalid:        "invalid two-factor code",
	KindValidation:              "invalid request",
	KindNotFound:                "not found",
	KindConflict:                "conflict",
}

func newError(kind ErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Status: defaultStatus[kind], Message: defaultMessage[kind], Err: err}
}

func validationError(msg string) *AuthError {
	e := newError(KindValidation, nil)
	e.Message = msg
	return e
}

// Sentinels for errors.Is matching.
var (
	ErrTokenMissing            = newError(KindTokenMissing, nil)
	ErrTokenInvalid            = newError(KindTokenInvalid, nil)
	ErrUserNotFound            = newError(KindUserNotFound, nil)
	ErrUserInactive            = newError(KindUserInactive, nil)
	ErrBlocked                 = newError(KindBlocked, nil)
	ErrInsufficientPermissions = newError(KindInsufficientPermissions, nil)
	ErrAuthentication          = newError(KindAuthenticationError, nil)
	ErrInvalidCredentials      = newError(KindInvalidCredentials, nil)
	ErrTwoFactorRequired       = newError(KindTwoFactorRequired, nil)
	ErrTwoFactorInvalid        = newError(KindTwoFactorInvalid, nil)
	ErrNotFound                = newError(KindNotFound, nil)
	ErrConflict                = newError(KindConflict, nil)

	// ErrBlockNotFound and ErrBlockAlreadyInactive are returned by Unblock.
	ErrBlockNotFound        = &AuthError{Kind: KindNotFound, Status: http.StatusNotFound, Message: "block not found"}
	ErrBlockAlreadyInactive = &AuthError{Kind: KindConflict, Status: http.StatusConflict, Message: "block already inactive"}
)

// AsAuthError converts any error into an *AuthError. Unknown errors become
// AUTHENTICATION_ERROR with a generic message.
func AsAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return newError(KindAuthenticationError, err)
}
