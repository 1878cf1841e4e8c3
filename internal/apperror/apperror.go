// Package apperror defines the error taxonomy shared by every layer.
//
// Services return *AppError values wrapping one of the sentinels below.
// The HTTP boundary (package response) maps sentinels to status codes with
// errors.Is, so the service layer never needs to know about HTTP.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation error")
	ErrConflict         = errors.New("conflict")
	ErrForbidden        = errors.New("forbidden")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrCSRF             = errors.New("csrf token invalid")
	ErrDuplicate        = errors.New("duplicate identity")
	ErrAlreadyVerified  = errors.New("already verified")
	ErrInvalidOrExpired = errors.New("invalid or expired token")
	ErrWeakPassword     = errors.New("weak password")
	ErrTooManyRequests  = errors.New("too many requests")
)

// FieldError is a single field-level validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type AppError struct {
	Err     error        // sentinel, used with errors.Is
	Message string       // human-readable, safe to show to clients
	Field   string       // optional: field causing the error
	Fields  []FieldError // optional: every invalid field
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
		Fields:  []FieldError{{Field: field, Message: message}},
	}
}

// Invalid bundles several field errors into one validation error. The first
// field becomes the headline message.
func Invalid(fields ...FieldError) *AppError {
	if len(fields) == 0 {
		return &AppError{Err: ErrValidation, Message: "invalid request"}
	}
	return &AppError{
		Err:     ErrValidation,
		Message: fields[0].Message,
		Field:   fields[0].Field,
		Fields:  fields,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthenticated is returned when no valid identity could be resolved.
// The message must stay generic: callers never learn whether the token was
// missing, tampered or expired.
func Unauthenticated(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Message: message,
	}
}

func CSRF() *AppError {
	return &AppError{
		Err:     ErrCSRF,
		Message: "Invalid or missing CSRF token",
	}
}

// Duplicate reports which unique field (email or username) collided.
func Duplicate(field string) *AppError {
	return &AppError{
		Err:     ErrDuplicate,
		Message: fmt.Sprintf("This %s is already registered", field),
		Field:   field,
		Fields:  []FieldError{{Field: field, Message: fmt.Sprintf("This %s is already registered", field)}},
	}
}

func AlreadyVerified() *AppError {
	return &AppError{
		Err:     ErrAlreadyVerified,
		Message: "Email is already verified",
	}
}

func InvalidOrExpired(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidOrExpired,
		Message: message,
	}
}

func WeakPassword(min int) *AppError {
	msg := fmt.Sprintf("Password must be at least %d characters long", min)
	return &AppError{
		Err:     ErrWeakPassword,
		Message: msg,
		Field:   "newPassword",
		Fields:  []FieldError{{Field: "newPassword", Message: msg}},
	}
}

func TooManyRequests() *AppError {
	return &AppError{
		Err:     ErrTooManyRequests,
		Message: "Too many requests, please try again later",
	}
}
