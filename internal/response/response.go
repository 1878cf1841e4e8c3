// Package response writes JSON bodies and maps domain errors to HTTP.
//
// ERROR FORMAT:
// Every error response has the same shape, so the client can parse it
// without looking at the status code first:
//
//	{"success": false, "error": "validation_error", "message": "...", "field": "email", "fields": [...]}
//
// The service layer never knows about HTTP. It returns apperror sentinels;
// this package is the only place they become status codes.
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/authcore/internal/apperror"
)

// Error codes carried in the "error" field.
const (
	CodeValidation      = "validation_error"
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeCSRF            = "CSRF_ERROR"
	CodeNotFound        = "not_found"
	CodeDuplicate       = "duplicate_identity"
	CodeConflict        = "conflict"
	CodeTooManyRequests = "too_many_requests"
	CodeInternal        = "internal_error"
)

const internalMessage = "An internal error occurred"

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Success bool                  `json:"success"`
	Error   string                `json:"error"`
	Message string                `json:"message"`
	Field   string                `json:"field,omitempty"`
	Fields  []apperror.FieldError `json:"fields,omitempty"`
}

// JSON sends data with the given status. Headers and status go out before
// the body; anything set on w afterwards is ignored.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// Status returns the HTTP status and error code for err.
//
// Order matters: ErrCSRF is checked before ErrForbidden so it keeps its own
// code, and anything that is not an *AppError is a 500.
func Status(err error) (int, string) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, CodeInternal
	}

	switch {
	case errors.Is(err, apperror.ErrValidation),
		errors.Is(err, apperror.ErrWeakPassword),
		errors.Is(err, apperror.ErrInvalidOrExpired),
		errors.Is(err, apperror.ErrAlreadyVerified):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, apperror.ErrDuplicate):
		return http.StatusBadRequest, CodeDuplicate
	case errors.Is(err, apperror.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthenticated
	case errors.Is(err, apperror.ErrCSRF):
		return http.StatusForbidden, CodeCSRF
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, apperror.ErrTooManyRequests):
		return http.StatusTooManyRequests, CodeTooManyRequests
	}
	return http.StatusInternalServerError, CodeInternal
}

// Error writes err as an ErrorBody. Unknown errors are logged in full with
// logger and reach the client only as a generic message.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := Status(err)

	var appErr *apperror.AppError
	if status == http.StatusInternalServerError || !errors.As(err, &appErr) {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("request failed", slog.String("error", err.Error()))
		JSON(w, http.StatusInternalServerError, ErrorBody{
			Error:   CodeInternal,
			Message: internalMessage,
		})
		return
	}

	JSON(w, status, ErrorBody{
		Error:   code,
		Message: appErr.Message,
		Field:   appErr.Field,
		Fields:  appErr.Fields,
	})
}
