package response_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/response"
)

func TestStatus(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", apperror.ValidationFailed("email", "bad"), http.StatusBadRequest, response.CodeValidation},
		{"weak password", apperror.WeakPassword(6), http.StatusBadRequest, response.CodeValidation},
		{"invalid or expired", apperror.InvalidOrExpired("expired"), http.StatusBadRequest, response.CodeValidation},
		{"already verified", apperror.AlreadyVerified(), http.StatusBadRequest, response.CodeValidation},
		{"duplicate", apperror.Duplicate("email"), http.StatusBadRequest, response.CodeDuplicate},
		{"unauthenticated", apperror.Unauthenticated("no"), http.StatusUnauthorized, response.CodeUnauthenticated},
		{"csrf", apperror.CSRF(), http.StatusForbidden, response.CodeCSRF},
		{"forbidden", apperror.Forbidden("no"), http.StatusForbidden, response.CodeForbidden},
		{"not found", apperror.NotFound("user", "x"), http.StatusNotFound, response.CodeNotFound},
		{"too many", apperror.TooManyRequests(), http.StatusTooManyRequests, response.CodeTooManyRequests},
		{"wrapped", fmt.Errorf("service: %w", apperror.NotFound("user", "x")), http.StatusNotFound, response.CodeNotFound},
		{"plain error", errors.New("disk full"), http.StatusInternalServerError, response.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code := response.Status(tc.err)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantCode, code)
		})
	}
}

func TestError_BodyShape(t *testing.T) {
	rec := httptest.NewRecorder()
	response.Error(rec, nil, apperror.Duplicate("username"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, response.CodeDuplicate, body.Error)
	assert.Equal(t, "username", body.Field)
	assert.NotEmpty(t, body.Message)
}

func TestError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	response.Error(rec, logger, errors.New("sqlite: no such table: users"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sqlite")
	assert.Contains(t, rec.Body.String(), `"success":false`)
}
