package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"

	"github.com/sakif/authcore/internal/apperror"
)

type ctxKey string

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recording returns a guard that appends its name to *trace and either
// continues or rejects with err.
func recording(name string, trace *[]string, err error) Guard {
	return Guard{
		Name: name,
		Check: func(w http.ResponseWriter, r *http.Request) (*http.Request, error) {
			*trace = append(*trace, name)
			if err != nil {
				return nil, err
			}
			return r.WithContext(context.WithValue(r.Context(), ctxKey(name), true)), nil
		},
	}
}

func TestChain_RunsInOrderAndEnrichesRequest(t *testing.T) {
	var trace []string
	chain := NewChain(discard(),
		recording("session", &trace, nil),
		recording("csrf", &trace, nil),
		recording("authenticate", &trace, nil),
	)

	var sawAll bool
	h := chain.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAll = r.Context().Value(ctxKey("session")) == true &&
			r.Context().Value(ctxKey("csrf")) == true &&
			r.Context().Value(ctxKey("authenticate")) == true
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"session", "csrf", "authenticate"}, trace)
	assert.True(t, sawAll, "each guard's context must reach the handler")
}

func TestChain_StopsAtFirstRejection(t *testing.T) {
	var trace []string
	chain := NewChain(discard(),
		recording("session", &trace, nil),
		recording("csrf", &trace, apperror.CSRF()),
		recording("authenticate", &trace, nil),
	)

	called := false
	h := chain.ThenFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refresh", nil))

	assert.False(t, called)
	assert.Equal(t, []string{"session", "csrf"}, trace)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"CSRF_ERROR"`)
}

func TestChain_UnknownErrorIsGeneric500(t *testing.T) {
	var trace []string
	chain := NewChain(discard(), recording("boom", &trace, errors.New("secret internals")))

	rec := httptest.NewRecorder()
	chain.ThenFunc(func(http.ResponseWriter, *http.Request) {}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret internals")
}

func TestChain_WithDoesNotModifyBase(t *testing.T) {
	var trace []string
	base := NewChain(discard(), recording("session", &trace, nil), recording("csrf", &trace, nil))
	authed := base.With(recording("authenticate", &trace, nil))

	assert.Equal(t, []string{"session", "csrf"}, base.Names())
	assert.Equal(t, []string{"session", "csrf", "authenticate"}, authed.Names())
}

func TestLogger_RecordsStatusAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := chimiddleware.RequestID(Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/pot", nil))

	out := buf.String()
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"path":"/pot"`)
	assert.Contains(t, out, `"bytes":15`)
	assert.Regexp(t, `"request_id":"[^"]+"`, out)
}
