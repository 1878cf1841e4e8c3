package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/csrf"
	"github.com/sakif/authcore/internal/response"
)

// HandleCSRFToken hands the client the token the csrf guard just issued.
//
// HTTP: GET /csrf-token
func HandleCSRFToken(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := csrf.TokenFromContext(r.Context())
		if !ok {
			response.Error(w, logger, apperror.CSRF())
			return
		}
		response.JSON(w, http.StatusOK, struct {
			Success   bool   `json:"success"`
			CSRFToken string `json:"csrfToken"`
		}{true, token})
	}
}

// Pinger is anything whose liveness /healthz reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth answers 200 while every pinger responds.
//
// HTTP: GET /healthz
func HandleHealth(logger *slog.Logger, pingers map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make(map[string]string, len(pingers))
		status := http.StatusOK
		for name, p := range pingers {
			if err := p.Ping(r.Context()); err != nil {
				logger.Warn("health check failed", slog.String("dependency", name), slog.String("error", err.Error()))
				checks[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		response.JSON(w, status, struct {
			Success bool              `json:"success"`
			Checks  map[string]string `json:"checks"`
		}{status == http.StatusOK, checks})
	}
}
