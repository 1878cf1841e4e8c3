package middleware

import (
	"log/slog"
	"net/http"

	"github.com/sakif/authcore/internal/response"
)

// Guard is one named step in a route's admission checks.
//
// Check returns the request to continue with (it may carry new context
// values) or an error to reject. A guard may also set response headers or
// cookies on w; those survive a later rejection.
type Guard struct {
	Name  string
	Check func(w http.ResponseWriter, r *http.Request) (*http.Request, error)
}

// Chain is an ordered list of guards evaluated per route:
//
//	session → csrf → [ratelimit] → [authenticate] → [requireRole] → handler
//
// Evaluation stops at the first rejection, which is written with
// response.Error. CORS runs before any chain as global router middleware.
type Chain struct {
	guards []Guard
	logger *slog.Logger
}

// NewChain returns a chain running guards in the given order.
func NewChain(logger *slog.Logger, guards ...Guard) *Chain {
	return &Chain{guards: guards, logger: logger}
}

// With returns a new chain with extra guards appended. The receiver is not
// modified, so a shared base chain can be extended per route.
func (c *Chain) With(guards ...Guard) *Chain {
	all := make([]Guard, 0, len(c.guards)+len(guards))
	all = append(all, c.guards...)
	all = append(all, guards...)
	return &Chain{guards: all, logger: c.logger}
}

// Names lists guard names in evaluation order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.guards))
	for i, g := range c.guards {
		names[i] = g.Name
	}
	return names
}

// Then wraps h so every request passes the chain first.
func (c *Chain) Then(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, g := range c.guards {
			next, err := g.Check(w, r)
			if err != nil {
				c.logger.Debug("guard rejected request",
					slog.String("guard", g.Name),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				response.Error(w, c.logger, err)
				return
			}
			if next != nil {
				r = next
			}
		}
		h.ServeHTTP(w, r)
	})
}

// ThenFunc is Then for a handler function.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	return c.Then(fn)
}
