// Package csrf implements the anti-forgery guard.
//
// Each session has a random secret in the httpOnly _csrf cookie (see package
// session). Tokens are derived from it:
//
//	token = salt "." base64url(HMAC-SHA256(secret, salt))
//
// The token is handed to the client in the readable XSRF-TOKEN cookie and
// the X-CSRF-Token response header. A cross-site page can make the browser
// send both cookies but cannot read either, so it cannot put the token in a
// request header.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/middleware"
	"github.com/sakif/authcore/internal/session"
)

const (
	// HeaderName carries the token in both directions.
	HeaderName = "X-CSRF-Token"
	// AltHeaderName is the header Angular-style clients send.
	AltHeaderName = "X-XSRF-TOKEN"

	saltBytes = 16
)

// DefaultExemptPaths is the pre-authentication surface. A request whose
// path equals one of these, or sits below it, skips the guard entirely.
var DefaultExemptPaths = []string{
	"/signup",
	"/login",
	"/logout",
	"/verify-email",
	"/resend-verification",
	"/reset-password",
	"/verify-reset-token",
	"/auth/github",
	"/healthz",
}

type contextKey string

const tokenKey contextKey = "csrfToken"

// Guard validates and reissues CSRF tokens.
type Guard struct {
	sessions *session.Manager
	exempt   []string
}

// New returns a guard exempting the given paths. Trailing slashes in
// exempt are ignored.
func New(sessions *session.Manager, exempt []string) *Guard {
	cleaned := make([]string, 0, len(exempt))
	for _, p := range exempt {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &Guard{sessions: sessions, exempt: cleaned}
}

// Exempt reports whether path is on the allowlist. Matching is by whole
// segments: "/login" exempts "/login" and "/login/x" but not "/loginx".
func (g *Guard) Exempt(path string) bool {
	for _, p := range g.exempt {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Guard returns the named guard for a route chain. It must run after the
// session guard.
func (g *Guard) Guard() middleware.Guard {
	return middleware.Guard{
		Name:  "csrf",
		Check: g.check,
	}
}

func (g *Guard) check(w http.ResponseWriter, r *http.Request) (*http.Request, error) {
	if g.Exempt(r.URL.Path) {
		return r, nil
	}

	secret, ok := session.SecretFromContext(r.Context())
	if !ok {
		return nil, apperror.CSRF()
	}

	if !safeMethod(r.Method) {
		presented := r.Header.Get(HeaderName)
		if presented == "" {
			presented = r.Header.Get(AltHeaderName)
		}
		// A fresh secret fails here too, with the same error, so the
		// response does not reveal whether a session existed.
		if secret.Fresh || !Valid(secret.Value, presented) {
			return nil, apperror.CSRF()
		}
	}

	token, err := NewToken(secret.Value)
	if err != nil {
		return nil, err
	}
	g.sessions.SetCSRFToken(w, token)
	w.Header().Set(HeaderName, token)

	return r.WithContext(context.WithValue(r.Context(), tokenKey, token)), nil
}

// TokenFromContext returns the token issued for this request.
func TokenFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenKey).(string)
	return t, ok && t != ""
}

// NewToken derives a token from secret with a random salt.
func NewToken(secret string) (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("csrf: generating salt: %w", err)
	}
	salt := base64.RawURLEncoding.EncodeToString(b)
	return salt + "." + sign(secret, salt), nil
}

// Valid reports whether token was derived from secret.
func Valid(secret, token string) bool {
	if secret == "" || token == "" {
		return false
	}
	salt, mac, ok := strings.Cut(token, ".")
	if !ok || salt == "" || mac == "" {
		return false
	}
	return hmac.Equal([]byte(mac), []byte(sign(secret, salt)))
}

func sign(secret, salt string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(salt))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
