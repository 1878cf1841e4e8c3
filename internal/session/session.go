// Package session manages the four cookies that make up a browser session:
//
//	token         access JWT        httpOnly  SameSite=Lax     Max-Age = access TTL
//	refreshToken  refresh JWT       httpOnly  SameSite=Lax     Max-Age = refresh TTL
//	XSRF-TOKEN    CSRF token        readable  SameSite=Strict  session cookie
//	_csrf         CSRF secret       httpOnly  SameSite=Strict  session cookie
//
// All cookies use Path=/ and are Secure in production.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/sakif/authcore/internal/middleware"
)

const (
	AccessCookie     = "token"
	RefreshCookie    = "refreshToken"
	CSRFTokenCookie  = "XSRF-TOKEN"
	CSRFSecretCookie = "_csrf"

	// SecretBytes is the size of the per-session CSRF secret.
	SecretBytes = 32
)

type contextKey string

const secretKey contextKey = "csrfSecret"

// Manager sets and clears session cookies. Secure is the only
// environment-dependent attribute.
type Manager struct {
	secure bool
}

func NewManager(secure bool) *Manager {
	return &Manager{secure: secure}
}

func (m *Manager) cookie(name, value string, maxAge time.Duration, httpOnly bool, sameSite http.SameSite) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: httpOnly,
		Secure:   m.secure,
		SameSite: sameSite,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge / time.Second)
		c.Expires = time.Now().Add(maxAge)
	}
	return c
}

// SetAccessToken sets the access-token cookie with Max-Age equal to ttl.
func (m *Manager) SetAccessToken(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, m.cookie(AccessCookie, value, ttl, true, http.SameSiteLaxMode))
}

// SetRefreshToken sets the refresh-token cookie with Max-Age equal to ttl.
func (m *Manager) SetRefreshToken(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, m.cookie(RefreshCookie, value, ttl, true, http.SameSiteLaxMode))
}

// SetCSRFToken sets the client-readable CSRF token cookie.
func (m *Manager) SetCSRFToken(w http.ResponseWriter, token string) {
	http.SetCookie(w, m.cookie(CSRFTokenCookie, token, 0, false, http.SameSiteStrictMode))
}

func (m *Manager) setCSRFSecret(w http.ResponseWriter, secret string) {
	http.SetCookie(w, m.cookie(CSRFSecretCookie, secret, 0, true, http.SameSiteStrictMode))
}

// ClearAll expires every session cookie, whether or not the request carried
// it. It cannot fail.
func (m *Manager) ClearAll(w http.ResponseWriter) {
	for _, c := range []struct {
		name     string
		httpOnly bool
		sameSite http.SameSite
	}{
		{AccessCookie, true, http.SameSiteLaxMode},
		{RefreshCookie, true, http.SameSiteLaxMode},
		{CSRFTokenCookie, false, http.SameSiteStrictMode},
		{CSRFSecretCookie, true, http.SameSiteStrictMode},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: c.httpOnly,
			Secure:   m.secure,
			SameSite: c.sameSite,
		})
	}
}

// AccessToken returns the access-token cookie value, or "".
func AccessToken(r *http.Request) string { return cookieValue(r, AccessCookie) }

// RefreshToken returns the refresh-token cookie value, or "".
func RefreshToken(r *http.Request) string { return cookieValue(r, RefreshCookie) }

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// Guard makes sure the request has a per-session CSRF secret. An existing
// _csrf cookie is reused. Otherwise a new secret is generated and set, and
// the request is marked as having a fresh session. Downstream guards read
// the secret with SecretFromContext.
func (m *Manager) Guard() middleware.Guard {
	return middleware.Guard{
		Name: "session",
		Check: func(w http.ResponseWriter, r *http.Request) (*http.Request, error) {
			if secret := cookieValue(r, CSRFSecretCookie); validSecret(secret) {
				return r.WithContext(withSecret(r.Context(), Secret{Value: secret})), nil
			}

			secret, err := newSecret()
			if err != nil {
				return nil, err
			}
			m.setCSRFSecret(w, secret)
			return r.WithContext(withSecret(r.Context(), Secret{Value: secret, Fresh: true})), nil
		},
	}
}

// Secret is the per-session CSRF secret. Fresh is true when it was created
// during this request, so no token issued for it can exist yet.
type Secret struct {
	Value string
	Fresh bool
}

func withSecret(ctx context.Context, s Secret) context.Context {
	return context.WithValue(ctx, secretKey, s)
}

// SecretFromContext returns the secret installed by Guard.
func SecretFromContext(ctx context.Context) (Secret, bool) {
	s, ok := ctx.Value(secretKey).(Secret)
	return s, ok && s.Value != ""
}

func newSecret() (string, error) {
	b := make([]byte, SecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: generating CSRF secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validSecret(s string) bool {
	b, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil && len(b) == SecretBytes
}
