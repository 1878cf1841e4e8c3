package session

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/authcore/internal/middleware"
)

func cookiesByName(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestSetAuthCookies_Attributes(t *testing.T) {
	m := NewManager(true)
	rec := httptest.NewRecorder()

	m.SetAccessToken(rec, "access-jwt", 15*time.Minute)
	m.SetRefreshToken(rec, "refresh-jwt", 7*24*time.Hour)

	c := cookiesByName(rec)
	require.Contains(t, c, AccessCookie)
	require.Contains(t, c, RefreshCookie)

	access := c[AccessCookie]
	assert.Equal(t, "access-jwt", access.Value)
	assert.True(t, access.HttpOnly)
	assert.True(t, access.Secure)
	assert.Equal(t, http.SameSiteLaxMode, access.SameSite)
	assert.Equal(t, "/", access.Path)
	assert.Equal(t, 900, access.MaxAge)

	refresh := c[RefreshCookie]
	assert.True(t, refresh.HttpOnly)
	assert.Equal(t, 7*24*3600, refresh.MaxAge)
}

func TestSetCSRFToken_IsReadableAndStrict(t *testing.T) {
	m := NewManager(false)
	rec := httptest.NewRecorder()

	m.SetCSRFToken(rec, "salt.mac")

	c := cookiesByName(rec)[CSRFTokenCookie]
	require.NotNil(t, c)
	assert.False(t, c.HttpOnly, "the client must be able to read it")
	assert.False(t, c.Secure, "not secure outside production")
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
}

// Logout with only some cookies present still clears all four.
func TestClearAll_ClearsEveryCookie(t *testing.T) {
	m := NewManager(false)
	rec := httptest.NewRecorder()

	m.ClearAll(rec)

	c := cookiesByName(rec)
	for _, name := range []string{AccessCookie, RefreshCookie, CSRFTokenCookie, CSRFSecretCookie} {
		require.Contains(t, c, name)
		assert.Empty(t, c[name].Value, name)
		assert.Equal(t, -1, c[name].MaxAge, name)
		assert.Equal(t, "/", c[name].Path, name)
	}
}

func TestCookieReaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, AccessToken(r))
	assert.Empty(t, RefreshToken(r))

	r.AddCookie(&http.Cookie{Name: AccessCookie, Value: "a"})
	r.AddCookie(&http.Cookie{Name: RefreshCookie, Value: "r"})
	assert.Equal(t, "a", AccessToken(r))
	assert.Equal(t, "r", RefreshToken(r))
}

func runGuard(t *testing.T, m *Manager, r *http.Request) (*httptest.ResponseRecorder, Secret) {
	t.Helper()
	var got Secret
	chain := middleware.NewChain(slog.New(slog.NewTextHandler(io.Discard, nil)), m.Guard())
	rec := httptest.NewRecorder()
	chain.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		got, ok = SecretFromContext(r.Context())
		require.True(t, ok)
	}).ServeHTTP(rec, r)
	return rec, got
}

func TestGuard_CreatesSecretWhenAbsent(t *testing.T) {
	m := NewManager(false)

	rec, secret := runGuard(t, m, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, secret.Fresh)
	c := cookiesByName(rec)[CSRFSecretCookie]
	require.NotNil(t, c)
	assert.Equal(t, secret.Value, c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
}

func TestGuard_ReusesExistingSecret(t *testing.T) {
	m := NewManager(false)
	_, first := runGuard(t, m, httptest.NewRequest(http.MethodGet, "/", nil))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: CSRFSecretCookie, Value: first.Value})
	rec, second := runGuard(t, m, r)

	assert.False(t, second.Fresh)
	assert.Equal(t, first.Value, second.Value)
	assert.NotContains(t, cookiesByName(rec), CSRFSecretCookie, "no new secret cookie")
}

func TestGuard_ReplacesMalformedSecret(t *testing.T) {
	m := NewManager(false)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: CSRFSecretCookie, Value: "too-short"})
	_, secret := runGuard(t, m, r)

	assert.True(t, secret.Fresh)
	assert.NotEqual(t, "too-short", secret.Value)
}
