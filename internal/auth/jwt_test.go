package auth

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessSecret  = "test-access-secret-at-least-32-chars!!"
	testRefreshSecret = "test-refresh-secret-at-least-32-chars!"
)

// fakeClock is a settable clock shared by issuer and verifier.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestIssuer returns an issuer with 15m/7d lifetimes and a fake clock
// starting on a whole second.
func newTestIssuer(t *testing.T) (*Issuer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	iss, err := NewIssuer(IssuerConfig{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Now:           clock.Now,
	})
	require.NoError(t, err)
	return iss, clock
}

// =========================================================================
// CONSTRUCTION
// =========================================================================

func TestNewIssuer_Rejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  IssuerConfig
	}{
		{"short access secret", IssuerConfig{AccessSecret: "short", RefreshSecret: testRefreshSecret, AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"short refresh secret", IssuerConfig{AccessSecret: testAccessSecret, RefreshSecret: "short", AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"identical secrets", IssuerConfig{AccessSecret: testAccessSecret, RefreshSecret: testAccessSecret, AccessTTL: time.Minute, RefreshTTL: time.Hour}},
		{"zero access ttl", IssuerConfig{AccessSecret: testAccessSecret, RefreshSecret: testRefreshSecret, RefreshTTL: time.Hour}},
		{"negative refresh ttl", IssuerConfig{AccessSecret: testAccessSecret, RefreshSecret: testRefreshSecret, AccessTTL: time.Minute, RefreshTTL: -time.Hour}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewIssuer(tc.cfg)
			assert.Error(t, err)
		})
	}
}

// =========================================================================
// ISSUE
// =========================================================================

func TestIssueAccessToken_LooksLikeJWT(t *testing.T) {
	iss, clock := newTestIssuer(t)

	tok, err := iss.IssueAccessToken("user-123")
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(tok.Value, "."), "header.payload.signature")
	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, "user-123", tok.UserID)
	assert.True(t, tok.ExpiresAt.Equal(clock.Now().Add(15*time.Minute)))
}

func TestIssueAccessToken_SameSecondStillDistinct(t *testing.T) {
	iss, _ := newTestIssuer(t)

	a, err := iss.IssueAccessToken("user-1")
	require.NoError(t, err)
	b, err := iss.IssueAccessToken("user-1")
	require.NoError(t, err)

	assert.NotEqual(t, a.Value, b.Value)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestIssue_EmptySubject(t *testing.T) {
	iss, _ := newTestIssuer(t)

	_, err := iss.IssueAccessToken("")
	assert.Error(t, err)
	_, err = iss.IssueRefreshToken("")
	assert.Error(t, err)
}

// =========================================================================
// VERIFY
// =========================================================================

func TestVerifyAccessToken_RoundTrip(t *testing.T) {
	iss, _ := newTestIssuer(t)

	tok, err := iss.IssueAccessToken("user-abc")
	require.NoError(t, err)

	claims, err := iss.VerifyAccessToken(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "user-abc", claims.UserID)
	assert.Equal(t, tok.ID, claims.TokenID)
	assert.Equal(t, KindAccess, claims.Kind)
	assert.True(t, claims.ExpiresAt.Equal(tok.ExpiresAt))
}

func TestVerifyRefreshToken_RoundTrip(t *testing.T) {
	iss, _ := newTestIssuer(t)

	tok, err := iss.IssueRefreshToken("user-abc")
	require.NoError(t, err)

	claims, err := iss.VerifyRefreshToken(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "user-abc", claims.UserID)
	assert.Equal(t, KindRefresh, claims.Kind)
}

// A token verifies up to its expiry and fails with ErrTokenExpired strictly
// after it.
func TestVerify_ExpiryBoundary(t *testing.T) {
	iss, clock := newTestIssuer(t)

	tok, err := iss.IssueAccessToken("user-1")
	require.NoError(t, err)

	clock.Advance(15*time.Minute - time.Second)
	_, err = iss.VerifyAccessToken(tok.Value)
	require.NoError(t, err, "one second before expiry")

	clock.Advance(2 * time.Second)
	_, err = iss.VerifyAccessToken(tok.Value)
	assert.True(t, errors.Is(err, ErrTokenExpired), "got %v", err)
}

func TestVerify_WrongSecretIsAlwaysInvalid(t *testing.T) {
	iss, clock := newTestIssuer(t)

	tok, err := iss.IssueAccessToken("user-1")
	require.NoError(t, err)

	_, err = iss.Verify(tok.Value, []byte("some-other-secret-that-is-long-enough"))
	assert.True(t, errors.Is(err, ErrTokenInvalid), "got %v", err)

	// Still invalid, not expired, once the token has also run out.
	clock.Advance(time.Hour)
	_, err = iss.Verify(tok.Value, []byte("some-other-secret-that-is-long-enough"))
	assert.True(t, errors.Is(err, ErrTokenInvalid), "got %v", err)
}

func TestVerify_KindsAreNotInterchangeable(t *testing.T) {
	iss, _ := newTestIssuer(t)

	access, err := iss.IssueAccessToken("user-1")
	require.NoError(t, err)
	refresh, err := iss.IssueRefreshToken("user-1")
	require.NoError(t, err)

	_, err = iss.VerifyRefreshToken(access.Value)
	assert.True(t, errors.Is(err, ErrTokenInvalid), "access token at /refresh")

	_, err = iss.VerifyAccessToken(refresh.Value)
	assert.True(t, errors.Is(err, ErrTokenInvalid), "refresh token as access")
}

func TestVerify_ExplicitSecretAcceptsEitherKind(t *testing.T) {
	iss, _ := newTestIssuer(t)

	refresh, err := iss.IssueRefreshToken("user-9")
	require.NoError(t, err)

	claims, err := iss.Verify(refresh.Value, []byte(testRefreshSecret))
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.UserID)
}

func TestVerify_Malformed(t *testing.T) {
	iss, _ := newTestIssuer(t)
	tok, err := iss.IssueAccessToken("user-1")
	require.NoError(t, err)

	cases := map[string]string{
		"tampered signature": tok.Value[:len(tok.Value)-3] + "xxx",
		"garbage":            "not.a.jwt.token",
		"single segment":     "abc",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := iss.VerifyAccessToken(value)
			assert.True(t, errors.Is(err, ErrTokenInvalid), "got %v", err)
		})
	}
}

func TestVerify_Empty(t *testing.T) {
	iss, _ := newTestIssuer(t)

	_, err := iss.VerifyAccessToken("")
	assert.True(t, errors.Is(err, ErrTokenMissing))
}
