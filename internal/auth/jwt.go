// Package auth issues and verifies tokens, hashes passwords, and resolves
// the caller's identity for the HTTP layer.
//
// TOKEN KINDS:
// Access tokens are short-lived (minutes) and authorize individual requests.
// Refresh tokens are long-lived (days) and are only ever exchanged at
// /refresh for a new pair. Each kind is signed with its own HMAC secret, so
// leaking one secret cannot be used to forge the other kind.
//
// Both are HS256 JWTs:
//
//	HEADER.PAYLOAD.SIGNATURE
//	payload: {"sub":"<userID>","jti":"<uuid>","typ":"access|refresh","exp":…,"iat":…,"iss":"authcore"}
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuerName = "authcore"

	// MinSecretLength is the shortest HMAC secret NewIssuer accepts.
	MinSecretLength = 32
)

var (
	// ErrTokenMissing means no token was presented at all.
	ErrTokenMissing = errors.New("auth: token missing")
	// ErrTokenInvalid covers bad signatures, wrong secret, wrong kind and
	// malformed tokens.
	ErrTokenInvalid = errors.New("auth: token invalid")
	// ErrTokenExpired means the signature was fine but exp has passed.
	ErrTokenExpired = errors.New("auth: token expired")
)

// Kind distinguishes access from refresh tokens inside the claims.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// claims is the JWT payload.
type claims struct {
	jwt.RegisteredClaims
	Kind Kind `json:"typ"`
}

// Token is a freshly signed token plus the metadata the caller needs to
// persist it (refresh) or size its cookie (both).
type Token struct {
	Value     string
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// Claims is what a successful verification yields.
type Claims struct {
	UserID    string
	TokenID   string
	Kind      Kind
	ExpiresAt time.Time
}

// IssuerConfig configures NewIssuer.
type IssuerConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Issuer is the Token Issuer: it signs and verifies both token kinds.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewIssuer validates cfg and returns an Issuer. The two secrets must both
// be at least MinSecretLength characters and must differ.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.AccessSecret) < MinSecretLength || len(cfg.RefreshSecret) < MinSecretLength {
		return nil, fmt.Errorf("auth: JWT secrets must be at least %d characters", MinSecretLength)
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("auth: token lifetimes must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           now,
	}, nil
}

// AccessTTL is the lifetime of access tokens, used for cookie Max-Age.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL is the lifetime of refresh tokens, used for cookie Max-Age.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccessToken signs an access token for userID with the access secret.
func (i *Issuer) IssueAccessToken(userID string) (*Token, error) {
	return i.issue(userID, KindAccess, i.accessSecret, i.accessTTL)
}

// IssueRefreshToken signs a refresh token for userID with the refresh secret.
// The returned Token.ID must be persisted for rotation to work.
func (i *Issuer) IssueRefreshToken(userID string) (*Token, error) {
	return i.issue(userID, KindRefresh, i.refreshSecret, i.refreshTTL)
}

func (i *Issuer) issue(userID string, kind Kind, secret []byte, ttl time.Duration) (*Token, error) {
	if userID == "" {
		return nil, errors.New("auth: cannot issue a token without a subject")
	}

	now := i.now()
	expiresAt := now.Add(ttl)
	id := uuid.NewString()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    issuerName,
		},
		Kind: kind,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		return nil, fmt.Errorf("auth: signing %s token: %w", kind, err)
	}

	return &Token{
		Value:     signed,
		ID:        id,
		UserID:    userID,
		ExpiresAt: jwt.NewNumericDate(expiresAt).Time,
	}, nil
}

// VerifyAccessToken verifies tokenStr as an access token.
func (i *Issuer) VerifyAccessToken(tokenStr string) (*Claims, error) {
	return i.verify(tokenStr, i.accessSecret, KindAccess)
}

// VerifyRefreshToken verifies tokenStr as a refresh token.
func (i *Issuer) VerifyRefreshToken(tokenStr string) (*Claims, error) {
	return i.verify(tokenStr, i.refreshSecret, KindRefresh)
}

// Verify checks tokenStr against an arbitrary secret without constraining
// the kind. It returns ErrTokenInvalid or ErrTokenExpired on failure.
func (i *Issuer) Verify(tokenStr string, secret []byte) (*Claims, error) {
	return i.verify(tokenStr, secret, "")
}

// verify checks, in order: presence, algorithm (HS256 only, to rule out
// "none" and key-confusion attacks), signature, issuer, expiry, subject and
// kind. The library verifies the signature before any claim, so a token
// signed with another secret is always ErrTokenInvalid, even when expired.
func (i *Issuer) verify(tokenStr string, secret []byte, want Kind) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrTokenMissing
	}

	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: unreadable claims", ErrTokenInvalid)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrTokenInvalid)
	}
	if want != "" && c.Kind != want {
		return nil, fmt.Errorf("%w: expected %s token, got %q", ErrTokenInvalid, want, c.Kind)
	}

	return &Claims{
		UserID:    c.Subject,
		TokenID:   c.ID,
		Kind:      c.Kind,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
