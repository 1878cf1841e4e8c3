package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/middleware"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/session"
)

// ErrUserGone means the token was valid but its subject no longer exists.
var ErrUserGone = errors.New("auth: user no longer exists")

// contextKey is package-private so no other package can read or shadow the
// identity stored under it.
type contextKey string

const identityKey contextKey = "identity"

// UserFinder is the slice of the Credential Store the authenticator needs.
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Authenticator resolves the caller's identity from an access token.
type Authenticator struct {
	issuer *Issuer
	users  UserFinder
	logger *slog.Logger
}

func NewAuthenticator(issuer *Issuer, users UserFinder, logger *slog.Logger) *Authenticator {
	return &Authenticator{issuer: issuer, users: users, logger: logger}
}

// Authenticate verifies the access token and loads the user. The cookie is
// tried first; when it is absent or fails verification, an
// "Authorization: Bearer" token is tried instead. If both fail, the cookie's
// error wins.
//
// Failures are distinct: ErrTokenMissing, ErrTokenInvalid, ErrTokenExpired
// or ErrUserGone. Store failures come back unchanged.
func (a *Authenticator) Authenticate(r *http.Request) (*model.Identity, error) {
	claims, err := a.verifyRequest(r)
	if err != nil {
		return nil, err
	}

	user, err := a.users.FindByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserGone, claims.UserID)
		}
		return nil, fmt.Errorf("auth: loading user %s: %w", claims.UserID, err)
	}
	return model.IdentityOf(user), nil
}

// Guard requires a valid access token. All token failures reach the client
// as the same 401; the reason is only logged.
func (a *Authenticator) Guard() middleware.Guard {
	return middleware.Guard{
		Name: "authenticate",
		Check: func(w http.ResponseWriter, r *http.Request) (*http.Request, error) {
			identity, err := a.Authenticate(r)
			if err != nil {
				reason, ok := failureReason(err)
				if !ok {
					return nil, err
				}
				a.logger.Warn("authentication failed",
					slog.String("reason", reason),
					slog.String("path", r.URL.Path),
				)
				return nil, apperror.Unauthenticated("Authentication required")
			}
			return r.WithContext(WithIdentity(r.Context(), identity)), nil
		},
	}
}

// RequireRole rejects callers whose role differs from role. It must come
// after the authenticate guard in the chain.
func RequireRole(role model.Role) middleware.Guard {
	return middleware.Guard{
		Name: "requireRole:" + string(role),
		Check: func(w http.ResponseWriter, r *http.Request) (*http.Request, error) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				return nil, apperror.Unauthenticated("Authentication required")
			}
			if identity.Role != role {
				return nil, apperror.Forbidden(fmt.Sprintf("This action requires the %s role", role))
			}
			return r, nil
		},
	}
}

// WithIdentity stores identity in ctx.
func WithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the identity set by the authenticate guard.
func IdentityFromContext(ctx context.Context) (*model.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*model.Identity)
	return identity, ok && identity != nil
}

func (a *Authenticator) verifyRequest(r *http.Request) (*Claims, error) {
	cookie, bearer := session.AccessToken(r), bearerToken(r)
	if cookie == "" {
		return a.issuer.VerifyAccessToken(bearer)
	}

	claims, err := a.issuer.VerifyAccessToken(cookie)
	if err == nil || bearer == "" {
		return claims, err
	}
	if fromHeader, herr := a.issuer.VerifyAccessToken(bearer); herr == nil {
		return fromHeader, nil
	}
	return nil, err
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	return ""
}

func failureReason(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return "missing token", true
	case errors.Is(err, ErrTokenExpired):
		return "expired", true
	case errors.Is(err, ErrTokenInvalid):
		return "invalid signature", true
	case errors.Is(err, ErrUserGone):
		return "user no longer exists", true
	}
	return "", false
}
