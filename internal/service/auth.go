// Package service holds the authentication business rules.
//
//	handler (HTTP) → AuthService / VerificationService → repository (SQLite)
//	                          ↘ auth.Issuer (JWT), auth.PasswordService (bcrypt)
//
// Nothing in this package knows about HTTP. Failures are apperror values
// the handler layer maps to status codes; everything else is a 500.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

// MinPasswordLength applies to signup and password reset alike.
const MinPasswordLength = 6

const invalidCredentials = "Invalid email or password"

// AuthService handles signup, login, token refresh and logout.
type AuthService struct {
	users        repository.UserRepository
	refresh      repository.RefreshTokenRepository
	issuer       *auth.Issuer
	passwords    *auth.PasswordService
	verification *VerificationService
	logger       *slog.Logger

	allowAdminSignup bool

	dummyOnce sync.Once
	dummyHash string
}

// AuthDeps groups AuthService's collaborators.
type AuthDeps struct {
	Users            repository.UserRepository
	RefreshTokens    repository.RefreshTokenRepository
	Issuer           *auth.Issuer
	Passwords        *auth.PasswordService
	Verification     *VerificationService
	Logger           *slog.Logger
	AllowAdminSignup bool
}

func NewAuthService(d AuthDeps) *AuthService {
	return &AuthService{
		users:            d.Users,
		refresh:          d.RefreshTokens,
		issuer:           d.Issuer,
		passwords:        d.Passwords,
		verification:     d.Verification,
		logger:           d.Logger,
		allowAdminSignup: d.AllowAdminSignup,
	}
}

// Session is a freshly issued token pair for a user. The handler turns it
// into cookies and a JSON body.
type Session struct {
	User    *model.User
	Access  *auth.Token
	Refresh *auth.Token
}

// SignupInput is the validated signup request.
type SignupInput struct {
	Username string
	Email    string
	Password string
	Role     model.Role
}

// Signup creates a password account with a pending email-verification token,
// sends the verification mail and signs the new user in.
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (*Session, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if len(in.Password) < MinPasswordLength {
		return nil, apperror.ValidationFailed("password",
			fmt.Sprintf("Password must be at least %d characters long", MinPasswordLength))
	}

	role := in.Role
	switch {
	case role == "":
		role = model.RoleUser
	case !role.Valid():
		return nil, apperror.ValidationFailed("role", "Role must be user or admin")
	case role == model.RoleAdmin && !s.allowAdminSignup:
		return nil, apperror.ValidationFailed("role", "Admin accounts cannot be created through signup")
	}

	user := &model.User{
		Username: in.Username,
		Email:    in.Email,
		Role:     role,
	}
	if err := s.verification.attachVerificationToken(user); err != nil {
		return nil, err
	}

	if err := s.users.Create(ctx, user, in.Password); err != nil {
		return nil, fmt.Errorf("service/auth: creating user %s: %w", in.Username, err)
	}

	s.logger.Info("user signed up",
		slog.String("userID", user.ID),
		slog.String("username", user.Username),
	)

	s.verification.sendVerification(ctx, user)

	return s.issueSession(ctx, user)
}

// Login accepts an email or a username in identifier. Unknown accounts and
// wrong passwords get the same message.
func (s *AuthService) Login(ctx context.Context, identifier, password string) (*Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, apperror.Unauthenticated(invalidCredentials)
	}

	user, err := s.users.FindByEmailOrUsername(ctx, strings.ToLower(identifier), identifier)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.burnPasswordCheck(password)
			s.logger.Info("login failed", slog.String("reason", "unknown account"))
			return nil, apperror.Unauthenticated(invalidCredentials)
		}
		return nil, fmt.Errorf("service/auth: looking up %q: %w", identifier, err)
	}

	if user.IsExternal() {
		return nil, apperror.Unauthenticated("This account uses GitHub sign-in. Please log in with GitHub.")
	}

	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Info("login failed", slog.String("reason", "wrong password"), slog.String("userID", user.ID))
			return nil, apperror.Unauthenticated(invalidCredentials)
		}
		return nil, fmt.Errorf("service/auth: verifying password for %s: %w", user.ID, err)
	}

	s.logger.Info("user logged in", slog.String("userID", user.ID))
	return s.issueSession(ctx, user)
}

// Refresh exchanges a refresh token for a new access and refresh pair.
//
// The presented token's row is deleted as part of the exchange. If the row
// is already gone the token has been used before (or revoked), which means
// it may have been stolen, so every refresh token of that user is revoked.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := s.issuer.VerifyRefreshToken(refreshToken)
	if err != nil {
		s.logger.Warn("refresh rejected", slog.String("reason", err.Error()))
		return nil, apperror.Unauthenticated("Invalid or expired refresh token")
	}

	row, err := s.refresh.ConsumeRefreshToken(ctx, claims.TokenID)
	if err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			return nil, fmt.Errorf("service/auth: consuming refresh token: %w", err)
		}
		n, revokeErr := s.refresh.RevokeAllRefreshTokens(ctx, claims.UserID)
		if revokeErr != nil {
			return nil, fmt.Errorf("service/auth: revoking refresh tokens for %s: %w", claims.UserID, revokeErr)
		}
		s.logger.Warn("refresh token reuse detected, sessions revoked",
			slog.String("userID", claims.UserID),
			slog.Int64("revoked", n),
		)
		return nil, apperror.Unauthenticated("Invalid or expired refresh token")
	}
	if row.UserID != claims.UserID {
		return nil, apperror.Unauthenticated("Invalid or expired refresh token")
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthenticated("Invalid or expired refresh token")
		}
		return nil, fmt.Errorf("service/auth: loading user %s: %w", claims.UserID, err)
	}

	return s.issueSession(ctx, user)
}

// Logout revokes the presented refresh token, if it is one of ours. It
// never fails because of the token: an absent, expired or forged refresh
// token still logs out.
func (s *AuthService) Logout(ctx context.Context, userID, refreshToken string) {
	if refreshToken == "" {
		return
	}
	claims, err := s.issuer.VerifyRefreshToken(refreshToken)
	if err != nil || claims.UserID != userID {
		return
	}
	if err := s.refresh.DeleteRefreshToken(ctx, claims.TokenID); err != nil {
		s.logger.Error("revoking refresh token on logout",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("user logged out", slog.String("userID", userID))
}

// LoginWithGitHub upserts the account bound to the GitHub identity and signs
// it in.
func (s *AuthService) LoginWithGitHub(ctx context.Context, gh *auth.GitHubUser) (*Session, error) {
	if gh == nil {
		return nil, fmt.Errorf("service/auth: GitHub user must not be nil")
	}

	id := gh.ID
	user := &model.User{
		Username:  gh.Login,
		Email:     strings.ToLower(gh.Email),
		AvatarURL: gh.AvatarURL,
		GitHubID:  &id,
	}
	if err := s.users.UpsertGitHub(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: upserting GitHub user %d: %w", gh.ID, err)
	}

	s.logger.Info("user authenticated via GitHub",
		slog.String("userID", user.ID),
		slog.String("login", gh.Login),
	)
	return s.issueSession(ctx, user)
}

// GetUser returns the account with the given id.
func (s *AuthService) GetUser(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, apperror.ValidationFailed("id", "user id is required")
	}
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id, err)
	}
	return user, nil
}

func (s *AuthService) issueSession(ctx context.Context, user *model.User) (*Session, error) {
	access, err := s.issuer.IssueAccessToken(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", err)
	}
	refresh, err := s.issuer.IssueRefreshToken(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", err)
	}

	if err := s.refresh.CreateRefreshToken(ctx, &model.RefreshToken{
		ID:        refresh.ID,
		UserID:    user.ID,
		ExpiresAt: refresh.ExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("service/auth: storing refresh token: %w", err)
	}

	return &Session{User: user, Access: access, Refresh: refresh}, nil
}

// burnPasswordCheck spends one bcrypt comparison so an unknown account takes
// about as long to reject as a wrong password.
func (s *AuthService) burnPasswordCheck(password string) {
	s.dummyOnce.Do(func() {
		h, err := s.passwords.Hash("not-a-real-password")
		if err == nil {
			s.dummyHash = h
		}
	})
	if s.dummyHash != "" {
		_ = s.passwords.Verify(s.dummyHash, password)
	}
}
