// Package repository declares the storage contracts used by the service layer.
//
// Implementations must serialize conflicting updates through the backing
// store's own atomicity (conditional UPDATE/DELETE), never through
// in-process locks: several server instances may share one store.
package repository

import (
	"context"
	"time"

	"github.com/sakif/authcore/internal/model"
)

// UserRepository is the Credential Store.
//
// Passwords cross this boundary only as plaintext and are hashed by the
// implementation before they are persisted.
type UserRepository interface {
	// Create inserts a new password account. It returns an apperror.Duplicate
	// naming "email" or "username" when either is already taken.
	Create(ctx context.Context, user *model.User, password string) error
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	// FindByEmailOrUsername returns the first account whose email equals
	// email or whose username equals username.
	FindByEmailOrUsername(ctx context.Context, email, username string) (*model.User, error)
	// FindByVerificationToken matches the exact token and only while its
	// expiry is after now.
	FindByVerificationToken(ctx context.Context, token string, now time.Time) (*model.User, error)
	// FindByResetToken matches the exact token and only while its expiry is
	// after now.
	FindByResetToken(ctx context.Context, token string, now time.Time) (*model.User, error)
	// Save persists every mutable field except the password. The password is
	// rewritten only when newPassword is non-empty, and it is re-hashed.
	// It writes the whole row, so flows that change one token use the
	// targeted setters below instead.
	Save(ctx context.Context, user *model.User, newPassword string) error

	// SetVerificationToken and SetResetToken each update only their own two
	// columns of the row with that id.
	SetVerificationToken(ctx context.Context, id, token string, expiry time.Time) error
	SetResetToken(ctx context.Context, id, token string, expiry time.Time) error

	MarkVerified(ctx context.Context, id string) error
	// ClearVerificationToken clears the verification fields only if the
	// stored token still equals token.
	ClearVerificationToken(ctx context.Context, id, token string) (bool, error)
	// ConsumeResetToken replaces the password and clears both reset fields
	// in one conditional update. It fails with apperror.InvalidOrExpired when
	// no unexpired row holds token.
	ConsumeResetToken(ctx context.Context, token, newPassword string, now time.Time) (*model.User, error)

	FindByGitHubID(ctx context.Context, githubID int64) (*model.User, error)
	// UpsertGitHub creates or refreshes an account bound to a GitHub identity.
	UpsertGitHub(ctx context.Context, user *model.User) error
}

// RefreshTokenRepository tracks live refresh tokens so they can be rotated
// and revoked.
type RefreshTokenRepository interface {
	CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error
	// ConsumeRefreshToken deletes the row for id and returns it. It returns
	// apperror.ErrNotFound when the row is absent or already consumed.
	ConsumeRefreshToken(ctx context.Context, id string) (*model.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, id string) error
	RevokeAllRefreshTokens(ctx context.Context, userID string) (int64, error)
	PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}
