package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/mailer"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
	"github.com/sakif/authcore/internal/scheduler"
)

// EMAIL VERIFICATION AND PASSWORD RESET:
// Both follow the same per-user lifecycle:
//
//	NoPendingToken → TokenIssued → Consumed | Expired
//
// Tokens are 32 random bytes, hex encoded, stored next to an expiry. The
// store only matches a token while its expiry is in the future, so an
// expired token behaves exactly like an unknown one.

const (
	invalidVerificationLink = "Invalid or expired verification link"
	invalidResetLink        = "The password reset link is invalid or has expired"
)

// Deferrer schedules keyed work for later. *scheduler.Deferred satisfies it.
type Deferrer interface {
	Schedule(key string, delay time.Duration, fn scheduler.Task) bool
}

// VerificationConfig sets token lifetimes and the base URL used in links.
type VerificationConfig struct {
	VerificationTTL time.Duration
	ClearDelay      time.Duration
	ResetTTL        time.Duration
	PublicURL       string
}

// VerificationService runs the email-verification and password-reset flows.
type VerificationService struct {
	users   repository.UserRepository
	refresh repository.RefreshTokenRepository
	mail    mailer.Mailer
	later   Deferrer
	cfg     VerificationConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewVerificationService(
	users repository.UserRepository,
	refresh repository.RefreshTokenRepository,
	mail mailer.Mailer,
	later Deferrer,
	cfg VerificationConfig,
	logger *slog.Logger,
) *VerificationService {
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &VerificationService{
		users:   users,
		refresh: refresh,
		mail:    mail,
		later:   later,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// RequestVerification issues a new verification token for an unverified
// account and mails it. It fails with NotFound for an unknown email and
// AlreadyVerified when there is nothing to do.
func (s *VerificationService) RequestVerification(ctx context.Context, email string) error {
	user, err := s.users.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("service/verification: %w", err)
	}
	if user.IsVerified {
		return apperror.AlreadyVerified()
	}

	if err := s.attachVerificationToken(user); err != nil {
		return err
	}
	if err := s.users.SetVerificationToken(ctx, user.ID, *user.VerificationToken, *user.VerificationTokenExpiry); err != nil {
		return fmt.Errorf("service/verification: saving token for %s: %w", user.ID, err)
	}

	s.sendVerification(ctx, user)
	return nil
}

// ConsumeVerification marks the token's owner verified.
//
// It is idempotent while the token is live: a second call with the same
// token succeeds without writing anything. The token itself is cleared
// only after ClearDelay, so near-simultaneous duplicate confirmations (a
// mail scanner followed by the user, say) both see success.
func (s *VerificationService) ConsumeVerification(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperror.InvalidOrExpired(invalidVerificationLink)
	}

	user, err := s.users.FindByVerificationToken(ctx, token, s.now())
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.InvalidOrExpired(invalidVerificationLink)
		}
		return nil, fmt.Errorf("service/verification: %w", err)
	}

	if user.IsVerified {
		return user, nil
	}

	if err := s.users.MarkVerified(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("service/verification: marking %s verified: %w", user.ID, err)
	}
	user.IsVerified = true

	userID := user.ID
	s.later.Schedule("verification:"+userID, s.cfg.ClearDelay, func(ctx context.Context) {
		cleared, err := s.users.ClearVerificationToken(ctx, userID, token)
		if err != nil {
			s.logger.Error("clearing verification token",
				slog.String("userID", userID),
				slog.String("error", err.Error()),
			)
			return
		}
		if cleared {
			s.logger.Info("verification token cleared", slog.String("userID", userID))
		}
	})

	s.logger.Info("email verified", slog.String("userID", user.ID))
	return user, nil
}

// RequestPasswordReset issues a one-hour reset token and mails it. Accounts
// that sign in through GitHub have no password and are refused.
func (s *VerificationService) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.users.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("service/verification: %w", err)
	}
	if user.IsExternal() {
		return apperror.ValidationFailed("email", "This account signs in with GitHub and has no password to reset")
	}

	token, err := auth.NewRandomToken()
	if err != nil {
		return fmt.Errorf("service/verification: %w", err)
	}
	expiry := s.now().Add(s.cfg.ResetTTL)
	if err := s.users.SetResetToken(ctx, user.ID, token, expiry); err != nil {
		return fmt.Errorf("service/verification: saving reset token for %s: %w", user.ID, err)
	}

	if err := s.mail.SendPasswordReset(ctx, user.Email, user.Username, s.cfg.PublicURL+"/reset-password/"+token); err != nil {
		s.logger.Error("sending password reset email",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("password reset requested", slog.String("userID", user.ID))
	return nil
}

// VerifyResetToken reports whether token is live. It does not consume it.
func (s *VerificationService) VerifyResetToken(ctx context.Context, token string) error {
	if token == "" {
		return apperror.InvalidOrExpired(invalidResetLink)
	}
	if _, err := s.users.FindByResetToken(ctx, token, s.now()); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.InvalidOrExpired(invalidResetLink)
		}
		return fmt.Errorf("service/verification: %w", err)
	}
	return nil
}

// ConsumeReset sets a new password using a live reset token. The length
// check runs before anything is read or written. Expiry is checked again
// here, in the same statement that swaps the password, and all of the
// user's refresh tokens are revoked afterwards.
func (s *VerificationService) ConsumeReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return apperror.WeakPassword(MinPasswordLength)
	}
	if len(newPassword) > auth.MaxPasswordBytes {
		return apperror.ValidationFailed("newPassword",
			fmt.Sprintf("Password must be at most %d bytes long", auth.MaxPasswordBytes))
	}

	user, err := s.users.ConsumeResetToken(ctx, token, newPassword, s.now())
	if err != nil {
		return fmt.Errorf("service/verification: %w", err)
	}

	n, err := s.refresh.RevokeAllRefreshTokens(ctx, user.ID)
	if err != nil {
		s.logger.Error("revoking sessions after password reset",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("password reset", slog.String("userID", user.ID), slog.Int64("sessionsRevoked", n))
	return nil
}

// attachVerificationToken puts a fresh token and expiry on user without
// saving it.
func (s *VerificationService) attachVerificationToken(user *model.User) error {
	token, err := auth.NewRandomToken()
	if err != nil {
		return fmt.Errorf("service/verification: %w", err)
	}
	expiry := s.now().Add(s.cfg.VerificationTTL)
	user.VerificationToken = &token
	user.VerificationTokenExpiry = &expiry
	return nil
}

// sendVerification mails the link for user's current token. Failures are
// logged only.
func (s *VerificationService) sendVerification(ctx context.Context, user *model.User) {
	if user.VerificationToken == nil {
		return
	}
	link := s.cfg.PublicURL + "/verify-email/" + *user.VerificationToken
	if err := s.mail.SendVerification(ctx, user.Email, user.Username, link); err != nil {
		s.logger.Error("sending verification email",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
	}
}
