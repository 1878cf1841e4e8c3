package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

// compile-time check that *UserDB implements repository.UserRepository
var _ repository.UserRepository = (*UserDB)(nil)

// PasswordHasher turns a plaintext password into the string stored in
// password_hash. auth.PasswordService satisfies it.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
}

// UserDB is the Credential Store. Plaintext passwords never reach SQL: every
// write path that takes a password hashes it first.
type UserDB struct {
	conn   *sql.DB
	hasher PasswordHasher
}

// Users returns the user repository bound to this pool.
func (db *DB) Users(hasher PasswordHasher) *UserDB {
	return &UserDB{conn: db.conn, hasher: hasher}
}

const userColumns = `id, username, email, password_hash, role, is_verified,
	verification_token, verification_expiry, reset_token, reset_expiry,
	github_id, avatar_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u                               model.User
		email, passwordHash             sql.NullString
		role                            string
		verificationToken, resetToken   sql.NullString
		verificationExpiry, resetExpiry sql.NullInt64
		githubID                        sql.NullInt64
		createdAt, updatedAt            int64
	)

	err := row.Scan(
		&u.ID,
		&u.Username,
		&email,
		&passwordHash,
		&role,
		&u.IsVerified,
		&verificationToken,
		&verificationExpiry,
		&resetToken,
		&resetExpiry,
		&githubID,
		&u.AvatarURL,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.Email = email.String
	u.PasswordHash = passwordHash.String
	u.Role = model.Role(role)
	if verificationToken.Valid {
		tok := verificationToken.String
		u.VerificationToken = &tok
	}
	if verificationExpiry.Valid {
		t := fromMillis(verificationExpiry.Int64)
		u.VerificationTokenExpiry = &t
	}
	if resetToken.Valid {
		tok := resetToken.String
		u.ResetPasswordToken = &tok
	}
	if resetExpiry.Valid {
		t := fromMillis(resetExpiry.Int64)
		u.ResetPasswordExpiry = &t
	}
	if githubID.Valid {
		id := githubID.Int64
		u.GitHubID = &id
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)

	return &u, nil
}

// findOne runs a single-row user query. what describes the lookup key for
// error messages.
func (u *UserDB) findOne(ctx context.Context, what, query string, args ...any) (*model.User, error) {
	user, err := scanUser(u.conn.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", what)
		}
		return nil, fmt.Errorf("sqlite: getting user by %s: %w", what, err)
	}
	return user, nil
}

// Create inserts a new password account.
//
// Duplicate detection runs twice: a lookup first, so the caller learns which
// field collided without relying on driver error text, and the UNIQUE
// constraints second, which settle races between concurrent signups.
func (u *UserDB) Create(ctx context.Context, user *model.User, password string) error {
	if user.GitHubID != nil {
		return fmt.Errorf("sqlite: external-identity accounts are created with UpsertGitHub")
	}
	if password == "" {
		return apperror.ValidationFailed("password", "password is required")
	}

	existing, err := u.FindByEmailOrUsername(ctx, user.Email, user.Username)
	switch {
	case err == nil:
		if strings.EqualFold(existing.Email, user.Email) {
			return apperror.Duplicate("email")
		}
		return apperror.Duplicate("username")
	case !errors.Is(err, apperror.ErrNotFound):
		return err
	}

	hash, err := u.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("sqlite: hashing password: %w", err)
	}

	now := time.Now().UTC()
	user.ID = xid.New().String()
	user.PasswordHash = hash
	if user.Role == "" {
		user.Role = model.RoleUser
	}
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err = u.conn.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, role, is_verified,
			verification_token, verification_expiry, reset_token, reset_expiry,
			github_id, avatar_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		user.ID,
		user.Username,
		emptyAsNull(user.Email),
		user.PasswordHash,
		string(user.Role),
		user.IsVerified,
		nullableString(user.VerificationToken),
		nullableMillis(user.VerificationTokenExpiry),
		nullableString(user.ResetPasswordToken),
		nullableMillis(user.ResetPasswordExpiry),
		user.AvatarURL,
		toMillis(user.CreatedAt),
		toMillis(user.UpdatedAt),
	)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return apperror.Duplicate(field)
		}
		return fmt.Errorf("sqlite: inserting user %s: %w", user.Username, err)
	}

	return nil
}

func (u *UserDB) FindByID(ctx context.Context, id string) (*model.User, error) {
	return u.findOne(ctx, id, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (u *UserDB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return u.findOne(ctx, email,
		`SELECT `+userColumns+` FROM users WHERE email = ? COLLATE NOCASE`, email)
}

// FindByEmailOrUsername prefers an email match when both fields match
// different rows, so duplicate reporting names "email" first.
func (u *UserDB) FindByEmailOrUsername(ctx context.Context, email, username string) (*model.User, error) {
	return u.findOne(ctx, email+"|"+username,
		`SELECT `+userColumns+` FROM users
		 WHERE email = ? COLLATE NOCASE OR username = ?
		 ORDER BY (email = ? COLLATE NOCASE) DESC
		 LIMIT 1`,
		email, username, email)
}

func (u *UserDB) FindByVerificationToken(ctx context.Context, token string, now time.Time) (*model.User, error) {
	if token == "" {
		return nil, apperror.NotFound("user", "verification token")
	}
	return u.findOne(ctx, "verification token",
		`SELECT `+userColumns+` FROM users
		 WHERE verification_token = ? AND verification_expiry > ?`,
		token, toMillis(now))
}

func (u *UserDB) FindByResetToken(ctx context.Context, token string, now time.Time) (*model.User, error) {
	if token == "" {
		return nil, apperror.NotFound("user", "reset token")
	}
	return u.findOne(ctx, "reset token",
		`SELECT `+userColumns+` FROM users
		 WHERE reset_token = ? AND reset_expiry > ?`,
		token, toMillis(now))
}

func (u *UserDB) FindByGitHubID(ctx context.Context, githubID int64) (*model.User, error) {
	return u.findOne(ctx, fmt.Sprintf("github:%d", githubID),
		`SELECT `+userColumns+` FROM users WHERE github_id = ?`, githubID)
}

// Save writes the mutable fields of user back by id.
//
// is_verified is deliberately absent: it only ever moves to true, through
// MarkVerified, so a stale in-memory copy can never un-verify an account.
// The password column is touched only when newPassword is non-empty.
func (u *UserDB) Save(ctx context.Context, user *model.User, newPassword string) error {
	user.UpdatedAt = time.Now().UTC()

	sets := `username = ?, email = ?, role = ?,
		verification_token = ?, verification_expiry = ?,
		reset_token = ?, reset_expiry = ?,
		avatar_url = ?, updated_at = ?`
	args := []any{
		user.Username,
		emptyAsNull(user.Email),
		string(user.Role),
		nullableString(user.VerificationToken),
		nullableMillis(user.VerificationTokenExpiry),
		nullableString(user.ResetPasswordToken),
		nullableMillis(user.ResetPasswordExpiry),
		user.AvatarURL,
		toMillis(user.UpdatedAt),
	}

	var newHash string
	if newPassword != "" {
		if user.IsExternal() {
			return apperror.ValidationFailed("password", "this account signs in with an external provider")
		}
		hash, err := u.hasher.Hash(newPassword)
		if err != nil {
			return fmt.Errorf("sqlite: hashing password: %w", err)
		}
		newHash = hash
		sets += `, password_hash = ?`
		args = append(args, newHash)
	}
	args = append(args, user.ID)

	res, err := u.conn.ExecContext(ctx, `UPDATE users SET `+sets+` WHERE id = ?`, args...)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return apperror.Duplicate(field)
		}
		return fmt.Errorf("sqlite: saving user %s: %w", user.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperror.NotFound("user", user.ID)
	}

	if newHash != "" {
		user.PasswordHash = newHash
	}
	return nil
}

// SetVerificationToken replaces only the verification fields. Concurrent
// writers of other columns (a reset request, say) are not overwritten.
func (u *UserDB) SetVerificationToken(ctx context.Context, id, token string, expiry time.Time) error {
	return u.setToken(ctx, "verification", `UPDATE users
		 SET verification_token = ?, verification_expiry = ?, updated_at = ?
		 WHERE id = ?`, id, token, expiry)
}

// SetResetToken replaces only the reset fields.
func (u *UserDB) SetResetToken(ctx context.Context, id, token string, expiry time.Time) error {
	return u.setToken(ctx, "reset", `UPDATE users
		 SET reset_token = ?, reset_expiry = ?, updated_at = ?
		 WHERE id = ?`, id, token, expiry)
}

func (u *UserDB) setToken(ctx context.Context, kind, query, id, token string, expiry time.Time) error {
	res, err := u.conn.ExecContext(ctx, query, token, toMillis(expiry), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("sqlite: setting %s token for %s: %w", kind, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

func (u *UserDB) MarkVerified(ctx context.Context, id string) error {
	res, err := u.conn.ExecContext(ctx,
		`UPDATE users SET is_verified = 1, updated_at = ? WHERE id = ?`,
		toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("sqlite: marking user %s verified: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

// ClearVerificationToken reports whether anything was cleared. A resend that
// replaced the token in the meantime leaves the row untouched.
func (u *UserDB) ClearVerificationToken(ctx context.Context, id, token string) (bool, error) {
	res, err := u.conn.ExecContext(ctx,
		`UPDATE users
		 SET verification_token = NULL, verification_expiry = NULL, updated_at = ?
		 WHERE id = ? AND verification_token = ?`,
		toMillis(time.Now()), id, token)
	if err != nil {
		return false, fmt.Errorf("sqlite: clearing verification token for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: clearing verification token for %s: %w", id, err)
	}
	return n > 0, nil
}

// ConsumeResetToken is a single conditional UPDATE: the token match, the
// expiry check, the password swap and the clearing of both reset fields
// all happen atomically, so a token can succeed at most once.
func (u *UserDB) ConsumeResetToken(ctx context.Context, token, newPassword string, now time.Time) (*model.User, error) {
	if token == "" {
		return nil, apperror.InvalidOrExpired("The password reset link is invalid or has expired")
	}

	hash, err := u.hasher.Hash(newPassword)
	if err != nil {
		return nil, fmt.Errorf("sqlite: hashing password: %w", err)
	}

	var id string
	err = u.conn.QueryRowContext(ctx,
		`UPDATE users
		 SET password_hash = ?, reset_token = NULL, reset_expiry = NULL, updated_at = ?
		 WHERE reset_token = ? AND reset_expiry > ? AND github_id IS NULL
		 RETURNING id`,
		hash, toMillis(now), token, toMillis(now),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.InvalidOrExpired("The password reset link is invalid or has expired")
		}
		return nil, fmt.Errorf("sqlite: consuming reset token: %w", err)
	}

	return u.FindByID(ctx, id)
}

// UpsertGitHub inserts or refreshes an account bound to user.GitHubID.
//
// A new account keeps the GitHub login as its username when it is free and
// falls back to "<login>-<githubID>" otherwise. An email already owned by a
// password account is reported as a duplicate rather than silently linked.
func (u *UserDB) UpsertGitHub(ctx context.Context, user *model.User) error {
	if user.GitHubID == nil {
		return fmt.Errorf("sqlite: UpsertGitHub requires a GitHub ID")
	}

	existing, err := u.FindByGitHubID(ctx, *user.GitHubID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()

	if existing != nil {
		_, err = u.conn.ExecContext(ctx,
			`UPDATE users SET email = ?, avatar_url = ?, updated_at = ? WHERE id = ?`,
			emptyAsNull(user.Email), user.AvatarURL, toMillis(now), existing.ID)
		if err != nil {
			if field, ok := uniqueViolation(err); ok {
				return apperror.Duplicate(field)
			}
			return fmt.Errorf("sqlite: updating github user %s: %w", existing.ID, err)
		}
		existing.Email = user.Email
		existing.AvatarURL = user.AvatarURL
		existing.UpdatedAt = now
		*user = *existing
		return nil
	}

	user.ID = xid.New().String()
	user.Role = model.RoleUser
	user.IsVerified = true
	user.PasswordHash = ""
	user.CreatedAt = now
	user.UpdatedAt = now

	insert := func(username string) error {
		_, err := u.conn.ExecContext(ctx,
			`INSERT INTO users (id, username, email, password_hash, role, is_verified,
				github_id, avatar_url, created_at, updated_at)
			 VALUES (?, ?, ?, NULL, ?, 1, ?, ?, ?, ?)`,
			user.ID, username, emptyAsNull(user.Email), string(user.Role),
			*user.GitHubID, user.AvatarURL, toMillis(now), toMillis(now))
		return err
	}

	err = insert(user.Username)
	if field, ok := uniqueViolation(err); ok && field == "username" {
		user.Username = fmt.Sprintf("%s-%d", user.Username, *user.GitHubID)
		err = insert(user.Username)
	}
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return apperror.Duplicate(field)
		}
		return fmt.Errorf("sqlite: inserting github user %d: %w", *user.GitHubID, err)
	}
	return nil
}

// uniqueViolation reports which users column a UNIQUE constraint failure
// refers to.
func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var sqliteErr *moderncsqlite.Error
	if !errors.As(err, &sqliteErr) {
		return "", false
	}
	if sqliteErr.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE &&
		sqliteErr.Code() != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return "", false
	}

	msg := sqliteErr.Error()
	switch {
	case strings.Contains(msg, "users.email"):
		return "email", true
	case strings.Contains(msg, "users.username"):
		return "username", true
	case strings.Contains(msg, "users.github_id"):
		return "githubId", true
	default:
		return "id", true
	}
}
