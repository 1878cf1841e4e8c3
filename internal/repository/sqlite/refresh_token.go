package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

var _ repository.RefreshTokenRepository = (*RefreshTokenDB)(nil)

// RefreshTokenDB stores one row per live refresh token, keyed by the JWT id.
// Rotation deletes the presented row and inserts a new one, so a refresh
// token that was already used (or revoked by logout) has no row left.
type RefreshTokenDB struct {
	conn *sql.DB
}

// RefreshTokens returns the refresh-token repository bound to this pool.
func (db *DB) RefreshTokens() *RefreshTokenDB {
	return &RefreshTokenDB{conn: db.conn}
}

func (r *RefreshTokenDB) CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		token.ID, token.UserID, toMillis(token.ExpiresAt), toMillis(token.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: inserting refresh token for %s: %w", token.UserID, err)
	}
	return nil
}

// ConsumeRefreshToken deletes and returns the row in one statement. Two
// concurrent refreshes with the same token cannot both get a row back.
func (r *RefreshTokenDB) ConsumeRefreshToken(ctx context.Context, id string) (*model.RefreshToken, error) {
	var (
		tok                  model.RefreshToken
		expiresAt, createdAt int64
	)
	err := r.conn.QueryRowContext(ctx,
		`DELETE FROM refresh_tokens WHERE id = ? RETURNING id, user_id, expires_at, created_at`,
		id,
	).Scan(&tok.ID, &tok.UserID, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("refresh token", id)
		}
		return nil, fmt.Errorf("sqlite: consuming refresh token %s: %w", id, err)
	}
	tok.ExpiresAt = fromMillis(expiresAt)
	tok.CreatedAt = fromMillis(createdAt)
	return &tok, nil
}

func (r *RefreshTokenDB) DeleteRefreshToken(ctx context.Context, id string) error {
	if _, err := r.conn.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: deleting refresh token %s: %w", id, err)
	}
	return nil
}

func (r *RefreshTokenDB) RevokeAllRefreshTokens(ctx context.Context, userID string) (int64, error) {
	res, err := r.conn.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: revoking refresh tokens for %s: %w", userID, err)
	}
	return res.RowsAffected()
}

func (r *RefreshTokenDB) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.conn.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: purging expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}
