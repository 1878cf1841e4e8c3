package model

import "time"

// RefreshToken is the server-side record of a live refresh token. Only the
// token id (the JWT "jti" claim) is stored, never the signed token itself.
type RefreshToken struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
