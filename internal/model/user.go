// Package model defines the data structures used throughout the application.
package model

import "time"

// Role is the coarse permission level of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents a registered account.
//
// An account logs in by exactly one method: a password (PasswordHash set)
// or an external identity provider (GitHubID set). Accounts created through
// GitHub have no password hash, and password login is rejected for them.
//
// Token fields are nil when no token is pending. Expiries are compared by
// the store, not by callers, so two server instances agree on "expired".
type User struct {
	ID                      string     `json:"id"`
	Username                string     `json:"username"`
	Email                   string     `json:"email"`
	PasswordHash            string     `json:"-"`
	Role                    Role       `json:"role"`
	IsVerified              bool       `json:"isVerified"`
	VerificationToken       *string    `json:"-"`
	VerificationTokenExpiry *time.Time `json:"-"`
	ResetPasswordToken      *string    `json:"-"`
	ResetPasswordExpiry     *time.Time `json:"-"`
	GitHubID                *int64     `json:"githubId,omitempty"`
	AvatarURL               string     `json:"avatarUrl,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// IsExternal reports whether the account is bound to an external identity
// provider and therefore has no password credential.
func (u *User) IsExternal() bool {
	return u.GitHubID != nil
}

// Identity is the authenticated caller, resolved from a token by the
// authorization middleware and handed to downstream handlers.
type Identity struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}

// IdentityOf projects a user record onto the identity exposed downstream.
func IdentityOf(u *User) *Identity {
	return &Identity{
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     u.Role,
	}
}
