package authkit

import (
	"context"
	"errors"
)

var (
	// ErrUserNotFound indicates no account matched the lookup.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrUserExists indicates the email is already registered.
	ErrUserExists = errors.New("user_store.exists")
	// ErrInvalidCredentials indicates an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("user_store.invalid_credentials")
	// ErrInvalidEmail indicates the email is empty or malformed.
	ErrInvalidEmail = errors.New("user_store.invalid_email")
	// ErrWeakPassword indicates the password is shorter than MinPasswordLength.
	ErrWeakPassword = errors.New("user_store.weak_password")
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// UserProfile is the account view carried into session tokens.
type UserProfile struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"user_email"`
	DisplayName string   `json:"display"`
	Roles       []string `json:"roles"`
}

// UserStore persists and retrieves application users.
type UserStore interface {
	CreatePasswordUser(ctx context.Context, userEmail string, password string, userDisplayName string) (UserProfile, error)
	VerifyPassword(ctx context.Context, userEmail string, password string) (UserProfile, error)
	UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (UserProfile, error)
	GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error)
}

// RefreshTokenStore manages long-lived refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
	RevokeAllForUser(ctx context.Context, applicationUserID string) (revokedCount int64, err error)
}
