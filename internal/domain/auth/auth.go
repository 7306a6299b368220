// Package auth holds user accounts and API token authentication.
package auth

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Sentinel errors for authentication.
var (
	ErrNotFound           = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnauthorized       = errors.New("invalid token")
)

// User is a registered account. A nil *User denotes an anonymous caller.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	IsStaff      bool
	IsSuperuser  bool
	CreatedAt    time.Time
}

// Token is a stored API token. Only the HMAC of the raw token is persisted.
type Token struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Hash      string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Repository provides persistence for users and tokens.
type Repository interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error
	CreateToken(ctx context.Context, t *Token) error
	FindToken(ctx context.Context, hash string) (*Token, error)
	DeleteToken(ctx context.Context, hash string) error
}

type userKey struct{}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the authenticated user, or nil for anonymous requests.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userKey{}).(*User)
	return u
}
