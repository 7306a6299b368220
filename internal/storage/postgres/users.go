package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barcode-identifier/barrel/internal/domain/auth"
)

const (
	userColumns = `id, username, password_hash, is_staff, is_superuser, created_at`

	getUserByIDSQL       = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	getUserByUsernameSQL = `SELECT ` + userColumns + ` FROM users WHERE username = $1`

	upsertUserSQL = `INSERT INTO users (id, username, password_hash, is_staff, is_superuser, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (username) DO UPDATE SET
		password_hash = EXCLUDED.password_hash,
		is_staff = EXCLUDED.is_staff,
		is_superuser = EXCLUDED.is_superuser
	RETURNING id, created_at`

	createTokenSQL = `INSERT INTO api_tokens (id, user_id, token_hash, created_at, expires_at)
	VALUES ($1, $2, $3, $4, $5)`
	findTokenSQL = `SELECT id, user_id, token_hash, created_at, expires_at
	FROM api_tokens WHERE token_hash = $1`
	deleteTokenSQL = `DELETE FROM api_tokens WHERE token_hash = $1`
)

var _ auth.Repository = (*UserRepository)(nil)

// UserRepository stores users and their API tokens.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(row pgx.Row) (*auth.User, error) {
	var u auth.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsStaff, &u.IsSuperuser, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns auth.ErrNotFound when no user has the id.
func (r *UserRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*auth.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, getUserByIDSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return u, nil
}

// GetUserByUsername returns auth.ErrNotFound when no user has the name.
func (r *UserRepository) GetUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, getUserByUsernameSQL, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("getting user %q: %w", username, err)
	}
	return u, nil
}

// UpsertUser creates a user or updates the password and flags of the user
// with the same name. ID and CreatedAt are set from the stored row.
func (r *UserRepository) UpsertUser(ctx context.Context, u *auth.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	err := r.pool.QueryRow(ctx, upsertUserSQL,
		u.ID, u.Username, u.PasswordHash, u.IsStaff, u.IsSuperuser, u.CreatedAt,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting user %q: %w", u.Username, err)
	}
	return nil
}

// CreateToken stores a token hash.
func (r *UserRepository) CreateToken(ctx context.Context, t *auth.Token) error {
	_, err := r.pool.Exec(ctx, createTokenSQL, t.ID, t.UserID, t.Hash, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("creating token: %w", err)
	}
	return nil
}

// FindToken looks up a token by its HMAC hash.
func (r *UserRepository) FindToken(ctx context.Context, hash string) (*auth.Token, error) {
	var t auth.Token
	err := r.pool.QueryRow(ctx, findTokenSQL, hash).Scan(&t.ID, &t.UserID, &t.Hash, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("finding token by hash: %w", err)
	}
	return &t, nil
}

// DeleteToken removes a token. Deleting an unknown token is not an error.
func (r *UserRepository) DeleteToken(ctx context.Context, hash string) error {
	if _, err := r.pool.Exec(ctx, deleteTokenSQL, hash); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}
