package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const tokenBytes = 32

// Service issues and verifies API tokens.
type Service struct {
	repo   Repository
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a Service. Tokens are hashed with HMAC-SHA256 keyed by
// secret. A zero ttl issues tokens that never expire.
func NewService(repo Repository, secret []byte, ttl time.Duration) *Service {
	return &Service{
		repo:   repo,
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(h), nil
}

// HashToken returns the hex HMAC-SHA256 of a raw token.
func (s *Service) HashToken(token string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Login verifies the credentials and issues a new token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *User, error) {
	u, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, errors.Wrap(err, "get user")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, errors.Wrap(err, "generate token")
	}
	token := hex.EncodeToString(raw)

	t := &Token{
		ID:        uuid.New(),
		UserID:    u.ID,
		Hash:      s.HashToken(token),
		CreatedAt: s.now(),
	}
	if s.ttl > 0 {
		exp := t.CreatedAt.Add(s.ttl)
		t.ExpiresAt = &exp
	}
	if err := s.repo.CreateToken(ctx, t); err != nil {
		return "", nil, errors.Wrap(err, "create token")
	}
	return token, u, nil
}

// Logout revokes a token.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.repo.DeleteToken(ctx, s.HashToken(token)); err != nil {
		return errors.Wrap(err, "delete token")
	}
	return nil
}

// Authenticate resolves a raw token to its user. Expired tokens are rejected.
func (s *Service) Authenticate(ctx context.Context, token string) (*User, error) {
	hash := s.HashToken(token)
	t, err := s.repo.FindToken(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, errors.Wrap(err, "find token")
	}

	if subtle.ConstantTimeCompare([]byte(hash), []byte(t.Hash)) != 1 {
		return nil, ErrUnauthorized
	}
	if t.ExpiresAt != nil && !s.now().Before(*t.ExpiresAt) {
		return nil, ErrUnauthorized
	}

	u, err := s.repo.GetUserByID(ctx, t.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, errors.Wrap(err, "get token owner")
	}
	return u, nil
}
