// Package users handles account registration, password verification,
// and the JWT bearer sessions that front-end requests carry.
package users

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrUserExists         = errors.New("username or email already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidSession     = errors.New("invalid or expired session token")
	ErrUserNotFound       = errors.New("user not found")
)

const (
	pbkdf2Iterations = 100000
	saltBytes        = 16
	sessionTTL       = 24 * time.Hour
)

// User is one account. PasswordHash is "salt:hash" with both parts hex
// encoded; it never leaves this package.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
}

// Manager issues and validates sessions on top of a Store.
type Manager struct {
	store  Store
	secret []byte
	issuer string
}

func NewManager(store Store, secret string) *Manager {
	return &Manager{
		store:  store,
		secret: []byte(secret),
		issuer: "autoflow",
	}
}

// HashPassword derives a PBKDF2-SHA256 hash with a fresh random salt.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// VerifyPassword checks password against a stored salt:hash value.
func VerifyPassword(password, stored string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return hmac.Equal(got, want)
}

// Register creates a new active account.
func (m *Manager) Register(ctx context.Context, username, email, password string) (*User, error) {
	if existing, _ := m.store.GetByUsername(ctx, username); existing != nil {
		return nil, ErrUserExists
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies credentials and returns a signed session token.
func (m *Manager) Login(ctx context.Context, username, password string) (string, *User, error) {
	u, err := m.store.GetByUsername(ctx, username)
	if err != nil || u == nil || !u.Active {
		return "", nil, ErrInvalidCredentials
	}
	if !VerifyPassword(password, u.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   u.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing session token: %w", err)
	}
	return token, u, nil
}

// Authenticate validates a bearer token and loads its user.
func (m *Manager) Authenticate(ctx context.Context, token string) (*User, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidSession
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidSession
	}
	u, err := m.store.GetByID(ctx, claims.Subject)
	if err != nil || u == nil || !u.Active {
		return nil, ErrInvalidSession
	}
	return u, nil
}
