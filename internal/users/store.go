package users

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// MemoryStore keeps users in memory for tests and dev mode.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*User
	byNam map[string]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*User),
		byNam: make(map[string]*User),
	}
}

func (s *MemoryStore) Create(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byNam[u.Username]; ok {
		return ErrUserExists
	}
	cp := *u
	s.byID[u.ID] = &cp
	s.byNam[u.Username] = &cp
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byNam[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// SQLStore persists users in the users table.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Active, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*User, error) {
	return s.scan(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, active, created_at
		FROM users WHERE id = $1`, id))
}

func (s *SQLStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.scan(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, active, created_at
		FROM users WHERE username = $1`, username))
}

func (s *SQLStore) scan(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}
