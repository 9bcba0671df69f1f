package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/autoflow/backend/internal/core"
)

// Store persists ServiceConnection rows. All mutation goes through the
// TokenLifecycleManager; no other component writes connections.
type Store interface {
	Get(ctx context.Context, userID string, service core.Service) (*ServiceConnection, error)
	Upsert(ctx context.Context, conn *ServiceConnection) error
	SetStatus(ctx context.Context, userID string, service core.Service, status ConnectionStatus) error
	Delete(ctx context.Context, userID string, service core.Service) error
	ListByUser(ctx context.Context, userID string) ([]*ServiceConnection, error)
}

// MemoryStore is the in-memory Store used by tests and by the dev
// server when no database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]*ServiceConnection // userID:service
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[string]*ServiceConnection)}
}

func connKey(userID string, service core.Service) string {
	return userID + ":" + string(service)
}

func (s *MemoryStore) Get(ctx context.Context, userID string, service core.Service) (*ServiceConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[connKey(userID, service)]
	if !ok {
		return nil, ErrNotConnected
	}
	cp := *conn
	return &cp, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, conn *ServiceConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conn
	cp.UpdatedAt = time.Now().UTC()
	if existing, ok := s.conns[connKey(conn.UserID, conn.Service)]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.conns[connKey(conn.UserID, conn.Service)] = &cp
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, userID string, service core.Service, status ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connKey(userID, service)]
	if !ok {
		return ErrNotConnected
	}
	conn.Status = status
	conn.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string, service core.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connKey(userID, service))
	return nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*ServiceConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ServiceConnection
	for _, conn := range s.conns {
		if conn.UserID == userID {
			cp := *conn
			out = append(out, &cp)
		}
	}
	return out, nil
}
