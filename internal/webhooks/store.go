package webhooks

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by tests and the dev server.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[int64]*Event
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[int64]*Event)}
}

func (s *MemoryStore) Append(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, id int64, res ProcessingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	now := time.Now().UTC()
	ev.Processed = true
	ev.ProcessedAt = &now
	ev.ProcessingError = res.Error
	ev.ActionIDs = res.ActionIDs
	return nil
}

func (s *MemoryStore) ListUnprocessed(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for id := int64(1); id <= s.nextID; id++ {
		ev, ok := s.events[id]
		if !ok || ev.Processed {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
