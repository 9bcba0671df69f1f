package actionlog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// CompletionUpdate carries the terminal fields written when a pending
// record finishes.
type CompletionUpdate struct {
	Status      Status // succeeded, failed, or cancelled
	Result      map[string]interface{}
	Hint        json.RawMessage // stored only on succeeded, immutable afterwards
	ErrorDetail string
}

// RollbackUpdate carries the fields written on a rollback attempt.
type RollbackUpdate struct {
	Status Status // rolled_back or rollback_failed
	Reason string
	Error  string
}

// ListOptions filters history queries.
type ListOptions struct {
	ReversibleOnly bool
	Limit          int
}

// Store persists ActionRecords. Appends create pending records with a
// monotonically increasing id; updates enforce the transition table.
type Store interface {
	Append(ctx context.Context, rec *ActionRecord) error
	Get(ctx context.Context, id int64) (*ActionRecord, error)
	Complete(ctx context.Context, id int64, upd CompletionUpdate) (*ActionRecord, error)
	MarkRollback(ctx context.Context, id int64, upd RollbackUpdate) (*ActionRecord, error)
	ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*ActionRecord, error)
}

// MemoryStore is the in-memory Store used by tests and the dev server.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	records map[int64]*ActionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]*ActionRecord)}
}

func (s *MemoryStore) Append(ctx context.Context, rec *ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.ID = s.seq
	rec.Status = StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id int64, upd CompletionUpdate) (*ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(rec.Status, upd.Status) {
		return nil, TransitionError(rec.Status, upd.Status)
	}
	now := time.Now().UTC()
	rec.Status = upd.Status
	rec.CompletedAt = &now
	rec.ErrorDetail = upd.ErrorDetail
	if upd.Status == StatusSucceeded {
		rec.Result = upd.Result
		rec.RollbackHint = upd.Hint
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) MarkRollback(ctx context.Context, id int64, upd RollbackUpdate) (*ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(rec.Status, upd.Status) {
		return nil, TransitionError(rec.Status, upd.Status)
	}
	rec.Status = upd.Status
	rec.RollbackReason = upd.Reason
	rec.RollbackError = upd.Error
	if upd.Status == StatusRolledBack {
		now := time.Now().UTC()
		rec.RolledBackAt = &now
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ActionRecord
	for _, rec := range s.records {
		if rec.UserID != userID {
			continue
		}
		if opts.ReversibleOnly && !rec.Reversible() {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	// Most recent first; ids are monotonic with creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
