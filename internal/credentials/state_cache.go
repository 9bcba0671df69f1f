package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/autoflow/backend/internal/core"
)

// StateTTL bounds how long an authorize-start state nonce stays valid.
const StateTTL = 5 * time.Minute

var ErrStateInvalid = errors.New("invalid or expired state parameter")

// StateEntry binds an anti-CSRF state nonce to the (user, service) that
// started the authorize flow.
type StateEntry struct {
	UserID      string       `json:"user_id"`
	Service     core.Service `json:"service"`
	RedirectURI string       `json:"redirect_uri"`
	IssuedAt    time.Time    `json:"issued_at"`
}

// StateCache stores authorize-flow state nonces. Consume is single-use:
// a second consume of the same nonce fails.
type StateCache interface {
	Put(ctx context.Context, state string, entry StateEntry) error
	Consume(ctx context.Context, state string) (StateEntry, error)
}

// MemoryStateCache is the in-process fallback when Redis is not
// configured. Expired entries are dropped lazily on access.
type MemoryStateCache struct {
	mu      sync.Mutex
	entries map[string]StateEntry
}

func NewMemoryStateCache() *MemoryStateCache {
	return &MemoryStateCache{entries: make(map[string]StateEntry)}
}

func (c *MemoryStateCache) Put(ctx context.Context, state string, entry StateEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.IssuedAt.IsZero() {
		entry.IssuedAt = time.Now()
	}
	c.entries[state] = entry
	return nil
}

func (c *MemoryStateCache) Consume(ctx context.Context, state string) (StateEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[state]
	if !ok {
		return StateEntry{}, ErrStateInvalid
	}
	delete(c.entries, state)
	if time.Since(entry.IssuedAt) > StateTTL {
		return StateEntry{}, ErrStateInvalid
	}
	return entry, nil
}
