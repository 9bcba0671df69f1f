package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autoflow/backend/internal/adapter"
	"github.com/autoflow/backend/internal/core"
	"github.com/autoflow/backend/internal/events"
	"github.com/autoflow/backend/internal/metrics"
)

// ManagerConfig tunes the token lifecycle manager.
type ManagerConfig struct {
	// ExpiryMargin is how far ahead of expiry a token is still handed
	// out unchanged. Anything closer triggers a refresh.
	ExpiryMargin time.Duration

	// RefreshTimeout bounds one refresh call against the provider. Kept
	// shorter than adapter timeouts so a slow token endpoint cannot
	// stall a whole action pipeline.
	RefreshTimeout time.Duration

	// AuthParams carries provider-specific extra authorize-URL params.
	AuthParams map[core.Service]map[string]string
}

// Manager owns the authorize/exchange/refresh/revoke state machine per
// (user, service). It holds no persistent state of its own: connections
// live in the Store, and the only in-memory coordination is the per-key
// refresh lock that guarantees at most one in-flight refresh per pair.
type Manager struct {
	store    Store
	registry *adapter.Registry
	states   StateCache
	emitter  events.Emitter
	metrics  *metrics.Metrics
	logger   *log.Logger
	cfg      ManagerConfig

	mu    sync.Mutex
	locks map[string]*refreshLock
}

type refreshLock struct {
	sync.Mutex
	refs int
}

// NewManager wires the lifecycle manager. emitter and m may be nil in
// tests; they default to no-ops.
func NewManager(store Store, registry *adapter.Registry, states StateCache, emitter events.Emitter, m *metrics.Metrics, cfg ManagerConfig) *Manager {
	if cfg.ExpiryMargin == 0 {
		cfg.ExpiryMargin = 60 * time.Second
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = 10 * time.Second
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Manager{
		store:    store,
		registry: registry,
		states:   states,
		emitter:  emitter,
		metrics:  m,
		logger:   log.New(log.Writer(), "[TOKENS] ", log.LstdFlags),
		cfg:      cfg,
	}
}

// GetValidToken returns an access token guaranteed to outlive the
// expiry margin, refreshing first when needed. Concurrent callers for
// the same (user, service) serialize on a per-key lock; losers reuse
// the winner's result instead of issuing a duplicate refresh.
func (m *Manager) GetValidToken(ctx context.Context, userID string, service core.Service) (string, error) {
	conn, err := m.load(ctx, userID, service)
	if err != nil {
		return "", err
	}

	now := time.Now()
	if conn.Usable(now, m.cfg.ExpiryMargin) {
		return conn.AccessToken, nil
	}

	if conn.RefreshToken == "" {
		if err := m.store.SetStatus(ctx, userID, service, StatusExpired); err != nil {
			m.logger.Printf("failed to mark %s/%s expired: %v", userID, service, err)
		}
		m.emitter.Emit(events.ConnectionExpired, userID, string(service), nil)
		return "", fmt.Errorf("%w: %s", ErrExpired, service)
	}

	lock := m.acquireLock(userID, service)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseLock(userID, service)
	}()

	// Winner may have refreshed while this caller waited for the lock.
	conn, err = m.load(ctx, userID, service)
	if err != nil {
		return "", err
	}
	if conn.Usable(time.Now(), m.cfg.ExpiryMargin) {
		if m.metrics != nil {
			m.metrics.TokenRefreshWaits.Inc()
		}
		return conn.AccessToken, nil
	}

	return m.refresh(ctx, conn)
}

// load maps missing/terminal connection states onto the credential
// error taxonomy.
func (m *Manager) load(ctx context.Context, userID string, service core.Service) (*ServiceConnection, error) {
	conn, err := m.store.Get(ctx, userID, service)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil, fmt.Errorf("%w: %s", ErrNoGrant, service)
		}
		return nil, err
	}
	switch conn.Status {
	case StatusUnauthenticated:
		return nil, fmt.Errorf("%w: %s", ErrNoGrant, service)
	case StatusRevoked:
		// A revoked connection never auto-retries.
		return nil, fmt.Errorf("%w: connection revoked, reconnect %s", ErrRefreshFailed, service)
	case StatusExpired:
		return nil, fmt.Errorf("%w: %s", ErrExpired, service)
	}
	return conn, nil
}

// refresh exchanges the refresh token, persists the new grant, and
// returns the new access token. Caller holds the per-key lock.
func (m *Manager) refresh(ctx context.Context, conn *ServiceConnection) (string, error) {
	adp, err := m.registry.Lookup(conn.Service)
	if err != nil {
		return "", err
	}

	rctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
	defer cancel()

	grant, err := adp.Refresh(rctx, conn.RefreshToken)
	if err != nil {
		if errors.Is(err, adapter.ErrInvalidGrant) {
			if serr := m.store.SetStatus(ctx, conn.UserID, conn.Service, StatusRevoked); serr != nil {
				m.logger.Printf("failed to mark %s/%s revoked: %v", conn.UserID, conn.Service, serr)
			}
			m.emitter.Emit(events.ConnectionRevoked, conn.UserID, string(conn.Service), nil)
			m.countRefresh(conn.Service, "invalid_grant")
			m.logger.Printf("refresh rejected for %s/%s: grant revoked", conn.UserID, conn.Service)
			return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		m.countRefresh(conn.Service, "error")
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	conn.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		// Some providers never rotate the refresh token; keep the old one.
		conn.RefreshToken = grant.RefreshToken
	}
	conn.Expiry = grant.Expiry
	if len(grant.Scopes) > 0 {
		conn.Scopes = grant.Scopes
	}
	conn.Status = StatusAuthorized

	if err := m.store.Upsert(ctx, conn); err != nil {
		return "", fmt.Errorf("persisting refreshed grant: %w", err)
	}
	m.countRefresh(conn.Service, "ok")
	return conn.AccessToken, nil
}

func (m *Manager) countRefresh(service core.Service, result string) {
	if m.metrics != nil {
		m.metrics.TokenRefreshTotal.WithLabelValues(string(service), result).Inc()
	}
}

// BeginAuthorize issues an anti-CSRF state nonce and returns the
// provider authorization URL for the interactive flow.
func (m *Manager) BeginAuthorize(ctx context.Context, userID string, service core.Service, redirectURI string) (string, error) {
	adp, err := m.registry.Lookup(service)
	if err != nil {
		return "", err
	}
	builder, ok := adp.(adapter.AuthURLBuilder)
	if !ok {
		return "", fmt.Errorf("service %s does not support interactive authorization", service)
	}

	state := uuid.NewString()
	entry := StateEntry{
		UserID:      userID,
		Service:     service,
		RedirectURI: redirectURI,
		IssuedAt:    time.Now(),
	}
	if err := m.states.Put(ctx, state, entry); err != nil {
		return "", fmt.Errorf("storing authorize state: %w", err)
	}
	return builder.AuthCodeURL(state, redirectURI, m.cfg.AuthParams[service]), nil
}

// CompleteAuthorize validates the callback state, exchanges the code,
// and persists the new connection. State validation is single-use: a
// replayed callback fails with ErrStateInvalid.
func (m *Manager) CompleteAuthorize(ctx context.Context, state, code string) (*ServiceConnection, error) {
	entry, err := m.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}

	adp, err := m.registry.Lookup(entry.Service)
	if err != nil {
		return nil, err
	}

	grant, err := adp.ExchangeCode(ctx, code, entry.RedirectURI)
	if err != nil {
		if m.metrics != nil {
			m.metrics.AuthorizeTotal.WithLabelValues(string(entry.Service), "error").Inc()
		}
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	conn := &ServiceConnection{
		UserID:       entry.UserID,
		Service:      entry.Service,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Expiry:       grant.Expiry,
		Scopes:       grant.Scopes,
		Status:       StatusAuthorized,
	}
	if err := m.store.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("persisting connection: %w", err)
	}

	if m.metrics != nil {
		m.metrics.AuthorizeTotal.WithLabelValues(string(entry.Service), "ok").Inc()
	}
	m.emitter.Emit(events.ConnectionAuthorized, entry.UserID, string(entry.Service), map[string]interface{}{
		"scopes": grant.Scopes,
	})
	m.logger.Printf("authorized %s for user %s", entry.Service, entry.UserID)
	return conn, nil
}

// Revoke calls the provider revoke endpoint best-effort and marks the
// connection revoked locally regardless of the provider response.
func (m *Manager) Revoke(ctx context.Context, userID string, service core.Service) error {
	conn, err := m.store.Get(ctx, userID, service)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return fmt.Errorf("%w: %s", ErrNoGrant, service)
		}
		return err
	}

	if adp, err := m.registry.Lookup(service); err == nil {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
		if err := adp.Revoke(rctx, conn.AccessToken); err != nil {
			m.logger.Printf("provider revoke failed for %s/%s: %v", userID, service, err)
		}
		cancel()
	}

	if err := m.store.SetStatus(ctx, userID, service, StatusRevoked); err != nil {
		return err
	}
	m.emitter.Emit(events.ConnectionRevoked, userID, string(service), nil)
	return nil
}

// Disconnect revokes best-effort and deletes the connection row.
func (m *Manager) Disconnect(ctx context.Context, userID string, service core.Service) error {
	if err := m.Revoke(ctx, userID, service); err != nil && !errors.Is(err, ErrNoGrant) {
		m.logger.Printf("revoke before disconnect failed for %s/%s: %v", userID, service, err)
	}
	return m.store.Delete(ctx, userID, service)
}

// Connections lists token-free connection summaries for a user.
func (m *Manager) Connections(ctx context.Context, userID string) ([]ConnectionSummary, error) {
	conns, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionSummary, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Summary())
	}
	return out, nil
}

// acquireLock returns the per-(user,service) refresh lock, creating it
// on first use. Reference counting lets releaseLock garbage-collect
// idle entries so the map does not grow with every pair ever seen.
func (m *Manager) acquireLock(userID string, service core.Service) *refreshLock {
	key := connKey(userID, service)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		if m.locks == nil {
			m.locks = make(map[string]*refreshLock)
		}
		l = &refreshLock{}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *Manager) releaseLock(userID string, service core.Service) {
	key := connKey(userID, service)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(m.locks, key)
	}
}
