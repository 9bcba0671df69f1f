// Package credentials owns per-user, per-service OAuth2 grants: the
// persistent ServiceConnection rows and the token lifecycle state
// machine that keeps them valid without racing concurrent callers.
package credentials

import (
	"errors"
	"time"

	"github.com/autoflow/backend/internal/core"
)

// ConnectionStatus is the lifecycle state of a grant.
type ConnectionStatus string

const (
	StatusUnauthenticated ConnectionStatus = "unauthenticated"
	StatusAuthorized      ConnectionStatus = "authorized"
	StatusExpired         ConnectionStatus = "expired"
	StatusRevoked         ConnectionStatus = "revoked"
)

// Credential error taxonomy. None of these are retried automatically;
// the front end surfaces them as "reconnect service X".
var (
	ErrNoGrant       = errors.New("no grant for service")
	ErrExpired       = errors.New("grant expired and no refresh token")
	ErrRefreshFailed = errors.New("token refresh failed")
	ErrNotConnected  = errors.New("connection not found")
)

// ServiceConnection is one OAuth2 grant for a (user, service) pair.
// At most one row exists per pair. The access token never leaves this
// package except through TokenLifecycleManager.GetValidToken.
type ServiceConnection struct {
	UserID       string
	Service      core.Service
	AccessToken  string
	RefreshToken string // empty for grants without refresh
	Expiry       time.Time
	Scopes       []string
	Status       ConnectionStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Usable reports whether the stored token is valid for at least margin
// beyond now.
func (c *ServiceConnection) Usable(now time.Time, margin time.Duration) bool {
	return c.Status == StatusAuthorized && c.Expiry.After(now.Add(margin))
}

// ConnectionSummary is the token-free view returned to front ends.
type ConnectionSummary struct {
	Service   core.Service     `json:"service"`
	Status    ConnectionStatus `json:"status"`
	Scopes    []string         `json:"scopes,omitempty"`
	Expiry    time.Time        `json:"expiry,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Summary strips token material from a connection.
func (c *ServiceConnection) Summary() ConnectionSummary {
	return ConnectionSummary{
		Service:   c.Service,
		Status:    c.Status,
		Scopes:    c.Scopes,
		Expiry:    c.Expiry,
		UpdatedAt: c.UpdatedAt,
	}
}
