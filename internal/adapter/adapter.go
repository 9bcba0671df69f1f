// Package adapter defines the capability interface every service
// integration implements, plus the startup registry that maps a service
// identifier to its adapter. The execution engine never talks to an
// external API except through this interface.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/autoflow/backend/internal/core"
)

var (
	// ErrUnknownService is returned by the registry for an unregistered
	// service identifier.
	ErrUnknownService = errors.New("unknown service")
)

// Irreversible is the rollback-hint marker for actions that cannot be
// compensated. The rollback engine refuses records carrying it.
const Irreversible = "irreversible"

// Grant is the standardized result of a code exchange or a refresh.
type Grant struct {
	AccessToken  string
	RefreshToken string // empty for providers that issue none
	Expiry       time.Time
	Scopes       []string
}

// RollbackHint describes how to reverse one specific successful call.
// The engine stores it opaquely; only the adapter that produced it
// interprets it again.
type RollbackHint struct {
	Operation string      `json:"operation"` // compensating operation name, or Irreversible
	Params    core.Params `json:"params,omitempty"`
}

// IrreversibleHint marks an action as not compensatable.
func IrreversibleHint() RollbackHint {
	return RollbackHint{Operation: Irreversible}
}

// IsIrreversible reports whether the hint carries the irreversible marker.
func (h RollbackHint) IsIrreversible() bool {
	return h.Operation == Irreversible || h.Operation == ""
}

// JSON serializes the hint for persistence.
func (h RollbackHint) JSON() ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHint parses a stored rollback hint payload.
func DecodeHint(raw []byte) (RollbackHint, error) {
	var h RollbackHint
	if err := json.Unmarshal(raw, &h); err != nil {
		return RollbackHint{}, fmt.Errorf("malformed rollback hint: %w", err)
	}
	return h, nil
}

// Result is the outcome of a successful adapter invocation.
type Result struct {
	Data core.Params
	Hint RollbackHint
}

// ServiceAdapter is the per-service capability set. Invoke performs one
// mutating or read-only call with a valid bearer token; the remaining
// methods cover the OAuth2 lifecycle against the provider.
type ServiceAdapter interface {
	// Service returns the identifier this adapter is registered under.
	Service() core.Service

	// Invoke performs one operation. Errors are classified with
	// TransientError / BusinessError so the executor can decide on retry.
	Invoke(ctx context.Context, operation string, params core.Params, token string) (*Result, error)

	// ExchangeCode completes the authorization-code grant.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Grant, error)

	// Refresh exchanges a refresh token for a fresh grant.
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)

	// Revoke invalidates a token at the provider. Best effort: providers
	// without a revoke endpoint return nil.
	Revoke(ctx context.Context, token string) error
}

// AuthURLBuilder is implemented by adapters that support the
// interactive authorize flow.
type AuthURLBuilder interface {
	AuthCodeURL(state, redirectURI string, extra map[string]string) string
}

// Registry maps service identifiers to adapters. It is populated once at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	adapters map[core.Service]ServiceAdapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...ServiceAdapter) *Registry {
	r := &Registry{adapters: make(map[core.Service]ServiceAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Service()] = a
	}
	return r
}

// Lookup resolves the adapter for a service.
func (r *Registry) Lookup(service core.Service) (ServiceAdapter, error) {
	a, ok := r.adapters[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return a, nil
}

// Services lists the registered service identifiers.
func (r *Registry) Services() []core.Service {
	out := make([]core.Service, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	return out
}
