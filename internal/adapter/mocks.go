package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autoflow/backend/internal/core"
)

// FakeAdapter is a scripted in-memory adapter used by engine tests and
// local development. Invocations are recorded so tests can assert on
// exactly how many calls reached the "provider".
type FakeAdapter struct {
	ServiceID core.Service

	mu      sync.Mutex
	calls   []FakeCall
	scripts map[string]*script

	// Refresh behavior
	RefreshGrant   *Grant // returned on Refresh when RefreshErr is nil
	RefreshErr     error
	refreshCount   int
	ExchangeGrant  *Grant
	ExchangeErr    error
	RevokeErr      error
	revokeCount    int
	exchangeCount  int
	revokeRecorded []string
}

// FakeCall records one Invoke reaching the fake provider.
type FakeCall struct {
	Operation string
	Params    core.Params
	Token     string
}

type script struct {
	result    *Result
	failures  []error // consumed one per call before result is returned
	permanent error   // always returned when set
}

// NewFakeAdapter creates a fake for the given service with a default
// always-succeed, irreversible-hint script.
func NewFakeAdapter(service core.Service) *FakeAdapter {
	return &FakeAdapter{
		ServiceID: service,
		scripts:   make(map[string]*script),
		RefreshGrant: &Grant{
			AccessToken:  "refreshed-token",
			RefreshToken: "refreshed-refresh",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
}

func (f *FakeAdapter) Service() core.Service { return f.ServiceID }

// Script sets the success result for an operation.
func (f *FakeAdapter) Script(operation string, data core.Params, hint RollbackHint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[operation] = &script{result: &Result{Data: data, Hint: hint}}
}

// FailOnce queues err to be returned for the next call to operation,
// after which the scripted result (if any) applies again.
func (f *FakeAdapter) FailOnce(operation string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scripts[operation]
	if !ok {
		s = &script{result: &Result{Hint: IrreversibleHint()}}
		f.scripts[operation] = s
	}
	s.failures = append(s.failures, err)
}

// FailAlways makes every call to operation return err.
func (f *FakeAdapter) FailAlways(operation string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[operation] = &script{permanent: err}
}

// Calls returns a copy of all recorded invocations.
func (f *FakeAdapter) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of invocations for an operation, or all
// invocations when operation is empty.
func (f *FakeAdapter) CallCount(operation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if operation == "" {
		return len(f.calls)
	}
	n := 0
	for _, c := range f.calls {
		if c.Operation == operation {
			n++
		}
	}
	return n
}

// RefreshCount returns how many refresh calls reached the fake provider.
func (f *FakeAdapter) RefreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCount
}

func (f *FakeAdapter) Invoke(ctx context.Context, operation string, params core.Params, token string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}

	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Operation: operation, Params: params, Token: token})
	s, ok := f.scripts[operation]
	if !ok {
		f.mu.Unlock()
		return &Result{Data: core.Params{"ok": true}, Hint: IrreversibleHint()}, nil
	}
	if s.permanent != nil {
		err := s.permanent
		f.mu.Unlock()
		return nil, err
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		f.mu.Unlock()
		return nil, err
	}
	res := s.result
	f.mu.Unlock()

	if res == nil {
		return nil, Business("unscripted", fmt.Sprintf("no script for operation %q", operation))
	}
	return res, nil
}

func (f *FakeAdapter) ExchangeCode(ctx context.Context, code, redirectURI string) (*Grant, error) {
	f.mu.Lock()
	f.exchangeCount++
	f.mu.Unlock()
	if f.ExchangeErr != nil {
		return nil, f.ExchangeErr
	}
	if f.ExchangeGrant != nil {
		return f.ExchangeGrant, nil
	}
	return &Grant{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
		Scopes:       []string{"default"},
	}, nil
}

func (f *FakeAdapter) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	f.mu.Lock()
	f.refreshCount++
	f.mu.Unlock()
	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	g := *f.RefreshGrant
	return &g, nil
}

func (f *FakeAdapter) Revoke(ctx context.Context, token string) error {
	f.mu.Lock()
	f.revokeCount++
	f.revokeRecorded = append(f.revokeRecorded, token)
	f.mu.Unlock()
	return f.RevokeErr
}

// AuthCodeURL satisfies AuthURLBuilder for interactive-flow tests.
func (f *FakeAdapter) AuthCodeURL(state, redirectURI string, extra map[string]string) string {
	return fmt.Sprintf("https://auth.%s.example/authorize?state=%s&redirect_uri=%s", f.ServiceID, state, redirectURI)
}

// RevokeCount returns how many revoke calls reached the fake provider.
func (f *FakeAdapter) RevokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokeCount
}
