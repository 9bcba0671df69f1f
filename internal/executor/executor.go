// Package executor drives every mutating call against an external
// service: it acquires a valid token, invokes the adapter with bounded
// retry, and records the outcome in the action log. Actions for the
// same (user, service) run in submission order; everything else runs
// concurrently.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/autoflow/backend/internal/actionlog"
	"github.com/autoflow/backend/internal/adapter"
	"github.com/autoflow/backend/internal/circuitbreaker"
	"github.com/autoflow/backend/internal/core"
	"github.com/autoflow/backend/internal/credentials"
	"github.com/autoflow/backend/internal/events"
	"github.com/autoflow/backend/internal/metrics"
)

var (
	// ErrCancelled is returned when an execute is cancelled before its
	// adapter call was issued.
	ErrCancelled = errors.New("action cancelled before adapter call")

	// ErrCredentialUnavailable wraps credential-layer failures; the
	// adapter was never called.
	ErrCredentialUnavailable = errors.New("credential unavailable")

	// ErrActionFailed is returned when the adapter rejected the call or
	// exhausted its retry.
	ErrActionFailed = errors.New("action failed")
)

// Config tunes the executor.
type Config struct {
	// AdapterTimeout bounds one adapter invocation.
	AdapterTimeout time.Duration

	// RetryBackoff is the fixed pause before the single transient retry.
	RetryBackoff time.Duration
}

// Executor implements the transactional action path. It owns no
// persistent state: records live in the action log, grants in the
// credential store.
type Executor struct {
	records  actionlog.Store
	tokens   *credentials.Manager
	registry *adapter.Registry
	emitter  events.Emitter
	metrics  *metrics.Metrics
	logger   *log.Logger
	cfg      Config

	mu       sync.Mutex
	tails    map[string]chan struct{} // per (user,service) FIFO queue tails
	submits  map[string]*submitLock   // per (user,service) append+enqueue locks
	breakers map[core.Service]*circuitbreaker.CircuitBreaker
}

// submitLock serializes record append plus queue-slot acquisition for
// one (user,service) key, refcounted so idle entries are collected.
type submitLock struct {
	mu   sync.Mutex
	refs int
}

// New wires an executor. emitter and m may be nil.
func New(records actionlog.Store, tokens *credentials.Manager, registry *adapter.Registry, emitter events.Emitter, m *metrics.Metrics, cfg Config) *Executor {
	if cfg.AdapterTimeout == 0 {
		cfg.AdapterTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Executor{
		records:  records,
		tokens:   tokens,
		registry: registry,
		emitter:  emitter,
		metrics:  m,
		logger:   log.New(log.Writer(), "[EXEC] ", log.LstdFlags),
		cfg:      cfg,
		tails:    make(map[string]chan struct{}),
		submits:  make(map[string]*submitLock),
		breakers: make(map[core.Service]*circuitbreaker.CircuitBreaker),
	}
}

// Execute performs one action. The returned record always reflects the
// final outcome; err is non-nil whenever the record did not reach
// succeeded, so callers can branch without re-reading the status.
func (e *Executor) Execute(ctx context.Context, userID string, service core.Service, operation string, params core.Params) (*actionlog.ActionRecord, error) {
	rec := &actionlog.ActionRecord{
		UserID:    userID,
		Service:   service,
		Operation: operation,
		Params:    params,
	}
	wait, release, err := e.enqueue(ctx, userID, service, rec)
	if err != nil {
		return nil, fmt.Errorf("appending action record: %w", err)
	}
	e.emitter.Emit(events.ActionStarted, userID, fmt.Sprintf("%d", rec.ID), map[string]interface{}{
		"service":   string(service),
		"operation": operation,
	})

	if err := wait(ctx); err != nil {
		// Cancelled while queued; the adapter was never called.
		rec, _ = e.fail(ctx, rec, actionlog.StatusCancelled, err.Error())
		return rec, ErrCancelled
	}
	defer release()

	token, err := e.tokens.GetValidToken(ctx, userID, service)
	if err != nil {
		rec, _ = e.fail(ctx, rec, actionlog.StatusFailed, fmt.Sprintf("credential unavailable: %v", err))
		return rec, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}

	result, invokeErr := e.invoke(ctx, userID, service, operation, params, token)
	if invokeErr != nil {
		rec, _ = e.fail(ctx, rec, actionlog.StatusFailed, invokeErr.Error())
		return rec, fmt.Errorf("%w: %v", ErrActionFailed, invokeErr)
	}

	hint, err := result.Hint.JSON()
	if err != nil {
		rec, _ = e.fail(ctx, rec, actionlog.StatusFailed, fmt.Sprintf("encoding rollback hint: %v", err))
		return rec, err
	}
	updated, err := e.records.Complete(ctx, rec.ID, actionlog.CompletionUpdate{
		Status: actionlog.StatusSucceeded,
		Result: result.Data,
		Hint:   hint,
	})
	if err != nil {
		return rec, fmt.Errorf("recording action success: %w", err)
	}
	e.count(service, string(actionlog.StatusSucceeded))
	e.emitter.Emit(events.ActionSucceeded, userID, fmt.Sprintf("%d", updated.ID), map[string]interface{}{
		"service":    string(service),
		"operation":  operation,
		"reversible": !result.Hint.IsIrreversible(),
	})
	return updated, nil
}

// Invoke is the raw adapter-invocation path: token acquisition, circuit
// breaker, bounded retry — but no action record and no plan-order
// queueing. The rollback engine drives compensating calls through here.
func (e *Executor) Invoke(ctx context.Context, userID string, service core.Service, operation string, params core.Params) (*adapter.Result, error) {
	token, err := e.tokens.GetValidToken(ctx, userID, service)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	return e.invoke(ctx, userID, service, operation, params, token)
}

// invoke performs the adapter call with one bounded retry for transient
// failures. Once issued, a call runs to completion on its own timeout
// so the real outcome is always recorded; caller cancellation is only
// honored between attempts.
func (e *Executor) invoke(ctx context.Context, userID string, service core.Service, operation string, params core.Params, token string) (*adapter.Result, error) {
	adp, err := e.registry.Lookup(service)
	if err != nil {
		return nil, err
	}
	breaker := e.breakerFor(service)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.AdapterRetries.WithLabelValues(string(service)).Inc()
			}
			time.Sleep(e.cfg.RetryBackoff)
		}
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, adapter.Transient(err)
		}

		done, err := breaker.Allow()
		if err != nil {
			// Open breaker counts as transient: the retry may land after
			// the probe window reopens.
			lastErr = adapter.Transient(err)
			continue
		}

		// Detached from the caller's context: once issued, the external
		// side effect may already have happened, so the call runs to
		// completion on its own timeout and the real outcome is recorded.
		ictx, cancel := context.WithTimeout(context.Background(), e.cfg.AdapterTimeout)
		start := time.Now()
		result, err := adp.Invoke(ictx, operation, params, token)
		cancel()
		if e.metrics != nil {
			e.metrics.ActionDuration.WithLabelValues(string(service)).Observe(time.Since(start).Seconds())
		}

		if err == nil {
			done(true)
			return result, nil
		}
		done(false)

		if adapter.IsBusiness(err) {
			// Domain rejection: never retried, detail preserved verbatim.
			return nil, err
		}
		lastErr = err
		e.logger.Printf("transient failure for %s/%s %s (attempt %d): %v", userID, service, operation, attempt+1, err)
	}
	return nil, lastErr
}

// fail records a terminal non-success outcome and emits the event.
func (e *Executor) fail(ctx context.Context, rec *actionlog.ActionRecord, status actionlog.Status, detail string) (*actionlog.ActionRecord, error) {
	updated, err := e.records.Complete(ctx, rec.ID, actionlog.CompletionUpdate{
		Status:      status,
		ErrorDetail: detail,
	})
	if err != nil {
		e.logger.Printf("failed to record %s for action %d: %v", status, rec.ID, err)
		return rec, err
	}
	e.count(rec.Service, string(status))
	e.emitter.Emit(events.ActionFailed, rec.UserID, fmt.Sprintf("%d", rec.ID), map[string]interface{}{
		"service": string(rec.Service),
		"status":  string(status),
		"detail":  detail,
	})
	return updated, nil
}

func (e *Executor) count(service core.Service, status string) {
	if e.metrics != nil {
		e.metrics.ActionTotal.WithLabelValues(string(service), status).Inc()
	}
}

func (e *Executor) breakerFor(service core.Service) *circuitbreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[service]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.DefaultConfig(string(service)))
		e.breakers[service] = cb
	}
	return cb
}

// enqueue appends the pending record and takes the caller's slot on the
// per-(user,service) FIFO chain in one critical section, so record ids
// are assigned in the same order slots are granted and action log
// chronology matches actual external-call order. The returned wait
// blocks until the predecessor finishes; on cancellation the caller's
// slot still completes behind its predecessor, so successors never
// overtake a running action.
func (e *Executor) enqueue(ctx context.Context, userID string, service core.Service, rec *actionlog.ActionRecord) (wait func(context.Context) error, release func(), err error) {
	key := userID + ":" + string(service)

	lock := e.acquireSubmit(key)
	lock.mu.Lock()
	if err := e.records.Append(ctx, rec); err != nil {
		lock.mu.Unlock()
		e.releaseSubmit(key, lock)
		return nil, nil, err
	}
	e.mu.Lock()
	prev := e.tails[key]
	turn := make(chan struct{})
	e.tails[key] = turn
	e.mu.Unlock()
	lock.mu.Unlock()
	e.releaseSubmit(key, lock)

	finish := func() {
		close(turn)
		e.mu.Lock()
		if e.tails[key] == turn {
			delete(e.tails, key)
		}
		e.mu.Unlock()
	}

	wait = func(ctx context.Context) error {
		if prev == nil {
			return nil
		}
		select {
		case <-prev:
			return nil
		case <-ctx.Done():
			// Keep the chain intact for successors.
			go func() {
				<-prev
				finish()
			}()
			return ctx.Err()
		}
	}
	return wait, finish, nil
}

// acquireSubmit returns the per-key submit lock, creating it on first
// use. Same refcounting shape as the credential manager's refresh
// locks so the map does not grow with every key ever seen.
func (e *Executor) acquireSubmit(key string) *submitLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.submits[key]
	if !ok {
		l = &submitLock{}
		e.submits[key] = l
	}
	l.refs++
	return l
}

func (e *Executor) releaseSubmit(key string, l *submitLock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(e.submits, key)
	}
}
