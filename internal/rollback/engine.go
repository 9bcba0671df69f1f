// Package rollback derives and executes compensating operations for
// previously successful actions. Compensation is best-effort causal
// reversal, not a distributed commit: batches unwind newest-first and
// halt at the first failure so no earlier action is reversed while a
// later dependent one remains applied.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/autoflow/backend/internal/actionlog"
	"github.com/autoflow/backend/internal/adapter"
	"github.com/autoflow/backend/internal/core"
	"github.com/autoflow/backend/internal/events"
	"github.com/autoflow/backend/internal/metrics"
)

var (
	// ErrIrreversible rejects rollback of an action whose adapter
	// declared it uncompensatable. The adapter is never called.
	ErrIrreversible = errors.New("action is irreversible")

	// ErrForbidden rejects rollback of another user's action.
	ErrForbidden = errors.New("action belongs to another user")
)

// Invoker is the executor's raw adapter path: token acquisition and
// bounded retry without record creation or plan queueing.
type Invoker interface {
	Invoke(ctx context.Context, userID string, service core.Service, operation string, params core.Params) (*adapter.Result, error)
}

// Engine executes compensating operations. Stateless: records live in
// the action log, tokens in the credential layer behind the Invoker.
type Engine struct {
	records actionlog.Store
	invoker Invoker
	emitter events.Emitter
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewEngine(records actionlog.Store, invoker Invoker, emitter events.Emitter, m *metrics.Metrics) *Engine {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Engine{
		records: records,
		invoker: invoker,
		emitter: emitter,
		metrics: m,
		logger:  log.New(log.Writer(), "[ROLLBACK] ", log.LstdFlags),
	}
}

// Rollback reverses one action. Only records in succeeded or
// rollback_failed are targets; a failed compensating call leaves the
// record in rollback_failed for explicit manual retry — never an
// automatic background one, since repeating compensations against an
// external system risks duplicate side effects.
func (e *Engine) Rollback(ctx context.Context, userID string, actionID int64, reason string) (*actionlog.ActionRecord, error) {
	rec, err := e.records.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrForbidden
	}
	if rec.Status != actionlog.StatusSucceeded && rec.Status != actionlog.StatusRollbackFailed {
		return nil, fmt.Errorf("%w: record %d is %s", actionlog.ErrInvalidRollbackTarget, actionID, rec.Status)
	}

	hint, err := adapter.DecodeHint(rec.RollbackHint)
	if err != nil {
		return nil, err
	}
	if hint.IsIrreversible() {
		return nil, fmt.Errorf("%w: record %d", ErrIrreversible, actionID)
	}

	_, invokeErr := e.invoker.Invoke(ctx, rec.UserID, rec.Service, hint.Operation, hint.Params)
	if invokeErr != nil {
		updated, uerr := e.records.MarkRollback(ctx, actionID, actionlog.RollbackUpdate{
			Status: actionlog.StatusRollbackFailed,
			Reason: reason,
			Error:  invokeErr.Error(),
		})
		if uerr != nil {
			return nil, uerr
		}
		e.observe(rec.Service, string(actionlog.StatusRollbackFailed))
		e.emitter.Emit(events.ActionRollbackFailed, rec.UserID, fmt.Sprintf("%d", actionID), map[string]interface{}{
			"service": string(rec.Service),
			"error":   invokeErr.Error(),
		})
		return updated, fmt.Errorf("compensating call failed: %w", invokeErr)
	}

	updated, err := e.records.MarkRollback(ctx, actionID, actionlog.RollbackUpdate{
		Status: actionlog.StatusRolledBack,
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	e.observe(rec.Service, string(actionlog.StatusRolledBack))
	e.emitter.Emit(events.ActionRolledBack, rec.UserID, fmt.Sprintf("%d", actionID), map[string]interface{}{
		"service":   string(rec.Service),
		"operation": hint.Operation,
		"reason":    reason,
	})
	e.logger.Printf("rolled back action %d via %s on %s", actionID, hint.Operation, rec.Service)
	return updated, nil
}

// RollbackBatch unwinds a set of actions in strict reverse
// chronological order and stops at the first failure, leaving later
// actions rolled back and earlier ones untouched. Returns the records
// processed so far (attempted ones included).
func (e *Engine) RollbackBatch(ctx context.Context, userID string, actionIDs []int64, reason string) ([]*actionlog.ActionRecord, error) {
	// Ids are monotonic with creation time: newest first.
	sorted := make([]int64, len(actionIDs))
	copy(sorted, actionIDs)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] > sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	var processed []*actionlog.ActionRecord
	for _, id := range sorted {
		rec, err := e.Rollback(ctx, userID, id, reason)
		if rec != nil {
			processed = append(processed, rec)
		}
		if err != nil {
			return processed, fmt.Errorf("batch halted at action %d: %w", id, err)
		}
	}
	return processed, nil
}

func (e *Engine) observe(service core.Service, result string) {
	if e.metrics != nil {
		e.metrics.RollbackTotal.WithLabelValues(string(service), result).Inc()
	}
}
