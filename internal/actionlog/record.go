// Package actionlog is the append-and-update store of action records:
// the source of truth for audit history and for rollback. Every
// mutating call against an external service leaves exactly one record
// here, and status transitions are monotonic.
package actionlog

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/autoflow/backend/internal/adapter"
	"github.com/autoflow/backend/internal/core"
)

// Status of an action record.
type Status string

const (
	StatusPending        Status = "pending"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusRolledBack     Status = "rolled_back"
	StatusRollbackFailed Status = "rollback_failed"
)

var (
	ErrNotFound               = errors.New("action record not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidRollbackTarget  = errors.New("invalid rollback target")
)

// transitions is the only legal status graph. Anything else fails.
var transitions = map[Status][]Status{
	StatusPending:        {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusSucceeded:      {StatusRolledBack, StatusRollbackFailed},
	StatusRollbackFailed: {StatusRolledBack, StatusRollbackFailed},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TransitionError returns the taxonomy error for an illegal from → to:
// rollback-shaped targets get ErrInvalidRollbackTarget, everything else
// ErrInvalidStateTransition.
func TransitionError(from, to Status) error {
	if to == StatusRolledBack || to == StatusRollbackFailed {
		return ErrInvalidRollbackTarget
	}
	return ErrInvalidStateTransition
}

// ActionRecord is one attempted mutating call. The rollback hint is
// opaque to this package: it is stored on success and replayed to the
// adapter that produced it, never interpreted here.
type ActionRecord struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"user_id"`
	Service      core.Service    `json:"service"`
	Operation    string          `json:"operation"`
	Params       core.Params     `json:"params,omitempty"`
	Result       core.Params     `json:"result,omitempty"`
	RollbackHint json.RawMessage `json:"rollback_hint,omitempty"`
	Status       Status          `json:"status"`
	ErrorDetail  string          `json:"error_detail,omitempty"` // adapter error, verbatim

	RollbackReason string `json:"rollback_reason,omitempty"`
	RollbackError  string `json:"rollback_error,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
}

// Reversible reports whether this record is a rollback target: it
// succeeded and its stored hint is not the irreversible marker.
func (r *ActionRecord) Reversible() bool {
	if r.Status != StatusSucceeded && r.Status != StatusRollbackFailed {
		return false
	}
	if len(r.RollbackHint) == 0 {
		return false
	}
	hint, err := adapter.DecodeHint(r.RollbackHint)
	if err != nil {
		return false
	}
	return !hint.IsIrreversible()
}

// DurationMS returns the execution duration in milliseconds, or 0 when
// the record has not completed.
func (r *ActionRecord) DurationMS() int64 {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.CreatedAt).Milliseconds()
}

// Summarize strips params, results, and hint material from a record.
func (r *ActionRecord) Summarize() Summary {
	return Summary{
		ID:         r.ID,
		Service:    r.Service,
		Operation:  r.Operation,
		Status:     r.Status,
		Reversible: r.Reversible(),
		CreatedAt:  r.CreatedAt,
		DurationMS: r.DurationMS(),
	}
}

// Summary is the compact history view returned by the API.
type Summary struct {
	ID         int64        `json:"id"`
	Service    core.Service `json:"service"`
	Operation  string       `json:"operation"`
	Status     Status       `json:"status"`
	Reversible bool         `json:"reversible"`
	CreatedAt  time.Time    `json:"created_at"`
	DurationMS int64        `json:"duration_ms,omitempty"`
}
