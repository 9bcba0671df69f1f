package actionlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflow/backend/internal/adapter"
	"github.com/autoflow/backend/internal/core"
)

// ============================================================================
// STATUS TRANSITION TABLE
// ============================================================================

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusSucceeded},
		{StatusPending, StatusFailed},
		{StatusPending, StatusCancelled},
		{StatusSucceeded, StatusRolledBack},
		{StatusSucceeded, StatusRollbackFailed},
		{StatusRollbackFailed, StatusRolledBack},
		{StatusRollbackFailed, StatusRollbackFailed},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be legal", tr.from, tr.to)
	}

	illegal := []struct{ from, to Status }{
		{StatusFailed, StatusSucceeded},
		{StatusFailed, StatusRolledBack},
		{StatusCancelled, StatusRolledBack},
		{StatusPending, StatusRolledBack},
		{StatusRolledBack, StatusRolledBack},
		{StatusRolledBack, StatusSucceeded},
		{StatusSucceeded, StatusFailed},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be illegal", tr.from, tr.to)
	}
}

func TestTransitionError_Taxonomy(t *testing.T) {
	// Rollback-shaped targets fail as invalid rollback targets.
	assert.ErrorIs(t, TransitionError(StatusFailed, StatusRolledBack), ErrInvalidRollbackTarget)
	assert.ErrorIs(t, TransitionError(StatusRolledBack, StatusRolledBack), ErrInvalidRollbackTarget)

	// Everything else is a plain invalid transition.
	assert.ErrorIs(t, TransitionError(StatusFailed, StatusSucceeded), ErrInvalidStateTransition)
	assert.ErrorIs(t, TransitionError(StatusSucceeded, StatusFailed), ErrInvalidStateTransition)
}

// ============================================================================
// REVERSIBILITY AND DURATION
// ============================================================================

func TestReversible(t *testing.T) {
	hint := adapter.RollbackHint{Operation: "deleteMessage", Params: core.Params{"id": "42"}}
	raw, err := hint.JSON()
	require.NoError(t, err)

	irreversible, err := adapter.IrreversibleHint().JSON()
	require.NoError(t, err)

	cases := []struct {
		name string
		rec  ActionRecord
		want bool
	}{
		{"succeeded with hint", ActionRecord{Status: StatusSucceeded, RollbackHint: raw}, true},
		{"rollback_failed retryable", ActionRecord{Status: StatusRollbackFailed, RollbackHint: raw}, true},
		{"succeeded irreversible", ActionRecord{Status: StatusSucceeded, RollbackHint: irreversible}, false},
		{"succeeded without hint", ActionRecord{Status: StatusSucceeded}, false},
		{"failed", ActionRecord{Status: StatusFailed, RollbackHint: raw}, false},
		{"rolled back already", ActionRecord{Status: StatusRolledBack, RollbackHint: raw}, false},
		{"pending", ActionRecord{Status: StatusPending, RollbackHint: raw}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.rec.Reversible())
		})
	}
}

func TestDurationMS(t *testing.T) {
	created := time.Now()
	completed := created.Add(1500 * time.Millisecond)

	rec := ActionRecord{CreatedAt: created}
	assert.Equal(t, int64(0), rec.DurationMS(), "incomplete record has no duration")

	rec.CompletedAt = &completed
	assert.Equal(t, int64(1500), rec.DurationMS())
}

// ============================================================================
// MEMORY STORE
// ============================================================================

func appendRecord(t *testing.T, s Store, userID string) *ActionRecord {
	t.Helper()
	rec := &ActionRecord{
		UserID:    userID,
		Service:   core.ServiceSlack,
		Operation: "sendMessage",
		Params:    core.Params{"channel": "#ops"},
	}
	require.NoError(t, s.Append(context.Background(), rec))
	return rec
}

func TestMemoryStore_AppendAssignsMonotonicIDs(t *testing.T) {
	s := NewMemoryStore()
	first := appendRecord(t, s, "alice")
	second := appendRecord(t, s, "alice")

	assert.Greater(t, second.ID, first.ID)
	assert.Equal(t, StatusPending, first.Status)
}

func TestMemoryStore_CompleteStoresHintOnlyOnSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	hint, _ := adapter.RollbackHint{Operation: "deleteMessage"}.JSON()

	ok := appendRecord(t, s, "alice")
	updated, err := s.Complete(ctx, ok.ID, CompletionUpdate{
		Status: StatusSucceeded,
		Result: map[string]interface{}{"ts": "123.456"},
		Hint:   hint,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, updated.Status)
	assert.NotEmpty(t, updated.RollbackHint)
	assert.NotNil(t, updated.CompletedAt)

	failed := appendRecord(t, s, "alice")
	updated, err = s.Complete(ctx, failed.ID, CompletionUpdate{
		Status:      StatusFailed,
		Hint:        hint,
		ErrorDetail: "channel_not_found",
	})
	require.NoError(t, err)
	assert.Empty(t, updated.RollbackHint, "failed records never carry a hint")
	assert.Equal(t, "channel_not_found", updated.ErrorDetail)
}

func TestMemoryStore_DoubleCompleteRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := appendRecord(t, s, "alice")

	_, err := s.Complete(ctx, rec.ID, CompletionUpdate{Status: StatusSucceeded})
	require.NoError(t, err)

	_, err = s.Complete(ctx, rec.ID, CompletionUpdate{Status: StatusFailed})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestMemoryStore_MarkRollbackEnforcesTargets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := appendRecord(t, s, "alice")
	_, err := s.MarkRollback(ctx, rec.ID, RollbackUpdate{Status: StatusRolledBack})
	assert.ErrorIs(t, err, ErrInvalidRollbackTarget, "pending records cannot be rolled back")

	_, err = s.Complete(ctx, rec.ID, CompletionUpdate{Status: StatusSucceeded})
	require.NoError(t, err)

	updated, err := s.MarkRollback(ctx, rec.ID, RollbackUpdate{Status: StatusRolledBack, Reason: "operator request"})
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, updated.Status)
	assert.NotNil(t, updated.RolledBackAt)

	_, err = s.MarkRollback(ctx, rec.ID, RollbackUpdate{Status: StatusRolledBack})
	assert.ErrorIs(t, err, ErrInvalidRollbackTarget, "double rollback must fail")
}

func TestMemoryStore_ListByUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	hint, _ := adapter.RollbackHint{Operation: "deleteMessage"}.JSON()

	a := appendRecord(t, s, "alice")
	b := appendRecord(t, s, "alice")
	appendRecord(t, s, "bob")

	_, err := s.Complete(ctx, a.ID, CompletionUpdate{Status: StatusSucceeded, Hint: hint})
	require.NoError(t, err)
	_, err = s.Complete(ctx, b.ID, CompletionUpdate{Status: StatusFailed, ErrorDetail: "nope"})
	require.NoError(t, err)

	all, err := s.ListByUser(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	reversible, err := s.ListByUser(ctx, "alice", ListOptions{ReversibleOnly: true})
	require.NoError(t, err)
	require.Len(t, reversible, 1)
	assert.Equal(t, a.ID, reversible[0].ID)

	limited, err := s.ListByUser(ctx, "alice", ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}
