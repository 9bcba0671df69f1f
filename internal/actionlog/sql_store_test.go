package actionlog

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/autoflow/backend/internal/adapter"
	"github.com/autoflow/backend/internal/core"
)

// The SQL store runs on Postgres in production; tests exercise the same
// statements against SQLite, which shares the $N placeholder and
// RETURNING syntax.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE action_records (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id         TEXT NOT NULL,
			service         TEXT NOT NULL,
			operation       TEXT NOT NULL,
			params          TEXT NOT NULL DEFAULT '{}',
			result          TEXT,
			rollback_hint   TEXT,
			status          TEXT NOT NULL DEFAULT 'pending',
			error_detail    TEXT NOT NULL DEFAULT '',
			rollback_reason TEXT NOT NULL DEFAULT '',
			rollback_error  TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL,
			completed_at    TIMESTAMP,
			rolled_back_at  TIMESTAMP
		)`)
	require.NoError(t, err)
	return db
}

func TestSQLStore_AppendAndGet(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	ctx := context.Background()

	rec := &ActionRecord{
		UserID:    "alice",
		Service:   core.ServiceJira,
		Operation: "createIssue",
		Params:    core.Params{"project": "OPS", "summary": "disk full"},
	}
	require.NoError(t, store.Append(ctx, rec))
	assert.Greater(t, rec.ID, int64(0))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, core.ServiceJira, got.Service)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "OPS", got.Params["project"])
}

func TestSQLStore_GetUnknown(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	_, err := store.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_CompleteLifecycle(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	ctx := context.Background()
	hint, _ := adapter.RollbackHint{Operation: "deleteIssue", Params: core.Params{"key": "OPS-1"}}.JSON()

	rec := &ActionRecord{UserID: "alice", Service: core.ServiceJira, Operation: "createIssue"}
	require.NoError(t, store.Append(ctx, rec))

	updated, err := store.Complete(ctx, rec.ID, CompletionUpdate{
		Status: StatusSucceeded,
		Result: map[string]interface{}{"key": "OPS-1"},
		Hint:   hint,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, updated.Status)
	assert.NotNil(t, updated.CompletedAt)
	assert.True(t, updated.Reversible())

	// The guarded update refuses a second completion.
	_, err = store.Complete(ctx, rec.ID, CompletionUpdate{Status: StatusFailed})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestSQLStore_RollbackTransitions(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	ctx := context.Background()
	hint, _ := adapter.RollbackHint{Operation: "deleteIssue"}.JSON()

	rec := &ActionRecord{UserID: "alice", Service: core.ServiceJira, Operation: "createIssue"}
	require.NoError(t, store.Append(ctx, rec))

	// Rollback of a pending record is an invalid target.
	_, err := store.MarkRollback(ctx, rec.ID, RollbackUpdate{Status: StatusRolledBack})
	assert.ErrorIs(t, err, ErrInvalidRollbackTarget)

	_, err = store.Complete(ctx, rec.ID, CompletionUpdate{Status: StatusSucceeded, Hint: hint})
	require.NoError(t, err)

	// First attempt fails, stays retryable.
	updated, err := store.MarkRollback(ctx, rec.ID, RollbackUpdate{
		Status: StatusRollbackFailed,
		Reason: "operator request",
		Error:  "provider 503",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRollbackFailed, updated.Status)
	assert.Equal(t, "provider 503", updated.RollbackError)

	// Manual retry succeeds.
	updated, err = store.MarkRollback(ctx, rec.ID, RollbackUpdate{
		Status: StatusRolledBack,
		Reason: "operator request",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, updated.Status)
	assert.NotNil(t, updated.RolledBackAt)

	// And a rolled back record is terminal.
	_, err = store.MarkRollback(ctx, rec.ID, RollbackUpdate{Status: StatusRolledBack})
	assert.ErrorIs(t, err, ErrInvalidRollbackTarget)
}

func TestSQLStore_ListByUser(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	ctx := context.Background()
	hint, _ := adapter.RollbackHint{Operation: "deleteMessage"}.JSON()

	first := &ActionRecord{UserID: "alice", Service: core.ServiceSlack, Operation: "sendMessage"}
	require.NoError(t, store.Append(ctx, first))
	second := &ActionRecord{UserID: "alice", Service: core.ServiceSlack, Operation: "sendMessage"}
	require.NoError(t, store.Append(ctx, second))
	other := &ActionRecord{UserID: "bob", Service: core.ServiceSlack, Operation: "sendMessage"}
	require.NoError(t, store.Append(ctx, other))

	_, err := store.Complete(ctx, first.ID, CompletionUpdate{Status: StatusSucceeded, Hint: hint})
	require.NoError(t, err)
	_, err = store.Complete(ctx, second.ID, CompletionUpdate{Status: StatusFailed, ErrorDetail: "channel_not_found"})
	require.NoError(t, err)

	all, err := store.ListByUser(ctx, "alice", ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	reversible, err := store.ListByUser(ctx, "alice", ListOptions{ReversibleOnly: true})
	require.NoError(t, err)
	require.Len(t, reversible, 1)
	assert.Equal(t, first.ID, reversible[0].ID)
}
