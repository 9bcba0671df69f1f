package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autoflow/backend/internal/core"
)

// SQLStore persists records in the action_records table. Transition
// checks run inside guarded UPDATEs so concurrent writers cannot skip
// states. Portable SQL: Postgres in production, SQLite in tests.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Append(ctx context.Context, rec *ActionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Status = StatusPending

	params, err := rec.Params.JSON()
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO action_records (user_id, service, operation, params, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		rec.UserID, string(rec.Service), rec.Operation, string(params), string(StatusPending), rec.CreatedAt)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("appending action record: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*ActionRecord, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = $1`, id))
}

func (s *SQLStore) Complete(ctx context.Context, id int64, upd CompletionUpdate) (*ActionRecord, error) {
	now := time.Now().UTC()

	var result, hint interface{}
	if upd.Status == StatusSucceeded {
		data, err := json.Marshal(upd.Result)
		if err != nil {
			return nil, fmt.Errorf("encoding result: %w", err)
		}
		result = string(data)
		if len(upd.Hint) > 0 {
			hint = string(upd.Hint)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE action_records
		SET status = $1, result = $2, rollback_hint = $3, error_detail = $4, completed_at = $5
		WHERE id = $6 AND status = $7`,
		string(upd.Status), result, hint, upd.ErrorDetail, now, id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("completing action record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionFailure(ctx, id, upd.Status)
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) MarkRollback(ctx context.Context, id int64, upd RollbackUpdate) (*ActionRecord, error) {
	var rolledBackAt interface{}
	if upd.Status == StatusRolledBack {
		rolledBackAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_records
		SET status = $1, rollback_reason = $2, rollback_error = $3, rolled_back_at = $4
		WHERE id = $5 AND status IN ($6, $7)`,
		string(upd.Status), upd.Reason, upd.Error, rolledBackAt, id,
		string(StatusSucceeded), string(StatusRollbackFailed))
	if err != nil {
		return nil, fmt.Errorf("recording rollback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionFailure(ctx, id, upd.Status)
	}
	return s.Get(ctx, id)
}

// transitionFailure classifies a guarded-update miss: unknown id or an
// illegal transition from the record's current status.
func (s *SQLStore) transitionFailure(ctx context.Context, id int64, to Status) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return TransitionError(rec.Status, to)
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*ActionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+`
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing action records: %w", err)
	}
	defer rows.Close()

	var out []*ActionRecord
	for rows.Next() {
		rec, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		if opts.ReversibleOnly && !rec.Reversible() {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectRecord = `
	SELECT id, user_id, service, operation, params, result, rollback_hint,
	       status, error_detail, rollback_reason, rollback_error,
	       created_at, completed_at, rolled_back_at
	FROM action_records`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStore) scanOne(row *sql.Row) (*ActionRecord, error) {
	rec, err := s.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLStore) scanRow(row rowScanner) (*ActionRecord, error) {
	var rec ActionRecord
	var svc, status string
	var params, result, hint, errDetail, rbReason, rbError sql.NullString
	var completedAt, rolledBackAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.UserID, &svc, &rec.Operation, &params, &result, &hint,
		&status, &errDetail, &rbReason, &rbError,
		&rec.CreatedAt, &completedAt, &rolledBackAt); err != nil {
		return nil, err
	}
	rec.Service = core.Service(svc)
	rec.Status = Status(status)
	rec.ErrorDetail = errDetail.String
	rec.RollbackReason = rbReason.String
	rec.RollbackError = rbError.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &rec.Params); err != nil {
			return nil, fmt.Errorf("decoding params for record %d: %w", rec.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
			return nil, fmt.Errorf("decoding result for record %d: %w", rec.ID, err)
		}
	}
	if hint.Valid && hint.String != "" {
		rec.RollbackHint = json.RawMessage(hint.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if rolledBackAt.Valid {
		t := rolledBackAt.Time
		rec.RolledBackAt = &t
	}
	return &rec, nil
}
