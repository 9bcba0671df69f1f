package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autoflow/backend/internal/core"
)

// SQLStore persists events in the webhook_events table. Portable SQL:
// Postgres in production, SQLite in tests.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Append(ctx context.Context, ev *Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (service, event_type, event_id, payload, signature, processed, received_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		RETURNING id`,
		string(ev.Service), ev.EventType, ev.EventID, string(ev.Payload), ev.Signature, ev.ReceivedAt)
	if err := row.Scan(&ev.ID); err != nil {
		return fmt.Errorf("appending webhook event: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*Event, error) {
	return scanEvent(s.db.QueryRowContext(ctx, selectEvent+` WHERE id = $1`, id))
}

func (s *SQLStore) MarkProcessed(ctx context.Context, id int64, res ProcessingResult) error {
	var actionIDs interface{}
	if len(res.ActionIDs) > 0 {
		data, err := json.Marshal(res.ActionIDs)
		if err != nil {
			return fmt.Errorf("encoding action ids: %w", err)
		}
		actionIDs = string(data)
	}

	out, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $1, processing_error = $2, action_ids = $3
		WHERE id = $4`,
		time.Now().UTC(), res.Error, actionIDs, id)
	if err != nil {
		return fmt.Errorf("marking webhook event processed: %w", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *SQLStore) ListUnprocessed(ctx context.Context, limit int) ([]*Event, error) {
	query := selectEvent + ` WHERE processed = FALSE ORDER BY id ASC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed webhook events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const selectEvent = `
	SELECT id, service, event_type, event_id, payload, signature,
	       processed, processed_at, processing_error, action_ids, received_at
	FROM webhook_events`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev        Event
		service   string
		payload   string
		procErr   sql.NullString
		actionIDs sql.NullString
		procAt    sql.NullTime
	)
	err := row.Scan(&ev.ID, &service, &ev.EventType, &ev.EventID, &payload,
		&ev.Signature, &ev.Processed, &procAt, &procErr, &actionIDs, &ev.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning webhook event: %w", err)
	}
	ev.Service = core.Service(service)
	ev.Payload = json.RawMessage(payload)
	if procAt.Valid {
		t := procAt.Time
		ev.ProcessedAt = &t
	}
	ev.ProcessingError = procErr.String
	if actionIDs.Valid && actionIDs.String != "" {
		if err := json.Unmarshal([]byte(actionIDs.String), &ev.ActionIDs); err != nil {
			return nil, fmt.Errorf("decoding action ids: %w", err)
		}
	}
	return &ev, nil
}
