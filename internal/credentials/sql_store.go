package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/autoflow/backend/internal/core"
)

// SQLStore persists connections in the service_connections table.
// The SQL sticks to $N placeholders and portable types so the same
// store runs against Postgres in production and SQLite in tests.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, userID string, service core.Service) (*ServiceConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, service, access_token, refresh_token, expiry, scopes, status, created_at, updated_at
		FROM service_connections
		WHERE user_id = $1 AND service = $2`,
		userID, string(service))

	var conn ServiceConnection
	var svc, scopes, status string
	var refresh sql.NullString
	if err := row.Scan(&conn.UserID, &svc, &conn.AccessToken, &refresh, &conn.Expiry,
		&scopes, &status, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	conn.Service = core.Service(svc)
	conn.Status = ConnectionStatus(status)
	conn.RefreshToken = refresh.String
	if scopes != "" {
		conn.Scopes = strings.Split(scopes, " ")
	}
	return &conn, nil
}

func (s *SQLStore) Upsert(ctx context.Context, conn *ServiceConnection) error {
	now := time.Now().UTC()
	var refresh sql.NullString
	if conn.RefreshToken != "" {
		refresh = sql.NullString{String: conn.RefreshToken, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_connections (user_id, service, access_token, refresh_token, expiry, scopes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id, service) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expiry = EXCLUDED.expiry,
			scopes = EXCLUDED.scopes,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		conn.UserID, string(conn.Service), conn.AccessToken, refresh, conn.Expiry.UTC(),
		strings.Join(conn.Scopes, " "), string(conn.Status), now)
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

func (s *SQLStore) SetStatus(ctx context.Context, userID string, service core.Service, status ConnectionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_connections SET status = $1, updated_at = $2
		WHERE user_id = $3 AND service = $4`,
		string(status), time.Now().UTC(), userID, string(service))
	if err != nil {
		return fmt.Errorf("updating connection status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotConnected
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, userID string, service core.Service) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM service_connections WHERE user_id = $1 AND service = $2`,
		userID, string(service))
	return err
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string) ([]*ServiceConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, service, access_token, refresh_token, expiry, scopes, status, created_at, updated_at
		FROM service_connections
		WHERE user_id = $1
		ORDER BY service`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var out []*ServiceConnection
	for rows.Next() {
		var conn ServiceConnection
		var svc, scopes, status string
		var refresh sql.NullString
		if err := rows.Scan(&conn.UserID, &svc, &conn.AccessToken, &refresh, &conn.Expiry,
			&scopes, &status, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
			return nil, err
		}
		conn.Service = core.Service(svc)
		conn.Status = ConnectionStatus(status)
		conn.RefreshToken = refresh.String
		if scopes != "" {
			conn.Scopes = strings.Split(scopes, " ")
		}
		out = append(out, &conn)
	}
	return out, rows.Err()
}
