package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cordum/evaluator/core/infra/pg"
)

// PostgresStore implements Store with PostgreSQL storage.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrations returns the DDL for the notifications table.
func Migrations() []pg.Migration {
	return []pg.Migration{
		{Name: "notifications", SQL: `
CREATE TABLE IF NOT EXISTS notifications (
	id UUID PRIMARY KEY,
	recipient_id TEXT NOT NULL,
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	link TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	read_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created ON notifications(recipient_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(recipient_id) WHERE read_at IS NULL`},
	}
}

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	return pg.Migrate(ctx, s.db, Migrations()...)
}

func (s *PostgresStore) Insert(ctx context.Context, n *Notification) error {
	var metadata []byte
	if len(n.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(n.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, type, title, body, link, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.RecipientID, n.Type, n.Title, n.Body, n.Link, metadata, n.CreatedAt)
	return err
}

func (s *PostgresStore) CountUnread(ctx context.Context, recipientID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND read_at IS NULL`,
		recipientID).Scan(&n)
	return n, err
}

func (s *PostgresStore) List(ctx context.Context, recipientID string, cursor *Cursor, limit int) ([]Notification, error) {
	const cols = `SELECT id, recipient_id, type, title, body, link, metadata, read_at, created_at FROM notifications`
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, cols+`
			WHERE recipient_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, recipientID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, cols+`
			WHERE recipient_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, recipientID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var (
			n        Notification
			metadata []byte
			readAt   sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Body, &n.Link, &metadata, &readAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, recipientID, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = $3
		WHERE recipient_id = $1 AND id = $2 AND read_at IS NULL
	`, recipientID, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM notifications WHERE recipient_id = $1 AND id = $2)`,
		recipientID, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) MarkAllRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = $2 WHERE recipient_id = $1 AND read_at IS NULL`,
		recipientID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
