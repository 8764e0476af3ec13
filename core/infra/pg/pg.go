// Package pg opens the durable store and applies idempotent schema statements.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"

	"github.com/cordum/evaluator/core/infra/logging"
)

const (
	driverName         = "postgres"
	defaultPingTimeout = 5 * time.Second
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns a pool sized for one worker process.
func DefaultOptions() Options {
	return Options{MaxOpenConns: 16, MaxIdleConns: 4, ConnMaxLifetime: 30 * time.Minute}
}

// Open connects to Postgres at url and verifies the connection.
func Open(ctx context.Context, url string, opts Options) (*sql.DB, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("pg: database url required")
	}
	db, err := sql.Open(driverName, url)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	configure(db, opts)
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return db, nil
}

func configure(db *sql.DB, opts Options) {
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
}

// Migration is a named, idempotent DDL statement.
type Migration struct {
	Name string
	SQL  string
}

// Migrate applies migrations in order inside one transaction. Every
// statement must be safe to re-run (CREATE ... IF NOT EXISTS).
func Migrate(ctx context.Context, db *sql.DB, migrations ...Migration) error {
	if len(migrations) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range migrations {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("pg: migration %s: %w", m.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pg: commit migration: %w", err)
	}
	names := make([]string, 0, len(migrations))
	for _, m := range migrations {
		names = append(names, m.Name)
	}
	logging.InfoContext(ctx, "pg", "schema ensured", "migrations", names)
	return nil
}
