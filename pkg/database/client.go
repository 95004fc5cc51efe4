// Package database provides SQLite connection and migration utilities.
//
// Each of the operator's three persistent stores (tickets, actions, eval)
// gets its own SQLite file; this package is deliberately agnostic about
// which store it's opening for — callers pass their own embedded migration
// set.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Config holds SQLite connection settings for one database file.
type Config struct {
	Path string

	// MaxOpenConns should stay at 1 for the primary writer connection in
	// most deployments; SQLite's single-writer model means concurrent
	// writers just serialize on a lock, but WAL mode lets readers proceed
	// unblocked, so a higher value is safe once WAL is enabled.
	MaxOpenConns int
	MaxIdleConns int
}

// Client wraps a *sqlx.DB for one SQLite-backed store.
type Client struct {
	db *sqlx.DB
}

// DB returns the underlying sqlx handle for store-specific queries.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens path, enables WAL mode and foreign keys, and applies any
// pending entries from migrations in order.
func NewClient(ctx context.Context, cfg Config, migrations []Migration) (*Client, error) {
	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := Apply(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations to %s: %w", cfg.Path, err)
	}

	return &Client{db: db}, nil
}
