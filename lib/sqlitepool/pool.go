// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultBusyTimeout is how long a connection waits for a lock held by
// another process before failing with SQLITE_BUSY.
const DefaultBusyTimeout = 30 * time.Second

const defaultPoolSize = 2

// Config holds the parameters for opening a pool. Path is required.
type Config struct {
	// Path is the database file. It is created if missing; callers
	// that must not create it check for it first.
	Path string

	// PoolSize is the number of connections. Zero means 2: one for the
	// training session and a spare for verification reads.
	PoolSize int

	// BusyTimeout bounds the wait for locks held by other processes.
	// Zero means DefaultBusyTimeout.
	BusyTimeout time.Duration

	// Logger receives open/close records. Nil discards them.
	Logger *slog.Logger

	// OnConnect runs once per connection after the pragmas. An error
	// discards the connection and is returned from Take.
	OnConnect func(conn *sqlite.Conn) error
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	return cfg
}

// pragmas returns the statements run on every new connection.
// busy_timeout leads so the switch to WAL waits out a scanner that
// holds the lock.
func (cfg Config) pragmas() []string {
	return []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
}

func (cfg Config) prepare(conn *sqlite.Conn) error {
	for _, pragma := range cfg.pragmas() {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	if cfg.OnConnect == nil {
		return nil
	}
	if err := cfg.OnConnect(conn); err != nil {
		return fmt.Errorf("sqlitepool: OnConnect: %w", err)
	}
	return nil
}

// Pool hands out SQLite connections that share one pragma set. It is
// safe for concurrent use; connections are not.
type Pool struct {
	inner *sqlitex.Pool
	cfg   Config
}

// Open creates the pool. Connections are opened lazily on first use.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlitepool: Path is required")
	}
	cfg = cfg.withDefaults()

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: cfg.prepare,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}
	cfg.Logger.Debug("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", cfg.PoolSize,
		"busy_timeout", cfg.BusyTimeout,
	)
	return &Pool{inner: inner, cfg: cfg}, nil
}

// Path returns the database file path.
func (p *Pool) Path() string {
	return p.cfg.Path
}

// Take borrows a connection, blocking until one is free or ctx is
// done. Every Take must be paired with a Put. Prefer Do.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection. Put(nil) is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Do runs fn with a borrowed connection and returns it afterwards. A
// done ctx fails before any connection is borrowed, even an idle one.
func (p *Pool) Do(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Close closes every connection, waiting for borrowed ones to return.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.cfg.Logger.Error("sqlite pool close error", "path", p.cfg.Path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.cfg.Path, err)
	}
	p.cfg.Logger.Debug("sqlite pool closed", "path", p.cfg.Path)
	return nil
}

// QueryInt runs a query whose first row's first column is an integer,
// such as a count. A query returning no rows yields 0.
func QueryInt(conn *sqlite.Conn, query string, args ...any) (int64, error) {
	var value int64
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt64(0)
			return nil
		},
	})
	return value, err
}
