// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/chithram/fedsync/lib/sqlitepool"
)

func queryInt(t *testing.T, conn *sqlite.Conn, query string) int64 {
	t.Helper()
	value, err := sqlitepool.QueryInt(conn, query)
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return value
}

func TestPragmas(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{BusyTimeout: 1500 * time.Millisecond})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	var journalMode string
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
	if got := queryInt(t, conn, "PRAGMA synchronous"); got != 1 {
		t.Errorf("synchronous = %d, want 1 (NORMAL)", got)
	}
	if got := queryInt(t, conn, "PRAGMA busy_timeout"); got != 1500 {
		t.Errorf("busy_timeout = %d, want 1500", got)
	}
}

func TestDefaultBusyTimeout(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{})
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)
	if got := queryInt(t, conn, "PRAGMA busy_timeout"); got != sqlitepool.DefaultBusyTimeout.Milliseconds() {
		t.Errorf("busy_timeout = %d, want %d", got, sqlitepool.DefaultBusyTimeout.Milliseconds())
	}
}

func TestOnConnect(t *testing.T) {
	var called bool
	pool := openTestPool(t, sqlitepool.Config{
		OnConnect: func(conn *sqlite.Conn) error {
			called = true
			return sqlitex.ExecuteScript(conn, `
				CREATE TABLE IF NOT EXISTS faces (id INTEGER PRIMARY KEY, bbox TEXT);
			`, nil)
		},
	})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if !called {
		t.Error("OnConnect was not called")
	}
	err = sqlitex.Execute(conn, "INSERT INTO faces (bbox) VALUES (?)", &sqlitex.ExecOptions{
		Args: []any{"1,2,3,4"},
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestContextCancellation(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{PoolSize: 1})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestDo(t *testing.T) {
	pool := openTestPool(t, sqlitepool.Config{})
	ctx := context.Background()

	err := pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, "CREATE TABLE t (n INTEGER); INSERT INTO t VALUES (4), (5);", nil)
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	var sum int64
	err = pool.Do(ctx, func(conn *sqlite.Conn) error {
		var err error
		sum, err = sqlitepool.QueryInt(conn, "SELECT sum(n) FROM t WHERE n >= ?", 4)
		return err
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if sum != 9 {
		t.Errorf("sum = %d, want 9", sum)
	}

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	called := false
	if err := pool.Do(ctx, func(*sqlite.Conn) error { called = true; return nil }); err == nil || called {
		t.Errorf("Do with a cancelled context: err = %v, called = %v", err, called)
	}
}

// openTestPool opens cfg against a temporary database file and closes
// the pool when the test completes.
func openTestPool(t *testing.T, cfg sqlitepool.Config) *sqlitepool.Pool {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	pool, err := sqlitepool.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pool.Path() != cfg.Path {
		t.Errorf("Path() = %q", pool.Path())
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}
