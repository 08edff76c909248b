// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package facestore reads and marks face records in the photo
// scanner's SQLite database.
//
// The database belongs to the scanner. fedsync only selects rows of
// the faces table that have a bounding box and have not been used for
// training yet, and flips their fl_trained flag afterwards. Because the
// scanner may be writing at the same time, marking runs in an
// IMMEDIATE transaction under the pool's busy timeout and is verified
// by reading the flags back.
package facestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/chithram/fedsync/lib/sqlitepool"
)

// ErrNotFound is returned by Open when the database file is missing.
var ErrNotFound = errors.New("face database not found")

// DefaultLimit is how many records one training session selects.
const DefaultLimit = 40

// Schema is the subset of the scanner's schema fedsync relies on.
const Schema = `
CREATE TABLE IF NOT EXISTS faces (
	id INTEGER PRIMARY KEY,
	image_path TEXT NOT NULL,
	bbox TEXT,
	fl_trained INTEGER NOT NULL DEFAULT 0
);
`

// Record is one face eligible for training.
type Record struct {
	ID        int64
	ImagePath string
	Box       string
}

// Config configures Open.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	Logger      *slog.Logger

	// Create allows creating the database and the faces table. The
	// scanner owns production databases; this is for fixtures and
	// tests.
	Create bool
}

// Store is an open face database.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens the database at cfg.Path. Unless cfg.Create is set, a
// missing file is ErrNotFound rather than a new empty database.
func Open(cfg Config) (*Store, error) {
	if !cfg.Create {
		if _, err := os.Stat(cfg.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, cfg.Path)
			}
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolConfig := sqlitepool.Config{
		Path:        cfg.Path,
		BusyTimeout: cfg.BusyTimeout,
		Logger:      logger,
	}
	if cfg.Create {
		poolConfig.OnConnect = func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, Schema, nil)
		}
	}
	pool, err := sqlitepool.Open(poolConfig)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// CountEligible returns how many records have a bounding box,
// regardless of training status.
func (s *Store) CountEligible(ctx context.Context) (int, error) {
	var count int64
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		var err error
		count, err = sqlitepool.QueryInt(conn, "SELECT count(*) FROM faces WHERE bbox IS NOT NULL")
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("counting faces: %w", err)
	}
	return int(count), nil
}

// SelectUntrained returns up to limit untrained records with a
// bounding box, oldest first. Repeated calls without intervening
// writes return the same records.
func (s *Store) SelectUntrained(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var records []Record
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT id, image_path, bbox FROM faces WHERE bbox IS NOT NULL AND fl_trained = 0 ORDER BY id ASC LIMIT ?",
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					records = append(records, Record{
						ID:        stmt.ColumnInt64(0),
						ImagePath: stmt.ColumnText(1),
						Box:       stmt.ColumnText(2),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("selecting untrained faces: %w", err)
	}
	return records, nil
}

// MarkTrained sets fl_trained on ids and returns how many of them read
// back as trained. Marking an already-marked record is a no-op, so
// confirmed counts it too. A confirmed count below len(ids) means the
// mark did not persist for some records.
func (s *Store) MarkTrained(ctx context.Context, ids []int64) (confirmed int, err error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	var count int64
	err = s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		if err := s.update(conn, placeholders, args); err != nil {
			return err
		}
		var err error
		count, err = sqlitepool.QueryInt(conn, "SELECT count(*) FROM faces WHERE fl_trained = 1 AND id IN ("+placeholders+")", args...)
		if err != nil {
			return fmt.Errorf("verifying trained marks: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("faces marked trained", "requested", len(ids), "confirmed", count)
	return int(count), nil
}

func (s *Store) update(conn *sqlite.Conn, placeholders string, args []any) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("marking faces trained: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, "UPDATE faces SET fl_trained = 1 WHERE id IN ("+placeholders+")", &sqlitex.ExecOptions{Args: args})
	if err != nil {
		return fmt.Errorf("marking faces trained: %w", err)
	}
	return nil
}

// Insert adds a record and returns its id. A nil box stores NULL.
func (s *Store) Insert(ctx context.Context, imagePath string, box *string) (int64, error) {
	var boxArg any
	if box != nil {
		boxArg = *box
	}
	var id int64
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "INSERT INTO faces (image_path, bbox) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{imagePath, boxArg},
		})
		id = conn.LastInsertRowID()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inserting face: %w", err)
	}
	return id, nil
}
