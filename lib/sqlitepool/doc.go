// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens SQLite databases with the pragmas fedsync
// relies on when sharing a database with other processes.
//
// The face record store is written concurrently by the photo scanner
// while a training session reads and marks records, so every
// connection is set up with:
//
//   - busy_timeout: bounded wait for locks held elsewhere
//     (default 30s, see [Config.BusyTimeout]).
//   - journal_mode=WAL: readers never block the scanner's writes.
//   - synchronous=NORMAL: commits survive a process crash.
//   - foreign_keys=OFF and temp_store=MEMORY.
//
// The package is a thin wrapper over zombiezen.com/go/sqlite's
// sqlitex.Pool. Callers write SQL directly with sqlitex.Execute and
// manage transactions with sqlitex.ImmediateTransaction.
package sqlitepool
