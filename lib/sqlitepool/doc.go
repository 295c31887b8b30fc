// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pool behind the build
// farm store.
//
// It is a thin layer over zombiezen.com/go/sqlite/sqlitex: callers
// [Pool.Take] a connection, run SQL with sqlitex, and [Pool.Put] it
// back. A connection is owned by one goroutine at a time. Each per-
// builder scanner takes a connection for the length of one store
// operation and returns it before talking to a worker, so a pool a
// little larger than the number of concurrently writing scanners is
// enough; SQLite serializes writers anyway.
//
// Every connection gets the same pragmas before first use:
//
//   - journal_mode=WAL so snapshot reads never wait for a dispatch
//     commit.
//   - synchronous=NORMAL: committed transactions survive a manager
//     crash. An OS crash may lose the last commits, which the next
//     scan repairs by rescuing jobs whose builders disagree.
//   - busy_timeout: wait for the write lock instead of failing with
//     SQLITE_BUSY when many scanners commit at once.
//   - foreign_keys=OFF: the store maintains builder/job references
//     itself.
//   - temp_store=MEMORY.
package sqlitepool
