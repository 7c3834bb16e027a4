// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// Final Server's measurement store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with fixed pragmas:
//
//   - journal_mode=WAL: the query API reads while ingest handlers
//     write; readers never block the writer.
//   - synchronous=NORMAL: commits survive a process crash without an
//     fsync per insert.
//   - busy_timeout=5000: concurrent relay connections inserting at the
//     same moment wait for the write lock instead of failing with
//     SQLITE_BUSY.
//   - temp_store=MEMORY.
//
// Callers [Pool.Take] a connection, use it, and [Pool.Put] it back.
// Connections are not safe for concurrent use.
//
// Unlike sqlitex.Pool, [Open] probes one connection before returning,
// so a database that cannot be opened or migrated fails at startup
// rather than on the first insert.
package sqlitepool
