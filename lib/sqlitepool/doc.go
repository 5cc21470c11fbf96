// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the local collabify database.
//
// One SQLite file per user holds both the session records (session
// package) and the per-room document cache (persistence package). The
// pool wraps zombiezen.com/go/sqlite's sqlitex.Pool, applies the same
// pragmas to every connection, and runs each component's schema once
// at Open.
//
// Pragmas:
//
//   - journal_mode=WAL so the persistence writer never blocks session
//     lookups from another goroutine.
//   - synchronous=NORMAL: committed transactions survive a process
//     crash. The document cache tolerates losing the last few updates
//     to a power failure because peers hold the same operations.
//   - busy_timeout=5000 to wait for the write lock instead of failing.
//   - temp_store=MEMORY.
//
// Callers write SQL directly with sqlitex.Execute; [Pool.With] and
// [Pool.Transact] handle Take/Put and transaction bracketing.
package sqlitepool
