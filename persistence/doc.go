// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package persistence is the local durable cache of a session's
// document. It works entirely offline.
//
// Each room (see session.RoomID) has an append-only log of incremental
// automerge changes, compressed with lz4, and at most one snapshot of
// the whole document, compressed with zstd. Opening a room loads the
// snapshot and then the log into the document and fires the synced
// signal. From then on every document update, local or remote, is
// appended to the log. Once the log grows past the compaction
// threshold, a fresh snapshot replaces it.
//
// Loading is idempotent: automerge ignores changes it already holds,
// so a log row that overlaps the snapshot is harmless.
package persistence
