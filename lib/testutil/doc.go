// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the helpers shared by collabify tests.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so individual tests never call
// time.After. [Eventually] polls a condition for cross-goroutine
// assertions such as two replicas converging over a transport.
// [TempDatabase] returns a fresh SQLite path under t.TempDir().
//
// These are the only places tests touch the wall clock; everything
// else runs on clock.FakeClock.
package testutil
