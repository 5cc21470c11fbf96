// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps collabify key material out of the Go heap.
//
// A session secret is the only thing standing between a room and
// anyone who can reach the signaling relay, so the keys derived from
// it (the signaling key and the peer-auth key) live in [Buffer]s:
// anonymous mmap regions locked against swap where the kernel allows
// it, excluded from core dumps, and zeroed on Close.
//
// [Derive] runs HKDF-SHA256 and writes its output straight into a
// Buffer so derived keys never exist as heap slices.
package secret
