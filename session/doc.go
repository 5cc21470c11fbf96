// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns session identity: generating the id and secret,
// encoding and decoding the links people share, and the local records
// that let a participant reopen a session without the secret in hand.
//
// A session is identified by a 10-character id and protected by a
// 32-character secret, both alphanumeric and drawn from crypto/rand.
// Two link forms exist:
//
//   - join link, fragment "secret=<secret>.<id>": carries the secret,
//     shared with collaborators.
//   - session link, fragment "id=<id>": what a participant's own
//     address bar shows; useless without a local record.
//
// Both live in the URL fragment, which browsers never send to a
// server. Resolving a session link with no local record fails with
// [ErrMissingSessionRecord]; the secret cannot be recovered from the
// id.
//
// The room id collabify-<id> namespaces both the transport room and
// the document cache.
package session
