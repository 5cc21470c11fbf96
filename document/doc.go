// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package document is the replicated document behind a session: one
// collaborative text named "content" and a status map, stored in an
// automerge document.
//
// Every replica starts from the same genesis change, built with a
// fixed actor and timestamp, so the text and status objects share
// identity across replicas. If replicas created those objects
// independently, concurrent creation would leave two competing
// objects under one key and one replica's edits would vanish in the
// merge.
//
// The status map holds monotonic flags. ended marks the session
// terminated. loadedInitialMarkdown records that the host has already
// seeded the text from the external content source. Both move only
// from false to true: [Document.SetFlag] refuses false, and a merge
// that regresses a flag already seen true is overridden by a fresh
// local write.
//
// All access is serialized by an internal mutex. Observers registered
// with [Document.Subscribe] receive an [Update] per committed change
// or applied remote batch, in commit order, after the mutex is
// released. An observer may call back into the Document; the resulting
// updates are queued behind the one being delivered.
package document
