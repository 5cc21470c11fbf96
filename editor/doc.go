// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package editor connects text editors to a session's document.
//
// A Binding translates editor changes, expressed as rune-offset
// splices, into document mutations and renders text changes that the
// editor did not make. Edits go through a Target, normally a
// *collab.Controller, so they are refused unless the session is
// editable.
//
// FileBinding mirrors a document into a markdown file on disk. Saves
// to the file become document changes after a short debounce; changes
// from other participants rewrite the file.
package editor
