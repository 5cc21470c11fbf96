// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small I/O helpers shared by the content-source
// client, the signaling relay, and the peer transport.
//
// Response reads are bounded: a content source returning an unbounded
// body must not exhaust memory. Close-error classification keeps
// routine disconnects out of the warning log.
package netutil

import (
	"errors"
	"fmt"
	"io"
)

// MaxDocumentSize bounds a markdown body read from a content source:
// 64 MiB, far beyond any document a person edits by hand.
const MaxDocumentSize int64 = 64 << 20

// ErrBodyTooLarge is returned when a body exceeds its bound.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// ReadBody reads at most limit bytes from body. A body longer than
// limit is an error rather than a silent truncation, since a truncated
// document would be written into the shared session.
func ReadBody(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return data, nil
}

// ErrorBody returns up to 4 KiB of an error response for diagnostics.
// Read errors are ignored.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	return string(data)
}
