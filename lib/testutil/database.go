// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"path/filepath"
	"testing"
)

// TempDatabase returns the path of a not-yet-created SQLite database
// inside a directory removed when the test ends.
func TempDatabase(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "collabify.db")
}
