// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Derive expands master into a size-byte key with HKDF-SHA256. salt
// scopes the key to a context (collabify uses the room id) and info
// separates keys that share a master (one per purpose). The output is
// read directly into protected memory.
func Derive(master, salt []byte, info string, size int) (*Buffer, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("secret: empty master key")
	}
	buffer, err := New(size)
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(sha256.New, master, salt, []byte(info))
	if _, err := io.ReadFull(reader, buffer.region); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("secret: deriving %q: %w", info, err)
	}
	return buffer, nil
}
