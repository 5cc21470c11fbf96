// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed-size region of protected memory. The zero value is
// not usable; construct with New, NewFromBytes, or Derive. Accessing a
// closed Buffer panics.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	locked bool
	closed bool
}

// New maps size bytes of zeroed protected memory.
//
// mlock failure is tolerated: unprivileged processes commonly have a
// small RLIMIT_MEMLOCK, and an unlocked region is still outside the
// heap and excluded from core dumps. Locked reports the outcome.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: size must be positive, got %d", size)
	}
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}
	buffer := &Buffer{region: region}
	buffer.locked = unix.Mlock(region) == nil
	return buffer, nil
}

// NewFromBytes copies source into protected memory and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	clear(source)
	return buffer, nil
}

// Bytes returns the protected region itself. Do not retain it past
// Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: use of closed buffer")
	}
	return b.region
}

// Len returns the buffer size.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.region)
}

// Locked reports whether the region is pinned in RAM.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Equal compares contents in constant time.
func (b *Buffer) Equal(other []byte) bool {
	return subtle.ConstantTimeCompare(b.Bytes(), other) == 1
}

// Close zeroes and unmaps the region. Safe to call more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	clear(b.region)
	if b.locked {
		unix.Munlock(b.region)
	}
	err := unix.Munmap(b.region)
	b.region = nil
	if err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	return nil
}
