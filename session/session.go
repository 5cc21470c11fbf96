// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

const (
	// IDLength is the length of a session id.
	IDLength = 10

	// SecretLength is the length of a session secret.
	SecretLength = 32

	// RoomPrefix prefixes the id to form the room id.
	RoomPrefix = "collabify-"

	// StoragePrefix prefixes the id to form the local record key.
	StoragePrefix = "session.v1."

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	// ErrSecretMismatch means a join link carries a different secret
	// than the local record for the same id: a stale, corrupted, or
	// forged link.
	ErrSecretMismatch = errors.New("the secret does not match the existing session's secret")

	// ErrMissingSessionRecord means a session link was opened on a
	// machine that never joined the session.
	ErrMissingSessionRecord = errors.New("no local record for this session; ask the host for the join link")

	// ErrInvalidLink means a fragment is malformed.
	ErrInvalidLink = errors.New("invalid session link")
)

// Source is where a session's initial content comes from. It is one of
// LocalOnly or ExternalSource.
type Source interface {
	isSource()
}

// LocalOnly sessions start empty and never talk to a content source.
type LocalOnly struct{}

// ExternalSource sessions load their initial content from, and save
// back to, an external content-source API.
type ExternalSource struct {
	Settings APISettings
}

func (LocalOnly) isSource()      {}
func (ExternalSource) isSource() {}

// Session is one participant's view of a collaborative session.
type Session struct {
	ID           string
	Secret       string
	IsHost       bool
	Source       Source
	CreatedAt    time.Time
	LastOpenedAt time.Time
}

// RoomID returns the room identifier shared by transport and cache.
func (s *Session) RoomID() string {
	return RoomID(s.ID)
}

// External returns the content-source settings if the session has any.
func (s *Session) External() (APISettings, bool) {
	if external, ok := s.Source.(ExternalSource); ok {
		return external.Settings, true
	}
	return APISettings{}, false
}

// RoomID returns the room identifier for a session id.
func RoomID(id string) string {
	return RoomPrefix + id
}

// StorageKey returns the local record key for a session id.
func StorageKey(id string) string {
	return StoragePrefix + id
}

// Generate returns length characters drawn uniformly by index from
// [A-Za-z0-9] using crypto/rand. Each random byte maps to
// alphabet[b % 62], matching existing links; the slight bias toward
// the first eight characters is accepted for compatibility.
//
// An error means the system CSPRNG is unavailable. Callers treat it as
// fatal.
func Generate(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading secure random bytes: %w", err)
	}
	out := make([]byte, length)
	for index, value := range raw {
		out[index] = alphabet[int(value)%len(alphabet)]
	}
	return string(out), nil
}

// New builds a fresh host session with a generated id and secret.
func New(source Source, now time.Time) (*Session, error) {
	if source == nil {
		source = LocalOnly{}
	}
	id, err := Generate(IDLength)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	secret, err := Generate(SecretLength)
	if err != nil {
		return nil, fmt.Errorf("generating session secret: %w", err)
	}
	return &Session{
		ID:           id,
		Secret:       secret,
		IsHost:       true,
		Source:       source,
		CreatedAt:    now.UTC(),
		LastOpenedAt: now.UTC(),
	}, nil
}

func validID(id string) bool {
	return len(id) == IDLength && alphanumeric(id)
}

func validSecret(secret string) bool {
	return len(secret) == SecretLength && alphanumeric(secret)
}

func alphanumeric(s string) bool {
	for index := 0; index < len(s); index++ {
		c := s[index]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}
