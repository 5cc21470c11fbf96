// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/collabify/lib/clock"
	"github.com/bureau-foundation/collabify/lib/codec"
	"github.com/bureau-foundation/collabify/lib/sqlitepool"
)

// Schema creates the session record table. Pass it to sqlitepool.Open.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	key         TEXT PRIMARY KEY,
	record      BLOB NOT NULL,
	last_opened INTEGER NOT NULL
);`

// record is the stored form of a Session.
type record struct {
	ID           string       `cbor:"id"`
	Secret       string       `cbor:"secret"`
	IsHost       bool         `cbor:"is_host"`
	API          *APISettings `cbor:"api,omitempty"`
	CreatedAt    time.Time    `cbor:"created_at"`
	LastOpenedAt time.Time    `cbor:"last_opened_at"`
}

// Store persists session records in the local database, keyed by
// session.v1.<id>.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// NewStore returns a Store over pool. The pool must have been opened
// with Schema.
func NewStore(pool *sqlitepool.Pool, clk clock.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: pool, clock: clk, logger: logger}
}

// Create starts a new hosted session and records it.
func (s *Store) Create(ctx context.Context, source Source) (*Session, error) {
	created, err := New(source, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.Save(ctx, created); err != nil {
		return nil, err
	}
	_, external := created.External()
	s.logger.Info("session created", "session", created.ID, "external_source", external)
	return created, nil
}

// Join resolves a join link. An existing record for the same id is
// reused if its secret matches, and rejected with ErrSecretMismatch if
// it does not. Otherwise a non-host record is created.
func (s *Store) Join(ctx context.Context, link string) (*Session, error) {
	id, secret, err := DecodeJoinFragment(link)
	if err != nil {
		return nil, err
	}

	existing, err := s.Load(ctx, id)
	switch {
	case err == nil:
		if existing.Secret != secret {
			return nil, fmt.Errorf("joining %s: %w", id, ErrSecretMismatch)
		}
		return existing, s.Touch(ctx, existing)
	case !errors.Is(err, ErrMissingSessionRecord):
		return nil, err
	}

	now := s.clock.Now().UTC()
	joined := &Session{
		ID:           id,
		Secret:       secret,
		IsHost:       false,
		Source:       LocalOnly{},
		CreatedAt:    now,
		LastOpenedAt: now,
	}
	if err := s.Save(ctx, joined); err != nil {
		return nil, err
	}
	s.logger.Info("session joined", "session", id)
	return joined, nil
}

// Resolve opens a session link, which must name a recorded session.
func (s *Store) Resolve(ctx context.Context, link string) (*Session, error) {
	id, err := DecodeSessionFragment(link)
	if err != nil {
		return nil, err
	}
	resolved, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return resolved, s.Touch(ctx, resolved)
}

// Load returns the record for id or ErrMissingSessionRecord.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	var (
		found  bool
		stored record
	)
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT record FROM sessions WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{StorageKey(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				data := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				return codec.Unmarshal(data, &stored)
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("session %s: %w", id, ErrMissingSessionRecord)
	}
	return stored.session(), nil
}

// Save writes sess, replacing any existing record.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	data, err := codec.Marshal(newRecord(sess))
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	err = s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO sessions (key, record, last_opened) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET record = excluded.record, last_opened = excluded.last_opened`,
			&sqlitex.ExecOptions{
				Args: []any{StorageKey(sess.ID), data, sess.LastOpenedAt.UnixMilli()},
			})
	})
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

// Touch sets LastOpenedAt to now and saves.
func (s *Store) Touch(ctx context.Context, sess *Session) error {
	sess.LastOpenedAt = s.clock.Now().UTC()
	return s.Save(ctx, sess)
}

// List returns every recorded session, most recently opened first.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT record FROM sessions ORDER BY last_opened DESC, key", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				var stored record
				if err := codec.Unmarshal(data, &stored); err != nil {
					return err
				}
				sessions = append(sessions, stored.session())
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// Delete forgets the record for id. Forgetting an unknown id is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM sessions WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{StorageKey(id)},
		})
	})
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func newRecord(s *Session) record {
	stored := record{
		ID:           s.ID,
		Secret:       s.Secret,
		IsHost:       s.IsHost,
		CreatedAt:    s.CreatedAt,
		LastOpenedAt: s.LastOpenedAt,
	}
	if settings, ok := s.External(); ok {
		stored.API = &settings
	}
	return stored
}

func (r record) session() *Session {
	s := &Session{
		ID:           r.ID,
		Secret:       r.Secret,
		IsHost:       r.IsHost,
		Source:       LocalOnly{},
		CreatedAt:    r.CreatedAt,
		LastOpenedAt: r.LastOpenedAt,
	}
	if r.API != nil {
		s.Source = ExternalSource{Settings: *r.API}
	}
	return s
}
