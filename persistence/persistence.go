// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/collabify/document"
	"github.com/bureau-foundation/collabify/lib/sqlitepool"
)

// Schema creates the cache tables. Pass it to sqlitepool.Open.
const Schema = `
CREATE TABLE IF NOT EXISTS document_updates (
	room  TEXT NOT NULL,
	seq   INTEGER NOT NULL,
	codec INTEGER NOT NULL,
	size  INTEGER NOT NULL,
	data  BLOB NOT NULL,
	PRIMARY KEY (room, seq)
);
CREATE TABLE IF NOT EXISTS document_snapshots (
	room  TEXT PRIMARY KEY,
	codec INTEGER NOT NULL,
	size  INTEGER NOT NULL,
	data  BLOB NOT NULL
);`

// DefaultCompactThreshold is the log length that triggers a snapshot.
const DefaultCompactThreshold = 500

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("persistence handle closed")

// Config describes the room to open.
type Config struct {
	Pool     *sqlitepool.Pool
	Room     string
	Document *document.Document

	// CompactThreshold defaults to DefaultCompactThreshold.
	CompactThreshold int

	Logger *slog.Logger
}

// Handle is an open room cache bound to a document.
type Handle struct {
	pool      *sqlitepool.Pool
	room      string
	doc       *document.Document
	threshold int
	logger    *slog.Logger

	unsubscribe func()

	mu       sync.Mutex
	pending  [][]byte
	observed uint64
	durable  uint64
	writeErr error
	loadErr  error
	progress chan struct{}
	closed   bool

	// Writer goroutine state.
	nextSeq  int64
	logRows  int
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	synced     chan struct{}
	syncedMu   sync.Mutex
	syncedFns  map[uint64]func()
	syncedNext uint64
	syncedDone bool
}

// Open binds the room cache to cfg.Document and starts loading it in
// the background. Synced is closed once loading finishes.
func Open(ctx context.Context, cfg Config) (*Handle, error) {
	if cfg.Pool == nil || cfg.Document == nil {
		return nil, fmt.Errorf("persistence: Pool and Document are required")
	}
	if cfg.Room == "" {
		return nil, fmt.Errorf("persistence: Room is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	threshold := cfg.CompactThreshold
	if threshold <= 0 {
		threshold = DefaultCompactThreshold
	}

	h := &Handle{
		pool:      cfg.Pool,
		room:      cfg.Room,
		doc:       cfg.Document,
		threshold: threshold,
		logger:    logger.With("room", cfg.Room),
		progress:  make(chan struct{}),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		synced:    make(chan struct{}),
		syncedFns: make(map[uint64]func()),
	}
	// Subscribe before loading so nothing that arrives meanwhile is
	// missed. Stored-origin updates are the load itself.
	h.unsubscribe = cfg.Document.Subscribe(h.observe)

	go h.run(context.WithoutCancel(ctx))
	return h, nil
}

// Synced is closed once the cached copy has been loaded.
func (h *Handle) Synced() <-chan struct{} { return h.synced }

// OnSynced calls fn once loading has finished, immediately if it
// already has. The returned function unregisters a pending call.
func (h *Handle) OnSynced(fn func()) (cancel func()) {
	h.syncedMu.Lock()
	if h.syncedDone {
		h.syncedMu.Unlock()
		fn()
		return func() {}
	}
	h.syncedNext++
	id := h.syncedNext
	h.syncedFns[id] = fn
	h.syncedMu.Unlock()
	return func() {
		h.syncedMu.Lock()
		delete(h.syncedFns, id)
		h.syncedMu.Unlock()
	}
}

// LoadErr reports a failure while loading the cached copy. The handle
// still fires Synced and keeps writing after a load failure.
func (h *Handle) LoadErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadErr
}

// Flush waits until every update observed before the call is durable.
func (h *Handle) Flush(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	target := h.observed
	h.mu.Unlock()
	h.poke()

	for {
		h.mu.Lock()
		if h.durable >= target {
			h.mu.Unlock()
			return nil
		}
		if h.writeErr != nil {
			err := h.writeErr
			h.mu.Unlock()
			return fmt.Errorf("flushing %s: %w", h.room, err)
		}
		progress := h.progress
		h.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Compact replaces the update log with a snapshot of the document.
func (h *Handle) Compact(ctx context.Context) error {
	select {
	case <-h.synced:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := h.Flush(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	lastSeq := h.nextSeq - 1
	h.mu.Unlock()
	return h.compact(ctx, lastSeq)
}

// Close detaches from the document, writes anything still pending,
// and stops the writer. Close is idempotent.
func (h *Handle) Close() error {
	h.stopOnce.Do(func() {
		h.unsubscribe()
		close(h.stop)
	})
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return h.writeErr
}

// Clear deletes the cached copy of room.
func Clear(ctx context.Context, pool *sqlitepool.Pool, room string) error {
	err := pool.Transact(ctx, func(conn *sqlite.Conn) error {
		for _, query := range []string{
			"DELETE FROM document_updates WHERE room = ?",
			"DELETE FROM document_snapshots WHERE room = ?",
		} {
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{room}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing cache for %s: %w", room, err)
	}
	return nil
}

func (h *Handle) observe(update document.Update) {
	if update.Origin == document.Stored || len(update.Incremental) == 0 {
		return
	}
	h.mu.Lock()
	h.pending = append(h.pending, update.Incremental)
	h.observed++
	h.mu.Unlock()
	h.poke()
}

func (h *Handle) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// broadcastLocked wakes Flush waiters. Caller holds h.mu.
func (h *Handle) broadcastLocked() {
	close(h.progress)
	h.progress = make(chan struct{})
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	if err := h.load(ctx); err != nil {
		h.logger.Warn("loading cached document failed", "error", err)
		h.mu.Lock()
		h.loadErr = err
		h.mu.Unlock()
	}
	h.fireSynced()

	for {
		select {
		case <-h.wake:
			h.writePending(ctx)
		case <-h.stop:
			h.writePending(ctx)
			return
		}
	}
}

func (h *Handle) fireSynced() {
	h.syncedMu.Lock()
	h.syncedDone = true
	close(h.synced)
	fns := h.syncedFns
	h.syncedFns = nil
	h.syncedMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type blob struct {
	codec Codec
	size  int
	data  []byte
}

func readBlob(stmt *sqlite.Stmt, first int) blob {
	data := make([]byte, stmt.ColumnLen(first+2))
	stmt.ColumnBytes(first+2, data)
	return blob{
		codec: Codec(stmt.ColumnInt64(first)),
		size:  int(stmt.ColumnInt64(first + 1)),
		data:  data,
	}
}

func (h *Handle) load(ctx context.Context) error {
	var (
		snapshot *blob
		updates  []blob
		maxSeq   int64
	)
	err := h.pool.With(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "SELECT codec, size, data FROM document_snapshots WHERE room = ?", &sqlitex.ExecOptions{
			Args: []any{h.room},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored := readBlob(stmt, 0)
				snapshot = &stored
				return nil
			},
		})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, "SELECT seq, codec, size, data FROM document_updates WHERE room = ? ORDER BY seq", &sqlitex.ExecOptions{
			Args: []any{h.room},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				maxSeq = stmt.ColumnInt64(0)
				updates = append(updates, readBlob(stmt, 1))
				return nil
			},
		})
	})
	h.mu.Lock()
	h.nextSeq = maxSeq + 1
	h.logRows = len(updates)
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reading cache: %w", err)
	}

	if snapshot != nil {
		updates = append([]blob{*snapshot}, updates...)
	}
	for _, stored := range updates {
		data, err := decompress(stored.data, stored.codec, stored.size)
		if err != nil {
			return err
		}
		if err := h.doc.Apply(document.Stored, data); err != nil {
			return err
		}
	}
	h.logger.Info("cached document loaded",
		"snapshot", snapshot != nil,
		"log_rows", h.logRows,
	)
	return nil
}

func (h *Handle) writePending(ctx context.Context) {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	firstSeq := h.nextSeq
	h.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	err := h.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		for index, data := range batch {
			compressed, codec, err := compress(data, CodecLZ4)
			if err != nil {
				return err
			}
			err = sqlitex.Execute(conn,
				"INSERT INTO document_updates (room, seq, codec, size, data) VALUES (?, ?, ?, ?, ?)",
				&sqlitex.ExecOptions{
					Args: []any{h.room, firstSeq + int64(index), int64(codec), len(data), compressed},
				})
			if err != nil {
				return err
			}
		}
		return nil
	})

	h.mu.Lock()
	if err != nil {
		// Requeue ahead of anything that arrived meanwhile; the next
		// update or Flush retries.
		h.pending = append(batch, h.pending...)
		h.writeErr = err
		h.broadcastLocked()
		h.mu.Unlock()
		h.logger.Warn("writing document updates failed", "count", len(batch), "error", err)
		return
	}
	h.nextSeq = firstSeq + int64(len(batch))
	h.durable += uint64(len(batch))
	h.logRows += len(batch)
	h.writeErr = nil
	h.broadcastLocked()
	needsCompaction := h.logRows >= h.threshold
	lastSeq := h.nextSeq - 1
	h.mu.Unlock()
	h.logger.Debug("document updates written", "count", len(batch))

	if needsCompaction {
		if err := h.compact(ctx, lastSeq); err != nil {
			h.logger.Warn("compacting cache failed", "error", err)
		}
	}
}

// compact stores a snapshot and drops log rows up to lastSeq, all of
// which the snapshot contains.
func (h *Handle) compact(ctx context.Context, lastSeq int64) error {
	raw := h.doc.Save()
	compressed, codec, err := compress(raw, CodecZstd)
	if err != nil {
		return err
	}
	var dropped int
	err = h.pool.Transact(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO document_snapshots (room, codec, size, data) VALUES (?, ?, ?, ?)
			 ON CONFLICT(room) DO UPDATE SET codec = excluded.codec, size = excluded.size, data = excluded.data`,
			&sqlitex.ExecOptions{Args: []any{h.room, int64(codec), len(raw), compressed}})
		if err != nil {
			return err
		}
		err = sqlitex.Execute(conn, "DELETE FROM document_updates WHERE room = ? AND seq <= ?",
			&sqlitex.ExecOptions{Args: []any{h.room, lastSeq}})
		dropped = conn.Changes()
		return err
	})
	if err != nil {
		return fmt.Errorf("compacting %s: %w", h.room, err)
	}
	h.mu.Lock()
	h.logRows -= dropped
	if h.logRows < 0 {
		h.logRows = 0
	}
	h.mu.Unlock()
	h.logger.Info("cache compacted", "snapshot_bytes", len(compressed), "codec", codec, "dropped_rows", dropped)
	return nil
}
