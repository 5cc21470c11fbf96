// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Config describes the database to open.
type Config struct {
	// Path is the database file. Its directory must exist.
	Path string

	// PoolSize defaults to 4. SQLite serializes writers, so extra
	// connections only help concurrent readers.
	PoolSize int

	// Schema is a list of idempotent scripts (CREATE ... IF NOT
	// EXISTS) run in one transaction when the pool opens.
	Schema []string

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Pool is a fixed set of SQLite connections. Safe for concurrent use;
// individual connections are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Open creates the pool and applies cfg.Schema.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 4
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}
	pool := &Pool{inner: inner, logger: logger, path: cfg.Path}

	if len(cfg.Schema) > 0 {
		err := pool.Transact(ctx, func(conn *sqlite.Conn) error {
			for _, script := range cfg.Schema {
				if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			inner.Close()
			return nil, fmt.Errorf("sqlitepool: applying schema: %w", err)
		}
	}

	logger.Info("local database opened", "path", cfg.Path, "pool_size", size)
	return pool, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	return nil
}

// Take borrows a connection. Return it with Put.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a borrowed connection. Put(nil) is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	if conn != nil {
		p.inner.Put(conn)
	}
}

// With runs fn on a borrowed connection.
func (p *Pool) With(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Transact runs fn inside an immediate transaction, committing if fn
// returns nil and rolling back otherwise.
func (p *Pool) Transact(ctx context.Context, fn func(*sqlite.Conn) error) (err error) {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin: %w", err)
	}
	defer end(&err)
	return fn(conn)
}

// Close waits for borrowed connections to return and closes them all.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("closing local database", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("local database closed", "path", p.path)
	return nil
}
