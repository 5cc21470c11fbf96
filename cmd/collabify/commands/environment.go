// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/collabify/cmd/collabify/cli"
	"github.com/bureau-foundation/collabify/lib/clock"
	"github.com/bureau-foundation/collabify/lib/config"
	"github.com/bureau-foundation/collabify/lib/sqlitepool"
	"github.com/bureau-foundation/collabify/persistence"
	"github.com/bureau-foundation/collabify/session"
)

// GlobalParams are accepted by every command that touches local state.
type GlobalParams struct {
	ConfigPath string
	Verbose    bool
}

// AddFlags registers --config and --verbose.
func (g *GlobalParams) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.ConfigPath, "config", "", "config file (default $"+config.EnvironmentVariable+")")
	flagSet.BoolVarP(&g.Verbose, "verbose", "v", false, "log debug detail")
}

// environment is the local state shared by every command.
type environment struct {
	config *config.Config
	logger *slog.Logger
	clock  clock.Clock
	pool   *sqlitepool.Pool
	store  *session.Store
}

func openEnvironment(ctx context.Context, global GlobalParams, command string) (*environment, error) {
	var (
		cfg *config.Config
		err error
	)
	if global.ConfigPath != "" {
		cfg, err = config.LoadFile(global.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logger := cli.NewCommandLogger(global.Verbose).With("command", command)
	if err := os.MkdirAll(cfg.Paths.Data, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:   cfg.Paths.Database(),
		Schema: []string{session.Schema, persistence.Schema},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}

	clk := clock.Real()
	return &environment{
		config: cfg,
		logger: logger,
		clock:  clk,
		pool:   pool,
		store:  session.NewStore(pool, clk, logger),
	}, nil
}

func (e *environment) Close() error {
	return e.pool.Close()
}

// resolve finds a recorded session from a session link or bare id.
func (e *environment) resolve(ctx context.Context, link string) (*session.Session, error) {
	resolved, err := e.store.Resolve(ctx, link)
	if errors.Is(err, session.ErrMissingSessionRecord) {
		return nil, fmt.Errorf("%w: join it with 'collabify join <join-link>' first", err)
	}
	return resolved, err
}

// oneArg checks that args holds exactly one argument, named name in
// the error.
func oneArg(args []string, name string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected exactly one %s argument, got %d", name, len(args))
	}
	return args[0], nil
}
