// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewCommandLogger returns a logger writing to stderr: human-readable
// text when stderr is a terminal, JSON when it is piped or redirected.
// verbose lowers the level from Info to Debug.
//
// Callers scope it per command:
//
//	logger := cli.NewCommandLogger(verbose).With("command", "open", "session", id)
func NewCommandLogger(verbose bool) *slog.Logger {
	return newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), verbose)
}

func newLogger(w io.Writer, terminal, verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	if terminal {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
