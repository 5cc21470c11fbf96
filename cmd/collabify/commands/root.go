// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the collabify command tree.
package commands

import (
	"io"

	"github.com/bureau-foundation/collabify/cmd/collabify/cli"
)

// Root returns the collabify command tree. Command results are written
// to out; logs and help go to stderr.
func Root(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "collabify",
		Summary: "Collaborative markdown sessions over peer-to-peer connections",
		Description: `collabify hosts and joins collaborative markdown sessions. Participants
connect directly to each other; a signaling relay only introduces them.
Each session is mirrored into a local markdown file while it is open.`,
		Subcommands: []*cli.Command{
			newCommand(out),
			joinCommand(out),
			openCommand(out),
			linkCommand(out),
			sessionsCommand(out),
			exportCommand(out),
			endCommand(out),
			syncCommand(out),
		},
	}
}
