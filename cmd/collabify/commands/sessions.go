// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/collabify/cmd/collabify/cli"
	"github.com/bureau-foundation/collabify/persistence"
	"github.com/bureau-foundation/collabify/session"
)

func sessionsCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "sessions",
		Summary: "List or forget recorded sessions",
		Subcommands: []*cli.Command{
			sessionsListCommand(out),
			sessionsForgetCommand(out),
		},
	}
}

func sessionsListCommand(out io.Writer) *cli.Command {
	var params struct {
		GlobalParams
	}
	return &cli.Command{
		Name:    "list",
		Summary: "List recorded sessions, most recently opened first",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("list", &params) },
		Run: func(args []string) error {
			ctx := context.Background()
			env, err := openEnvironment(ctx, params.GlobalParams, "sessions/list")
			if err != nil {
				return err
			}
			defer env.Close()

			sessions, err := env.store.List(ctx)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			tw := tabwriter.NewWriter(out, 2, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tROLE\tSOURCE\tCREATED\tLAST OPENED")
			for _, sess := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					sess.ID, role(sess), sourceName(sess),
					sess.CreatedAt.Local().Format(time.DateTime),
					sess.LastOpenedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func sessionsForgetCommand(out io.Writer) *cli.Command {
	var params struct {
		GlobalParams
	}
	return &cli.Command{
		Name:    "forget",
		Summary: "Delete a session record and its cached document",
		Description: `Delete the local record and cached document of a session. Other
participants keep their copies; forgetting a hosted session does not end it.`,
		Usage: "collabify sessions forget <session-link|id>",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("forget", &params) },
		Run: func(args []string) error {
			link, err := oneArg(args, "session link")
			if err != nil {
				return err
			}
			ctx := context.Background()
			env, err := openEnvironment(ctx, params.GlobalParams, "sessions/forget")
			if err != nil {
				return err
			}
			defer env.Close()

			id, err := session.DecodeSessionFragment(link)
			if err != nil {
				return err
			}
			if err := persistence.Clear(ctx, env.pool, session.RoomID(id)); err != nil {
				return err
			}
			if err := env.store.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(out, "forgot session %s\n", id)
			return nil
		},
	}
}

func sourceName(sess *session.Session) string {
	if settings, ok := sess.External(); ok {
		return settings.BaseURL
	}
	return "local"
}
