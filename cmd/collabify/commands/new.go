// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/collabify/cmd/collabify/cli"
	"github.com/bureau-foundation/collabify/session"
)

func newCommand(out io.Writer) *cli.Command {
	var params struct {
		GlobalParams
		openParams
		Source string `flag:"source" desc:"content source link, e.g. https://app/new#baseUrl=...&fileId=...&token=...&version=v1"`
		Detach bool   `flag:"detach" desc:"only create the session and print its links"`
	}
	return &cli.Command{
		Name:    "new",
		Summary: "Host a new session",
		Description: `Create a session hosted by this machine, print its join link, and open it.
With --source the initial markdown is loaded from an external content source,
which is kept informed when the session starts and stops.`,
		Usage: "collabify new [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("new", &params) },
		Examples: []cli.Example{
			{Description: "Start an empty session", Command: "collabify new --file plan.md"},
			{Description: "Create a session without opening it", Command: "collabify new --detach"},
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			var source session.Source = session.LocalOnly{}
			if params.Source != "" {
				parsed, err := session.ParseSourceFragment(params.Source)
				if err != nil {
					return err
				}
				source = parsed
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			env, err := openEnvironment(ctx, params.GlobalParams, "new")
			if err != nil {
				return err
			}
			defer env.Close()

			created, err := env.store.Create(ctx, source)
			if err != nil {
				return err
			}
			printLinks(out, env.config.Links.Origin, created)
			if params.Detach {
				return nil
			}
			return env.runSession(ctx, out, created, params.openParams)
		},
	}
}

func printLinks(out io.Writer, origin string, sess *session.Session) {
	fmt.Fprintf(out, "id:   %s\n", sess.ID)
	fmt.Fprintf(out, "join: %s\n", session.JoinURL(origin, sess))
	fmt.Fprintf(out, "open: %s\n", session.SessionURL(origin, sess))
}
