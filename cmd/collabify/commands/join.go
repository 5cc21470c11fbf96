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
)

func joinCommand(out io.Writer) *cli.Command {
	var params struct {
		GlobalParams
		openParams
		Detach bool `flag:"detach" desc:"only record the session"`
	}
	return &cli.Command{
		Name:    "join",
		Summary: "Join a session from its join link",
		Description: `Record the session named by a join link and open it as a collaborator.
Joining again with the same link reopens the existing record; a link with a
different secret for a recorded session is refused.`,
		Usage: "collabify join <join-link> [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("join", &params) },
		Run: func(args []string) error {
			link, err := oneArg(args, "join link")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			env, err := openEnvironment(ctx, params.GlobalParams, "join")
			if err != nil {
				return err
			}
			defer env.Close()

			joined, err := env.store.Join(ctx, link)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "joined session %s as %s\n", joined.ID, role(joined))
			if params.Detach {
				return nil
			}
			return env.runSession(ctx, out, joined, params.openParams)
		},
	}
}
