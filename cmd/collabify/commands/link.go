// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/collabify/cmd/collabify/cli"
	"github.com/bureau-foundation/collabify/session"
)

func linkCommand(out io.Writer) *cli.Command {
	var params struct {
		GlobalParams
		JoinOnly bool `flag:"join-only" desc:"print only the join link"`
	}
	return &cli.Command{
		Name:    "link",
		Summary: "Print the links of a recorded session",
		Description: `Print the join link, which carries the session secret and admits anyone
who has it, and the secret-free link that reopens the session locally.`,
		Usage: "collabify link <session-link|id> [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("link", &params) },
		Run: func(args []string) error {
			link, err := oneArg(args, "session link")
			if err != nil {
				return err
			}
			ctx := context.Background()
			env, err := openEnvironment(ctx, params.GlobalParams, "link")
			if err != nil {
				return err
			}
			defer env.Close()

			id, err := session.DecodeSessionFragment(link)
			if err != nil {
				return err
			}
			sess, err := env.store.Load(ctx, id)
			if err != nil {
				return err
			}
			if params.JoinOnly {
				fmt.Fprintln(out, session.JoinURL(env.config.Links.Origin, sess))
				return nil
			}
			printLinks(out, env.config.Links.Origin, sess)
			return nil
		},
	}
}
