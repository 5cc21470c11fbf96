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
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/collabify/cmd/collabify/cli"
	"github.com/bureau-foundation/collabify/collab"
)

func syncCommand(out io.Writer) *cli.Command {
	var params struct {
		GlobalParams
		Wait time.Duration `flag:"wait" default:"30s" desc:"how long to wait for the session to become active"`
	}
	return &cli.Command{
		Name:    "sync",
		Summary: "Save a hosted session's content to its external source",
		Usage:   "collabify sync <session-link|id> [flags]",
		Flags:   func() *pflag.FlagSet { return cli.FlagsFromParams("sync", &params) },
		Run: func(args []string) error {
			link, err := oneArg(args, "session link")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			env, err := openEnvironment(ctx, params.GlobalParams, "sync")
			if err != nil {
				return err
			}
			defer env.Close()
			sess, err := env.resolve(ctx, link)
			if err != nil {
				return err
			}
			if !sess.IsHost {
				return fmt.Errorf("session %s: %w", sess.ID, collab.ErrNotHost)
			}
			if _, ok := sess.External(); !ok {
				return fmt.Errorf("session %s: %w", sess.ID, collab.ErrNoSource)
			}

			r, err := env.startReplica(ctx, sess, "")
			if err != nil {
				return err
			}
			defer r.close()
			if _, err := r.waitFor(ctx, params.Wait, collab.Active); err != nil {
				return err
			}
			if err := r.controller.SyncToSource(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "saved session %s to %s\n", sess.ID, sourceName(sess))
			return nil
		},
	}
}
