// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
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

func endCommand(out io.Writer) *cli.Command {
	var params struct {
		GlobalParams
		Wait   time.Duration `flag:"wait" default:"30s" desc:"how long to wait for the session to become active"`
		Linger time.Duration `flag:"linger" default:"3s" desc:"how long to stay connected after ending so peers receive it"`
	}
	return &cli.Command{
		Name:    "end",
		Summary: "End a hosted session for every participant",
		Description: `Connect to a session this machine hosts, save its content to the external
source if it has one, and mark it ended. Connected collaborators see the
session end; others see it when they next reconnect to a peer that has it.

Exits with status 2 when the end could not be confirmed locally.`,
		Usage: "collabify end <session-link|id> [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("end", &params) },
		Run: func(args []string) error {
			link, err := oneArg(args, "session link")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			env, err := openEnvironment(ctx, params.GlobalParams, "end")
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

			r, err := env.startReplica(ctx, sess, "")
			if err != nil {
				return err
			}
			defer r.close()

			state, err := r.waitFor(ctx, params.Wait, collab.Active, collab.Ended)
			if err != nil {
				return err
			}
			if state == collab.Ended {
				fmt.Fprintf(out, "session %s had already ended\n", sess.ID)
				return nil
			}

			err = r.controller.EndSession(ctx)
			if errors.Is(err, collab.ErrSyncTimeout) {
				fmt.Fprintf(out, "session %s ended, but the end could not be saved: %v\n", sess.ID, err)
				return &cli.ExitError{Code: 2}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s ended\n", sess.ID)

			select {
			case <-env.clock.After(params.Linger):
			case <-ctx.Done():
			}
			return nil
		},
	}
}
