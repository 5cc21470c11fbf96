// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/collabify/cmd/collabify/cli"
	"github.com/bureau-foundation/collabify/collab"
	"github.com/bureau-foundation/collabify/editor"
	"github.com/bureau-foundation/collabify/session"
)

// openParams are shared by the commands that open a session in the
// foreground.
type openParams struct {
	File string `flag:"file" desc:"markdown file mirroring the session (default ./<id>.md)"`
	Name string `flag:"name" desc:"display name shown to other participants (default user.name from config)"`
}

func openCommand(out io.Writer) *cli.Command {
	var params struct {
		GlobalParams
		openParams
	}
	return &cli.Command{
		Name:    "open",
		Summary: "Open a recorded session",
		Description: `Reconnect to a session hosted or joined earlier and mirror it into a
markdown file until interrupted or until the host ends the session.`,
		Usage: "collabify open <session-link|id> [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("open", &params) },
		Examples: []cli.Example{
			{Description: "Reopen a session by id", Command: "collabify open AbCdE12345 --file notes.md"},
		},
		Run: func(args []string) error {
			link, err := oneArg(args, "session link")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			env, err := openEnvironment(ctx, params.GlobalParams, "open")
			if err != nil {
				return err
			}
			defer env.Close()
			sess, err := env.resolve(ctx, link)
			if err != nil {
				return err
			}
			return env.runSession(ctx, out, sess, params.openParams)
		},
	}
}

// runSession keeps sess open in the foreground, mirrored into a file,
// until ctx is done or the session ends.
func (e *environment) runSession(ctx context.Context, out io.Writer, sess *session.Session, params openParams) error {
	path := params.File
	if path == "" {
		path = sess.ID + ".md"
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	r, err := e.startReplica(ctx, sess, params.Name)
	if err != nil {
		return err
	}
	defer r.close()

	binding, err := editor.NewFileBinding(r.controller, editor.FileConfig{
		Path:   path,
		Clock:  e.clock,
		Logger: e.logger.With("session", sess.ID),
	})
	if err != nil {
		return err
	}
	bindingCtx, cancelBinding := context.WithCancel(ctx)
	defer cancelBinding()
	bindingDone := make(chan error, 1)
	go func() { bindingDone <- binding.Run(bindingCtx) }()

	fmt.Fprintf(out, "session %s (%s) mirrored to %s\n", sess.ID, role(sess), path)
	if sess.IsHost {
		fmt.Fprintf(out, "share: %s\n", session.JoinURL(e.config.Links.Origin, sess))
	}

	var reported collab.State = -1
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "closing session")
			cancelBinding()
			return <-bindingDone
		case err := <-bindingDone:
			if err != nil {
				return fmt.Errorf("file binding stopped: %w", err)
			}
			return nil
		case snapshot := <-r.controller.Changes():
			if snapshot.State == reported {
				continue
			}
			reported = snapshot.State
			fmt.Fprintf(out, "%s\n", describe(snapshot))
			if snapshot.State == collab.Ended {
				cancelBinding()
				return <-bindingDone
			}
		}
	}
}

// describe is the one-line status shown when the state changes.
func describe(snapshot collab.Snapshot) string {
	switch snapshot.State {
	case collab.Connecting:
		return "connecting to the signaling relay"
	case collab.SyncingLocal:
		return "syncing with other participants"
	case collab.LoadingInitialContent:
		return "loading the initial markdown"
	case collab.Active:
		return fmt.Sprintf("ready (%d peers)", len(snapshot.Peers))
	case collab.HostOffline:
		return "the host has gone offline; waiting for them to return"
	case collab.Ended:
		return "the session has ended"
	}
	return snapshot.State.String()
}

func role(sess *session.Session) string {
	if sess.IsHost {
		return "host"
	}
	return "collaborator"
}
