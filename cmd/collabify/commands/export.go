// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/collabify/cmd/collabify/cli"
	"github.com/bureau-foundation/collabify/document"
	"github.com/bureau-foundation/collabify/export"
	"github.com/bureau-foundation/collabify/lib/secret"
	"github.com/bureau-foundation/collabify/persistence"
	"github.com/bureau-foundation/collabify/session"
)

const cacheLoadTimeout = 10 * time.Second

func exportCommand(out io.Writer) *cli.Command {
	var params struct {
		GlobalParams
		Format     string   `flag:"format" default:"md" desc:"export format: md, html or age"`
		Output     string   `flag:"output" desc:"output file, - for stdout (default derived from the document title)"`
		Recipients []string `flag:"recipient" desc:"age recipient (age1...) for --format age; repeatable; default seals with the session secret"`
		WorkFactor int      `flag:"work-factor" desc:"scrypt work factor for passphrase sealing (default 18)"`
	}
	return &cli.Command{
		Name:    "export",
		Summary: "Export the locally cached copy of a session",
		Description: `Write the document as cached on this machine. Nothing is fetched from
other participants. The age format seals the markdown with the session
secret as passphrase unless recipients are given.`,
		Usage: "collabify export <session-link|id> [flags]",
		Flags: func() *pflag.FlagSet { return cli.FlagsFromParams("export", &params) },
		Examples: []cli.Example{
			{Description: "Export rendered HTML to stdout", Command: "collabify export AbCdE12345 --format html --output -"},
		},
		Run: func(args []string) error {
			link, err := oneArg(args, "session link")
			if err != nil {
				return err
			}
			format, err := export.ParseFormat(params.Format)
			if err != nil {
				return err
			}
			ctx := context.Background()
			env, err := openEnvironment(ctx, params.GlobalParams, "export")
			if err != nil {
				return err
			}
			defer env.Close()
			sess, err := env.resolve(ctx, link)
			if err != nil {
				return err
			}

			markdown, err := env.cachedText(ctx, sess)
			if err != nil {
				return err
			}

			options := export.Options{Recipients: params.Recipients, WorkFactor: params.WorkFactor}
			if format == export.FormatSealed && len(params.Recipients) == 0 {
				passphrase, err := secret.NewFromBytes([]byte(sess.Secret))
				if err != nil {
					return err
				}
				defer passphrase.Close()
				options.Passphrase = passphrase
			}
			data, err := export.Render(format, markdown, options)
			if err != nil {
				return err
			}

			switch params.Output {
			case "-":
				_, err := out.Write(data)
				return err
			case "":
				params.Output = export.Filename(markdown, format)
			}
			if err := os.WriteFile(params.Output, data, 0o644); err != nil {
				return fmt.Errorf("writing export: %w", err)
			}
			fmt.Fprintf(out, "wrote %s\n", params.Output)
			return nil
		},
	}
}

// cachedText loads the document of sess from the local cache alone.
func (e *environment) cachedText(ctx context.Context, sess *session.Session) (string, error) {
	doc, err := document.New()
	if err != nil {
		return "", err
	}
	handle, err := persistence.Open(ctx, persistence.Config{
		Pool:     e.pool,
		Room:     sess.RoomID(),
		Document: doc,
		Logger:   e.logger.With("session", sess.ID),
	})
	if err != nil {
		return "", fmt.Errorf("opening local cache: %w", err)
	}
	defer handle.Close()

	select {
	case <-handle.Synced():
	case <-time.After(cacheLoadTimeout):
		return "", fmt.Errorf("local cache of %s did not load within %s", sess.ID, cacheLoadTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := handle.LoadErr(); err != nil {
		return "", fmt.Errorf("loading local cache: %w", err)
	}
	return doc.Text(), nil
}
