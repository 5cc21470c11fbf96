// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// collabify hosts and joins collaborative markdown sessions from the
// command line.
package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/collabify/cmd/collabify/commands"
)

func main() {
	if err := run(); err != nil {
		// Commands that already reported their outcome return an
		// ExitError; don't print a redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.Root(os.Stdout).Execute(os.Args[1:])
}
