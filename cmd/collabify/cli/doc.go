// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework of the collabify binary: a
// tree of [Command] values with pflag flag sets, help output, typo
// suggestions for commands and flags, struct-tag flag binding via
// [FlagsFromParams], and [NewCommandLogger] for terminal-aware
// structured logging.
//
// A command that has already reported its own outcome returns an
// [ExitError]; main exits with its code without printing anything
// more.
package cli
