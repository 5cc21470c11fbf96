// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"

	"github.com/spf13/pflag"
)

// maxSuggestDistance is the largest edit distance still suggested.
const maxSuggestDistance = 3

// suggestCommand returns the subcommand closest to unknown, or "".
func suggestCommand(unknown string, commands []*Command) string {
	best, bestDistance := "", maxSuggestDistance+1
	for _, command := range commands {
		if distance := levenshtein(unknown, command.Name); distance < bestDistance {
			best, bestDistance = command.Name, distance
		}
	}
	return best
}

// suggestFlag finds the first flag in args that flagSet does not
// define and returns the closest defined flag, with its dashes.
func suggestFlag(args []string, flagSet *pflag.FlagSet) string {
	for _, arg := range args {
		if arg == "--" {
			return ""
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		name, _, _ = strings.Cut(name, "=")
		if flagSet.Lookup(name) != nil || (len(name) == 1 && flagSet.ShorthandLookup(name) != nil) {
			continue
		}

		best, bestDistance := "", maxSuggestDistance+1
		flagSet.VisitAll(func(flag *pflag.Flag) {
			if distance := levenshtein(name, flag.Name); distance < bestDistance {
				best, bestDistance = flag.Name, distance
			}
		})
		if best == "" {
			return ""
		}
		return "--" + best
	}
	return ""
}

// levenshtein is the edit distance between a and b, using one row of
// the distance matrix.
func levenshtein(a, b string) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	if len(a) == 0 {
		return len(b)
	}
	previous := make([]int, len(a)+1)
	for i := range previous {
		previous[i] = i
	}
	current := make([]int, len(a)+1)
	for j := 1; j <= len(b); j++ {
		current[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			current[i] = min(previous[i]+1, current[i-1]+1, previous[i-1]+cost)
		}
		previous, current = current, previous
	}
	return previous[len(a)]
}
