// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package awareness

import "math/rand/v2"

// Palette is the set of user colours. Each has a light variant with
// "33" (20% alpha) appended, used for selection highlights.
var Palette = []string{
	"#30bced",
	"#6eeb83",
	"#ffbc42",
	"#ecd444",
	"#ee6352",
	"#9ac2c9",
	"#8acb88",
	"#1be7ff",
}

// PickColor chooses a palette colour and its light variant. A nil rng
// uses the process-wide source.
func PickColor(rng *rand.Rand) (color, light string) {
	var index int
	if rng == nil {
		index = rand.IntN(len(Palette))
	} else {
		index = rng.IntN(len(Palette))
	}
	color = Palette[index]
	return color, color + "33"
}

// FindHostID returns the client whose state claims host, preferring
// the lowest id if several do.
func FindHostID(states map[ClientID]State) (ClientID, bool) {
	var (
		host  ClientID
		found bool
	)
	for id, state := range states {
		if state.User.IsHost && (!found || id < host) {
			host, found = id, true
		}
	}
	return host, found
}

// IsHostOnline reports whether the host is present: always for the
// host itself, otherwise when some live state claims host.
func IsHostOnline(isHost bool, states map[ClientID]State) bool {
	if isHost {
		return true
	}
	_, found := FindHostID(states)
	return found
}
