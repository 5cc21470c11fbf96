// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package awareness tracks ephemeral per-peer presence: display name,
// colour, and whether the peer is the session host. Nothing here is
// persisted.
//
// Each replica has a random numeric client id and a logical clock for
// its own entry. Updates carry (client, clock, state) triples; a
// receiver keeps the entry with the highest clock, and a nil state
// means the client left. The local entry is re-broadcast every
// heartbeat interval. A remote entry not renewed within the timeout is
// removed, as is every entry learned from a peer whose connection
// closes.
package awareness
