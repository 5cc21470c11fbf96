// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport connects the replicas of a collaboration room.
//
// A [Provider] keeps one document and its awareness in step with every
// other replica of the room. [Mesh] is the production implementation:
// a full mesh of pion/webrtc PeerConnections, one ordered data channel
// per pair of peers. [MemoryNetwork] links endpoints in one process
// over net.Pipe and runs the same peer protocol for tests.
//
// Peers find each other through a [Signaler], a topic pub/sub relay.
// [RelaySignaler] talks to a collabify-signal relay over websocket
// and reconnects with backoff; [MemoryHub] provides an in-process
// relay for tests. The relay topic is a hash of the room id and every
// payload is sealed with a key derived from the session secret
// ([RoomKeys]), so the relay operator sees neither the room nor the
// session descriptions.
//
// Signaling uses vanilla ICE: all candidates are gathered before the
// SDP is published. Of any two peers, the one with the
// lexicographically smaller id sends the offer, so simultaneous
// discovery never yields two PeerConnections for one pair.
//
// Once a data channel opens, both ends run a mutual challenge-response
// handshake ([PeerAuthenticator]) keyed by the room secret. After it,
// the channel carries length-prefixed CBOR frames: document sync
// messages, awareness updates and awareness queries. Messages larger
// than [MaxFragment] are split across frames.
//
// [ICEConfig] holds STUN/TURN server configuration;
// [ICEConfigFromConfig] converts the configured servers into pion
// entries.
package transport
