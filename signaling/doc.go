// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling implements the relay that lets peers of a room
// find each other. It is a topic pub/sub over websocket: clients
// subscribe to topics and publish opaque payloads, which the relay
// fans out to every other subscriber of the topic.
//
// The relay holds no document state and cannot read what it carries.
// Topics are hashes of room ids, and payloads are sealed with keys
// derived from the session secret (see the transport package).
//
// Wire format: one JSON [Message] per websocket text frame. Clients
// may send "ping" and receive "pong"; the relay also pings at the
// websocket level. A connection that has sent nothing and answered no
// ping for the idle timeout is closed.
package signaling
