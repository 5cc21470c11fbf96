// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds collabify's CBOR configuration.
//
// The split between formats follows the audience. JSON is used where a
// third party reads the bytes: the external content-source API, the
// signaling relay protocol, CLI output. CBOR is used between collabify
// processes and on disk: peer frames on WebRTC data channels,
// awareness updates, sealed signaling envelopes, and the session
// records in the local database.
//
// Encoding is Core Deterministic (RFC 8949 §4.2), so the same value
// always yields the same bytes. That matters for signaling envelopes,
// whose ciphertext is authenticated over the encoded form.
//
// Types that only ever travel as CBOR carry `cbor` struct tags. Types
// that are also rendered as JSON carry only `json` tags; fxamacker/cbor
// falls back to them.
package codec
