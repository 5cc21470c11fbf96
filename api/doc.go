// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the client for an external content source: the
// service a hosted session loads its initial markdown from and saves
// it back to.
//
// The protocol is four bearer-authenticated calls under
// {baseUrl}/{version}: GET and PUT /file/{fileId} carry raw markdown,
// POST /session announces a started session with its join and session
// URLs, and POST /stop announces that it ended. Lifecycle calls are
// notifications; callers treat every failure here as non-fatal to the
// collaborative session.
package api
