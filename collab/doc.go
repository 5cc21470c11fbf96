// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package collab is the session controller: it drives one replica of a
// collaborative session from first connection to the end of the
// session.
//
// A [Controller] owns the replica's transport and local cache and
// derives a [State] from what they report:
//
//	Connecting            no signaling relay reached yet
//	SyncingLocal          waiting for the local cache and a first peer sync
//	LoadingInitialContent host loading the external source, once per session
//	Active                editing allowed
//	HostOffline           collaborator whose host has left
//	Ended                 the host ended the session (terminal)
//
// Every transition is a reaction to an event: a transport event, the
// cache finishing its load, an awareness or document change, or a
// local call. Nothing polls.
//
// The host ends a session with [Controller.EndSession]: the content is
// saved to the external source if there is one, the replicated ended
// flag is set, and the controller waits for the local cache to make the
// flag durable. Collaborators observe the flag through the document and
// move to Ended without further action.
package collab
