// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"errors"
	"fmt"
)

// State is the controller's view of the session.
type State int

const (
	// Connecting: no signaling relay has been reached yet.
	Connecting State = iota
	// SyncingLocal: waiting for the local cache to load and for the
	// first reconciliation with a peer.
	SyncingLocal
	// LoadingInitialContent: the host is replacing the document with
	// the external source's content. Happens once per session.
	LoadingInitialContent
	// Active: the document may be edited.
	Active
	// HostOffline: a collaborator's host has left. Reverts to Active
	// when the host returns.
	HostOffline
	// Ended is terminal.
	Ended
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case SyncingLocal:
		return "syncing"
	case LoadingInitialContent:
		return "loading-initial-content"
	case Active:
		return "active"
	case HostOffline:
		return "host-offline"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNotHost is returned by host-only operations on a
	// collaborator's controller.
	ErrNotHost = errors.New("only the host can do this")

	// ErrNoSource is returned by SyncToSource for sessions without an
	// external content source.
	ErrNoSource = errors.New("session has no external content source")

	// ErrNotActive is returned by Edit outside the Active state.
	ErrNotActive = errors.New("session is not ready for editing")

	// ErrSessionEnded is returned by Edit and SyncToSource once the
	// session has ended.
	ErrSessionEnded = errors.New("session has ended")

	// ErrSyncTimeout means the local cache did not confirm a write in
	// time.
	ErrSyncTimeout = errors.New("timed out waiting for the local cache")
)

// inputs is everything the state depends on.
type inputs struct {
	isHost    bool
	hasSource bool

	ended         bool
	loadedInitial bool
	initialFailed bool

	signalingConnected bool
	syncedLocally      bool
	syncedRemotely     bool
	peers              int
	hostOnline         bool

	// shown is set once the replica has been Active, after which relay
	// outages and peer churn no longer hide the editor.
	shown bool
}

// derive computes the state. Earlier checks win: an ended session is
// Ended whatever else holds.
func derive(in inputs) State {
	switch {
	case in.ended:
		return Ended
	case !in.shown && !in.signalingConnected:
		return Connecting
	case !in.shown && !in.ready():
		return SyncingLocal
	case in.isHost && in.hasSource && !in.loadedInitial && !in.initialFailed:
		return LoadingInitialContent
	case !in.isHost && in.shown && !in.hostOnline:
		return HostOffline
	}
	return Active
}

// ready reports whether every provider has synced. A host alone in
// the room has nothing to reconcile; a collaborator must have reached
// at least one peer so that it never edits an empty buffer that the
// real document is about to replace.
func (in inputs) ready() bool {
	if !in.syncedLocally {
		return false
	}
	if in.isHost {
		return in.syncedRemotely || in.peers == 0
	}
	return in.syncedRemotely && in.peers > 0
}
