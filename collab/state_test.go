// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import "testing"

func TestDerive(t *testing.T) {
	tests := []struct {
		name string
		in   inputs
		want State
	}{
		{
			name: "fresh",
			in:   inputs{isHost: true},
			want: Connecting,
		},
		{
			name: "ended wins over everything",
			in:   inputs{ended: true},
			want: Ended,
		},
		{
			name: "signaling up, cache loading",
			in:   inputs{isHost: true, signalingConnected: true},
			want: SyncingLocal,
		},
		{
			name: "host alone is ready",
			in:   inputs{isHost: true, signalingConnected: true, syncedLocally: true},
			want: Active,
		},
		{
			name: "host with peers waits for the first sync",
			in:   inputs{isHost: true, signalingConnected: true, syncedLocally: true, peers: 1},
			want: SyncingLocal,
		},
		{
			name: "collaborator alone keeps waiting",
			in:   inputs{signalingConnected: true, syncedLocally: true, hostOnline: true},
			want: SyncingLocal,
		},
		{
			name: "collaborator synced with a peer",
			in:   inputs{signalingConnected: true, syncedLocally: true, syncedRemotely: true, peers: 1, hostOnline: true},
			want: Active,
		},
		{
			name: "host loads initial content",
			in:   inputs{isHost: true, hasSource: true, signalingConnected: true, syncedLocally: true},
			want: LoadingInitialContent,
		},
		{
			name: "initial content already loaded",
			in:   inputs{isHost: true, hasSource: true, loadedInitial: true, signalingConnected: true, syncedLocally: true},
			want: Active,
		},
		{
			name: "failed initial load proceeds",
			in:   inputs{isHost: true, hasSource: true, initialFailed: true, signalingConnected: true, syncedLocally: true},
			want: Active,
		},
		{
			name: "collaborator never loads initial content",
			in:   inputs{hasSource: true, signalingConnected: true, syncedLocally: true, syncedRemotely: true, peers: 1, hostOnline: true},
			want: Active,
		},
		{
			name: "host left after the editor was shown",
			in:   inputs{shown: true, signalingConnected: true, syncedLocally: true, syncedRemotely: true},
			want: HostOffline,
		},
		{
			name: "signaling lost after the editor was shown",
			in:   inputs{isHost: true, shown: true, syncedLocally: true},
			want: Active,
		},
		{
			name: "collaborator whose peers all left stays editable while the host is present",
			in:   inputs{shown: true, signalingConnected: true, syncedLocally: true, syncedRemotely: true, hostOnline: true},
			want: Active,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := derive(test.in); got != test.want {
				t.Fatalf("derive(%+v) = %v, want %v", test.in, got, test.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if got := HostOffline.String(); got != "host-offline" {
		t.Fatalf("HostOffline.String() = %q, want %q", got, "host-offline")
	}
	if got := State(42).String(); got != "state(42)" {
		t.Fatalf("State(42).String() = %q, want %q", got, "state(42)")
	}
}
