// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/collabify/awareness"
	"github.com/bureau-foundation/collabify/document"
	"github.com/bureau-foundation/collabify/lib/testutil"
)

type replica struct {
	doc       *document.Document
	awareness *awareness.Awareness
}

func newReplica(t *testing.T) replica {
	t.Helper()
	doc, err := document.New()
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	return replica{doc: doc, awareness: awareness.New(awareness.Config{})}
}

// runEndpoint starts an endpoint and arranges for it to stop with the
// test.
func runEndpoint(t *testing.T, network *MemoryNetwork, r replica, id, secret string) *MemoryEndpoint {
	t.Helper()
	endpoint, err := network.Endpoint(EndpointConfig{
		Room:      "collabify-room",
		Secret:    secret,
		LocalID:   id,
		Document:  r.doc,
		Awareness: r.awareness,
	})
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		endpoint.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		endpoint.Close()
		<-done
	})
	return endpoint
}

func TestMemoryNetwork_Converges(t *testing.T) {
	network := NewMemoryNetwork()
	alice, bob := newReplica(t), newReplica(t)
	if err := alice.doc.Insert(0, "# Notes\n"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	runEndpoint(t, network, alice, "alice", "secret")
	runEndpoint(t, network, bob, "bob", "secret")

	testutil.Eventually(t, 5*time.Second, func() bool { return bob.doc.Text() == "# Notes\n" },
		"bob never received the initial text")

	if err := bob.doc.Insert(bob.doc.Len(), "more"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return alice.doc.Text() == "# Notes\nmore" },
		"alice never received bob's edit")
}

func TestMemoryNetwork_Events(t *testing.T) {
	network := NewMemoryNetwork()
	alice, bob := newReplica(t), newReplica(t)

	endpoint := runEndpoint(t, network, alice, "alice", "secret")
	first := testutil.RequireReceive(t, endpoint.Events(), 5*time.Second)
	if first.Kind != EventSignaling || !first.Connected {
		t.Fatalf("first event = %+v, want signaling connected", first)
	}

	runEndpoint(t, network, bob, "bob", "secret")
	var sawPeers, sawSynced bool
	deadline := time.After(5 * time.Second)
	for !sawPeers || !sawSynced {
		select {
		case event := <-endpoint.Events():
			switch event.Kind {
			case EventPeers:
				if len(event.Peers) == 1 && event.Peers[0] == "bob" {
					sawPeers = true
				}
			case EventSynced:
				sawSynced = true
			}
		case <-deadline:
			t.Fatalf("peers=%v synced=%v after 5s", sawPeers, sawSynced)
		}
	}
	if peers := endpoint.Peers(); len(peers) != 1 || peers[0] != "bob" {
		t.Fatalf("Peers() = %v, want [bob]", peers)
	}
}

func TestMemoryNetwork_WrongSecretNeverPeers(t *testing.T) {
	network := NewMemoryNetwork()
	alice, mallory := newReplica(t), newReplica(t)
	if err := alice.doc.Insert(0, "private"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	aliceEndpoint := runEndpoint(t, network, alice, "alice", "secret")
	runEndpoint(t, network, mallory, "mallory", "guess")

	// Authentication fails within one handshake; give it time to.
	time.Sleep(200 * time.Millisecond)
	if text := mallory.doc.Text(); text != "" {
		t.Fatalf("mallory's document = %q, want empty", text)
	}
	if peers := aliceEndpoint.Peers(); len(peers) != 0 {
		t.Fatalf("alice peers = %v, want none", peers)
	}
}

func TestMemoryNetwork_Awareness(t *testing.T) {
	network := NewMemoryNetwork()
	alice, bob := newReplica(t), newReplica(t)
	if err := alice.awareness.SetLocalUser(awareness.User{Name: "Alice", Color: "#30bced", ColorLight: "#30bced33", IsHost: true}); err != nil {
		t.Fatalf("SetLocalUser: %v", err)
	}

	runEndpoint(t, network, alice, "alice", "secret")
	bobEndpoint := runEndpoint(t, network, bob, "bob", "secret")

	testutil.Eventually(t, 5*time.Second, func() bool {
		state, ok := bob.awareness.States()[alice.awareness.ClientID()]
		return ok && state.User.Name == "Alice"
	}, "bob never saw alice")

	if err := alice.awareness.SetLocalName("Alicia"); err != nil {
		t.Fatalf("SetLocalName: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		return bob.awareness.States()[alice.awareness.ClientID()].User.Name == "Alicia"
	}, "bob never saw the rename")

	// Closing bob's side drops alice from bob's view.
	bobEndpoint.Close()
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, ok := bob.awareness.States()[alice.awareness.ClientID()]
		return !ok
	}, "alice still present after disconnect")
}

func TestMemoryNetwork_OfflineBlocksNewLinks(t *testing.T) {
	network := NewMemoryNetwork()
	alice, bob := newReplica(t), newReplica(t)
	alice.doc.Insert(0, "x")

	network.SetOnline(false)
	runEndpoint(t, network, alice, "alice", "secret")
	runEndpoint(t, network, bob, "bob", "secret")
	time.Sleep(100 * time.Millisecond)
	if bob.doc.Text() != "" {
		t.Fatal("replicas linked while the network was offline")
	}

	network.SetOnline(true)
	testutil.Eventually(t, 5*time.Second, func() bool { return bob.doc.Text() == "x" })
}
