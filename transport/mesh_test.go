// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/collabify/lib/codec"
	"github.com/bureau-foundation/collabify/lib/testutil"
)

func startMesh(t *testing.T, hub *MemoryHub, r replica, id, secret string) *Mesh {
	t.Helper()
	mesh, err := NewMesh(MeshConfig{
		Room:      "collabify-room",
		Secret:    secret,
		LocalID:   id,
		Signaler:  hub.Signaler(),
		Document:  r.doc,
		Awareness: r.awareness,
	})
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mesh.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		mesh.Close()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return mesh
}

func TestMesh_WebRTCConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("establishes real WebRTC connections over loopback")
	}
	hub := NewMemoryHub()
	alice, bob := newReplica(t), newReplica(t)
	if err := alice.doc.Insert(0, "hello"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	aliceMesh := startMesh(t, hub, alice, "01-alice", "secret")
	startMesh(t, hub, bob, "02-bob", "secret")

	testutil.Eventually(t, 30*time.Second, func() bool { return bob.doc.Text() == "hello" },
		"bob never received alice's text over WebRTC")

	if err := bob.doc.Insert(5, " world"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	testutil.Eventually(t, 10*time.Second, func() bool { return alice.doc.Text() == "hello world" })
	testutil.Eventually(t, 5*time.Second, func() bool {
		peers := aliceMesh.Peers()
		return len(peers) == 1 && peers[0] == "02-bob"
	})
}

func TestMesh_DropsForeignSignals(t *testing.T) {
	hub := NewMemoryHub()
	alice := newReplica(t)
	mesh, err := NewMesh(MeshConfig{
		Room: "collabify-room", Secret: "secret", LocalID: "alice",
		Signaler: hub.Signaler(), Document: alice.doc, Awareness: alice.awareness,
	})
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	defer mesh.Close()

	// Sealed under another secret: never opened, never answered.
	other := mustRoomKeys(t, "collabify-room", "guess")
	plaintext, _ := codec.Marshal(signal{Kind: signalAnnounce, From: "mallory"})
	sealed, _ := other.Seal(plaintext)
	mesh.handle(context.Background(), sealed)

	// Our own announcement echoed back is ignored.
	own, _ := codec.Marshal(signal{Kind: signalAnnounce, From: "alice"})
	ownSealed, _ := mesh.keys.Seal(own)
	mesh.handle(context.Background(), ownSealed)

	// Directed at somebody else.
	directed, _ := codec.Marshal(signal{Kind: signalAnnounce, From: "zed", To: "bob"})
	directedSealed, _ := mesh.keys.Seal(directed)
	mesh.handle(context.Background(), directedSealed)

	mesh.mu.Lock()
	pending := len(mesh.conns)
	mesh.mu.Unlock()
	if pending != 0 {
		t.Fatalf("mesh opened %d connections for foreign signals", pending)
	}
}

func TestMesh_SpawnRacingClose(t *testing.T) {
	hub := NewMemoryHub()
	alice := newReplica(t)
	mesh, err := NewMesh(MeshConfig{
		Room: "collabify-room", Secret: "secret", LocalID: "alice",
		Signaler: hub.Signaler(), Document: alice.doc, Awareness: alice.awareness,
	})
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}

	var started atomic.Int32
	spawning := make(chan struct{})
	go func() {
		defer close(spawning)
		for range 1000 {
			mesh.spawn(func() { started.Add(1) })
		}
	}()
	if err := mesh.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-spawning

	before := started.Load()
	mesh.spawn(func() { started.Add(1) })
	if err := mesh.Run(context.Background()); err != nil {
		t.Fatalf("Run after Close: %v", err)
	}
	if got := started.Load(); got != before {
		t.Fatalf("spawn after Close ran its function: started = %d, want %d", got, before)
	}
}

// The replica with the larger id never offers; it answers a room-wide
// announce with one addressed to the smaller id.
func TestMesh_LargerIDRepliesWithDirectedAnnounce(t *testing.T) {
	hub := NewMemoryHub()
	alice := newReplica(t)
	mesh, err := NewMesh(MeshConfig{
		Room: "collabify-room", Secret: "secret", LocalID: "zz",
		Signaler: hub.Signaler(), Document: alice.doc, Awareness: alice.awareness,
	})
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	defer mesh.Close()

	observer := hub.Signaler()
	defer observer.Close()
	observer.Join(context.Background(), Topic("collabify-room"))

	announce, _ := codec.Marshal(signal{Kind: signalAnnounce, From: "aa"})
	sealed, _ := mesh.keys.Seal(announce)
	mesh.handle(context.Background(), sealed)

	received := testutil.RequireReceive(t, observer.Messages(), time.Second)
	plaintext, err := mesh.keys.Open(received.Payload)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var reply signal
	if err := codec.Unmarshal(plaintext, &reply); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if reply.Kind != signalAnnounce || reply.From != "zz" || reply.To != "aa" {
		t.Fatalf("reply = %+v, want announce from zz to aa", reply)
	}

	mesh.mu.Lock()
	pending := len(mesh.conns)
	mesh.mu.Unlock()
	if pending != 0 {
		t.Fatalf("larger id opened %d connections", pending)
	}
}
