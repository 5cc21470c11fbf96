// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/bureau-foundation/collabify/awareness"
	"github.com/bureau-foundation/collabify/document"
)

// MemoryNetwork links endpoints in one process with net.Pipe, running
// the same authentication and peer protocol as a Mesh without any
// WebRTC. Endpoints in the same room connect pairwise once both are
// running.
type MemoryNetwork struct {
	mu        sync.Mutex
	online    bool
	endpoints map[*MemoryEndpoint]struct{}
	links     map[[2]string]struct{}
}

// NewMemoryNetwork returns an online network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		online:    true,
		endpoints: make(map[*MemoryEndpoint]struct{}),
		links:     make(map[[2]string]struct{}),
	}
}

// EndpointConfig configures a MemoryEndpoint.
type EndpointConfig struct {
	Room      string
	Secret    string
	LocalID   string
	Document  *document.Document
	Awareness *awareness.Awareness
	Logger    *slog.Logger
}

// Endpoint creates a provider on the network. It connects to nothing
// until Run.
func (n *MemoryNetwork) Endpoint(cfg EndpointConfig) (*MemoryEndpoint, error) {
	if cfg.Document == nil || cfg.Awareness == nil {
		return nil, fmt.Errorf("memory endpoint: document and awareness are required")
	}
	if cfg.LocalID == "" {
		cfg.LocalID = ulid.Make().String()
	}
	keys, err := DeriveRoomKeys(cfg.Room, cfg.Secret)
	if err != nil {
		return nil, err
	}
	e := &MemoryEndpoint{
		roomCore: newRoomCore(cfg.LocalID, keys, cfg.Document, cfg.Awareness, cfg.Logger),
		network:  n,
		room:     cfg.Room,
	}
	n.mu.Lock()
	n.endpoints[e] = struct{}{}
	n.mu.Unlock()
	return e, nil
}

// SetOnline simulates the signaling relay going away and coming back.
// Existing links survive an outage; new ones form only while online.
func (n *MemoryNetwork) SetOnline(online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.online = online
	for e := range n.endpoints {
		if e.running {
			e.emit(Event{Kind: EventSignaling, Connected: online})
		}
	}
	if online {
		for e := range n.endpoints {
			n.linkLocked(e)
		}
	}
}

// linkLocked connects e to every running endpoint of its room that it
// is not already linked to.
func (n *MemoryNetwork) linkLocked(e *MemoryEndpoint) {
	if !n.online || !e.running {
		return
	}
	for other := range n.endpoints {
		if other == e || !other.running || other.room != e.room {
			continue
		}
		key := linkKey(e.localID, other.localID)
		if _, linked := n.links[key]; linked {
			continue
		}
		n.links[key] = struct{}{}
		var once sync.Once
		unlink := func() {
			once.Do(func() {
				n.mu.Lock()
				delete(n.links, key)
				n.mu.Unlock()
			})
		}
		local, remote := net.Pipe()
		e.attach(local, other.localID, unlink)
		other.attach(remote, e.localID, unlink)
	}
}

func linkKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Compile-time interface check.
var _ Provider = (*MemoryEndpoint)(nil)

// MemoryEndpoint is one replica's provider on a MemoryNetwork.
type MemoryEndpoint struct {
	*roomCore
	network *MemoryNetwork
	room    string
	running bool
}

// LocalID returns the endpoint's peer id.
func (e *MemoryEndpoint) LocalID() string { return e.localID }

// Run links the endpoint to its room and blocks until ctx is done or
// Close is called.
func (e *MemoryEndpoint) Run(ctx context.Context) error {
	n := e.network
	n.mu.Lock()
	if e.isClosed() {
		n.mu.Unlock()
		return nil
	}
	e.running = true
	e.emit(Event{Kind: EventSignaling, Connected: n.online})
	n.linkLocked(e)
	n.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-e.closed:
	}

	n.mu.Lock()
	e.running = false
	n.mu.Unlock()
	return nil
}

// Close leaves the network and disconnects every peer.
func (e *MemoryEndpoint) Close() error {
	n := e.network
	n.mu.Lock()
	delete(n.endpoints, e)
	e.running = false
	n.mu.Unlock()
	e.shutdown()
	return e.keys.Close()
}
