// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/bureau-foundation/collabify/awareness"
	"github.com/bureau-foundation/collabify/document"
)

// EventKind distinguishes provider events.
type EventKind int

const (
	// EventSignaling reports relay reachability in Connected.
	EventSignaling EventKind = iota
	// EventPeers reports the authenticated peer set in Peers.
	EventPeers
	// EventSynced fires once, when the document has first been
	// reconciled with a peer.
	EventSynced
)

func (k EventKind) String() string {
	switch k {
	case EventSignaling:
		return "signaling"
	case EventPeers:
		return "peers"
	case EventSynced:
		return "synced"
	}
	return "unknown"
}

// Event is a provider state change.
type Event struct {
	Kind      EventKind
	Connected bool
	Peers     []string
}

// Provider connects a document and its awareness to the other
// replicas of a room. Mesh is the WebRTC implementation;
// MemoryEndpoint runs the same peer protocol in process.
type Provider interface {
	// Run discovers and serves peers until ctx is done or Close is
	// called.
	Run(ctx context.Context) error

	// Events delivers state changes in order.
	Events() <-chan Event

	// Peers returns the ids of authenticated peers.
	Peers() []string

	// Close disconnects every peer. It is idempotent.
	Close() error
}

// roomCore is the peer bookkeeping shared by every Provider.
type roomCore struct {
	localID   string
	keys      *RoomKeys
	document  *document.Document
	awareness *awareness.Awareness
	logger    *slog.Logger

	events    chan Event
	queueMu   sync.Mutex
	queue     []Event
	queued    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	peers  map[string]*peer
	synced bool
}

func newRoomCore(localID string, keys *RoomKeys, doc *document.Document, presence *awareness.Awareness, logger *slog.Logger) *roomCore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &roomCore{
		localID:   localID,
		keys:      keys,
		document:  doc,
		awareness: presence,
		logger:    logger.With("peer_id", localID),
		events:    make(chan Event),
		queued:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
		peers:     make(map[string]*peer),
	}
	go r.pump()
	return r
}

func (r *roomCore) Events() <-chan Event { return r.events }

func (r *roomCore) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerIDsLocked()
}

func (r *roomCore) peerIDsLocked() []string {
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// emit queues event without blocking the caller. Events are
// delivered in order for as long as the provider is open.
func (r *roomCore) emit(event Event) {
	r.queueMu.Lock()
	r.queue = append(r.queue, event)
	r.queueMu.Unlock()
	select {
	case r.queued <- struct{}{}:
	default:
	}
}

func (r *roomCore) pump() {
	for {
		r.queueMu.Lock()
		if len(r.queue) == 0 {
			r.queueMu.Unlock()
			select {
			case <-r.queued:
				continue
			case <-r.closed:
				return
			}
		}
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.queueMu.Unlock()
		select {
		case r.events <- next:
		case <-r.closed:
			return
		}
	}
}

func (r *roomCore) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// attach authenticates conn as peerID and serves it in the
// background. detached runs once the peer is gone, whether or not it
// authenticated.
func (r *roomCore) attach(conn net.Conn, peerID string, detached func()) {
	r.mu.Lock()
	if r.isClosed() {
		r.mu.Unlock()
		conn.Close()
		if detached != nil {
			detached()
		}
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		if detached != nil {
			defer detached()
		}
		p, err := startPeer(conn, peerConfig{
			localID:       r.localID,
			peerID:        peerID,
			authenticator: r.keys,
			document:      r.document,
			awareness:     r.awareness,
			logger:        r.logger,
			onSynced:      r.peerSynced,
		})
		if err != nil {
			r.logger.Warn("peer authentication failed", "peer", peerID, "error", err)
			return
		}

		r.mu.Lock()
		if r.isClosed() {
			r.mu.Unlock()
			p.close()
			return
		}
		if previous := r.peers[peerID]; previous != nil {
			previous.close()
		}
		r.peers[peerID] = p
		ids := r.peerIDsLocked()
		r.mu.Unlock()
		r.logger.Info("peer connected", "peer", peerID)
		r.emit(Event{Kind: EventPeers, Peers: ids})

		err = p.run()

		r.mu.Lock()
		if r.peers[peerID] == p {
			delete(r.peers, peerID)
		}
		ids = r.peerIDsLocked()
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn("peer connection lost", "peer", peerID, "error", err)
		} else {
			r.logger.Info("peer disconnected", "peer", peerID)
		}
		r.emit(Event{Kind: EventPeers, Peers: ids})
	}()
}

func (r *roomCore) peerSynced(string) {
	r.mu.Lock()
	first := !r.synced
	r.synced = true
	r.mu.Unlock()
	if first {
		r.emit(Event{Kind: EventSynced})
	}
}

// shutdown closes every peer and waits for their goroutines.
func (r *roomCore) shutdown() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.closed)
		for _, p := range r.peers {
			p.close()
		}
		r.mu.Unlock()
	})
	r.wg.Wait()
}
