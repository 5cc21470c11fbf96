// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/collabify/awareness"
	"github.com/bureau-foundation/collabify/document"
	"github.com/bureau-foundation/collabify/lib/clock"
	"github.com/bureau-foundation/collabify/lib/codec"
)

// Mesh defaults.
const (
	DefaultMaxPeers         = 20
	DefaultAnnounceInterval = 30 * time.Second
)

// channelLabel names the one data channel opened per PeerConnection.
const channelLabel = "collab"

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// connectTimeout bounds how long a PeerConnection may take to open its
// data channel before it is abandoned and retried on a later announce.
const connectTimeout = 30 * time.Second

// signalKind tags a sealed signaling payload.
type signalKind uint8

const (
	signalAnnounce signalKind = 1
	signalOffer    signalKind = 2
	signalAnswer   signalKind = 3
)

// signal is the plaintext of every payload the mesh publishes. To is
// empty for announcements addressed to the whole room.
type signal struct {
	Kind signalKind `cbor:"k"`
	From string     `cbor:"f"`
	To   string     `cbor:"t,omitempty"`
	SDP  string     `cbor:"s,omitempty"`
}

// MeshConfig configures a Mesh.
type MeshConfig struct {
	// Room and Secret identify the session. Peers that do not share
	// both never connect.
	Room   string
	Secret string

	// LocalID identifies this replica in signaling. Defaults to a new
	// ULID; ids only need to be unique and totally ordered.
	LocalID string

	Signaler  Signaler
	ICE       ICEConfig
	Document  *document.Document
	Awareness *awareness.Awareness

	// MaxPeers caps simultaneous PeerConnections. Announcements from
	// further peers are ignored.
	MaxPeers int

	// AnnounceInterval is how often the mesh re-announces itself so
	// that lost connections are rebuilt.
	AnnounceInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Compile-time interface check.
var _ Provider = (*Mesh)(nil)

// Mesh connects a document to every other replica in its room over
// WebRTC data channels, one PeerConnection per pair of peers.
//
// Discovery runs through the Signaler. Each replica announces itself
// on the room topic; of any two replicas, the one with the
// lexicographically smaller id sends the offer, so simultaneous
// discovery never produces two PeerConnections for one pair. Every
// payload is sealed with the room signaling key, and every data
// channel runs the room authentication handshake before any document
// traffic, so the relay learns neither content nor membership.
//
// Connection establishment uses vanilla ICE: all candidates are
// gathered before the SDP is published, so signaling requires exactly
// one offer and one answer.
type Mesh struct {
	core     *roomCore
	keys     *RoomKeys
	signaler Signaler
	config   MeshConfig
	api      *webrtc.API
	logger   *slog.Logger

	// reannounce asks Run for an announcement ahead of the next tick,
	// after a peer drops.
	reannounce chan struct{}

	mu    sync.Mutex
	conns map[string]*meshConn
	// closing is set under mu before Close waits on wg; no goroutine
	// joins wg after it is set.
	closing bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// meshConn is the PeerConnection to one remote replica.
type meshConn struct {
	pc       *webrtc.PeerConnection
	offerer  bool
	started  time.Time
	attached bool
	once     sync.Once
}

func (c *meshConn) close() {
	c.once.Do(func() { c.pc.Close() })
}

// NewMesh derives the room keys and prepares the mesh. Nothing is
// sent until Run.
func NewMesh(cfg MeshConfig) (*Mesh, error) {
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("mesh: no signaler")
	}
	if cfg.Document == nil || cfg.Awareness == nil {
		return nil, fmt.Errorf("mesh: document and awareness are required")
	}
	if cfg.LocalID == "" {
		cfg.LocalID = ulid.Make().String()
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	keys, err := DeriveRoomKeys(cfg.Room, cfg.Secret)
	if err != nil {
		return nil, err
	}

	// Detached data channels give the peer protocol a plain
	// ReadWriteCloser. Loopback candidates let replicas on one machine
	// find each other without a STUN server.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	core := newRoomCore(cfg.LocalID, keys, cfg.Document, cfg.Awareness, cfg.Logger)
	return &Mesh{
		core:       core,
		keys:       keys,
		signaler:   cfg.Signaler,
		config:     cfg,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger:     core.logger,
		reannounce: make(chan struct{}, 1),
		conns:      make(map[string]*meshConn),
	}, nil
}

// LocalID returns this replica's signaling id.
func (m *Mesh) LocalID() string { return m.config.LocalID }

func (m *Mesh) Events() <-chan Event { return m.core.Events() }

func (m *Mesh) Peers() []string { return m.core.Peers() }

// Run joins the room topic and handles signaling until ctx is done or
// Close is called. Relay outages are not errors: the mesh reports
// them as EventSignaling and keeps existing peers.
func (m *Mesh) Run(ctx context.Context) error {
	if !m.track() {
		return nil
	}
	defer m.wg.Done()

	if err := m.signaler.Join(ctx, m.keys.Topic()); err != nil {
		return fmt.Errorf("joining room topic: %w", err)
	}

	ticker := m.config.Clock.NewTicker(m.config.AnnounceInterval)
	defer ticker.Stop()

	status := m.signaler.Status()
	messages := m.signaler.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.core.closed:
			return nil
		case connected := <-status:
			m.core.emit(Event{Kind: EventSignaling, Connected: connected})
			if connected {
				m.announce(ctx, "")
			}
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			m.handle(ctx, message.Payload)
		case <-m.reannounce:
			m.announce(ctx, "")
		case <-ticker.C:
			m.reapStale()
			m.announce(ctx, "")
		}
	}
}

// Close disconnects every peer, releases the room keys and closes the
// signaler. It is idempotent.
func (m *Mesh) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		m.mu.Unlock()
		m.core.shutdown()
		m.mu.Lock()
		conns := make([]*meshConn, 0, len(m.conns))
		for id, conn := range m.conns {
			conns = append(conns, conn)
			delete(m.conns, id)
		}
		m.mu.Unlock()
		for _, conn := range conns {
			conn.close()
		}
		m.wg.Wait()
		err = errors.Join(m.signaler.Close(), m.keys.Close())
	})
	return err
}

func (m *Mesh) publish(ctx context.Context, s signal) error {
	plaintext, err := codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	sealed, err := m.keys.Seal(plaintext)
	if err != nil {
		return err
	}
	return m.signaler.Publish(ctx, m.keys.Topic(), sealed)
}

func (m *Mesh) announce(ctx context.Context, to string) {
	err := m.publish(ctx, signal{Kind: signalAnnounce, From: m.config.LocalID, To: to})
	if err != nil && !errors.Is(err, ErrSignalingUnreachable) {
		m.logger.Warn("announcing failed", "error", err)
	}
}

func (m *Mesh) handle(ctx context.Context, payload []byte) {
	plaintext, err := m.keys.Open(payload)
	if err != nil {
		// Another room sharing the topic, or a peer with the wrong
		// secret.
		m.logger.Debug("dropping unsealable signal", "error", err)
		return
	}
	var s signal
	if err := codec.Unmarshal(plaintext, &s); err != nil {
		m.logger.Debug("dropping malformed signal", "error", err)
		return
	}
	if s.From == "" || s.From == m.config.LocalID {
		return
	}
	if s.To != "" && s.To != m.config.LocalID {
		return
	}

	switch s.Kind {
	case signalAnnounce:
		m.handleAnnounce(ctx, s)
	case signalOffer:
		m.spawn(func() {
			if err := m.answer(ctx, s); err != nil {
				m.logger.Warn("answering offer failed", "peer", s.From, "error", err)
			}
		})
	case signalAnswer:
		m.handleAnswer(s)
	default:
		m.logger.Debug("ignoring unknown signal", "kind", s.Kind, "peer", s.From)
	}
}

func (m *Mesh) handleAnnounce(ctx context.Context, s signal) {
	m.mu.Lock()
	_, connected := m.conns[s.From]
	full := len(m.conns) >= m.config.MaxPeers
	m.mu.Unlock()
	if connected {
		return
	}
	if full {
		m.logger.Debug("ignoring announce, peer limit reached", "peer", s.From)
		return
	}
	if m.config.LocalID < s.From {
		m.spawn(func() {
			if err := m.offer(ctx, s.From); err != nil {
				m.logger.Warn("offering to peer failed", "peer", s.From, "error", err)
			}
		})
		return
	}
	// The peer is the offerer for this pair. Answer a room-wide
	// announce with a directed one so that a newcomer learns about
	// replicas that were already present.
	if s.To == "" {
		m.announce(ctx, s.From)
	}
}

func (m *Mesh) handleAnswer(s signal) {
	m.mu.Lock()
	conn := m.conns[s.From]
	m.mu.Unlock()
	if conn == nil || !conn.offerer || conn.pc.RemoteDescription() != nil {
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP}
	if err := conn.pc.SetRemoteDescription(answer); err != nil {
		m.logger.Warn("setting remote description failed", "peer", s.From, "error", err)
		m.dropConn(s.From, conn)
		return
	}
	m.logger.Info("WebRTC answer accepted", "peer", s.From)
}

func (m *Mesh) offer(ctx context.Context, peerID string) error {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.config.ICE.Servers})
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	conn := &meshConn{pc: pc, offerer: true, started: m.config.Clock.Now()}

	m.mu.Lock()
	if _, exists := m.conns[peerID]; exists || m.core.isClosed() {
		m.mu.Unlock()
		pc.Close()
		return nil
	}
	m.conns[peerID] = conn
	m.mu.Unlock()

	m.watch(peerID, conn)

	ordered := true
	channel, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		m.dropConn(peerID, conn)
		return fmt.Errorf("creating data channel: %w", err)
	}
	channel.OnOpen(func() { m.attachChannel(peerID, conn, channel) })

	description, err := pc.CreateOffer(nil)
	if err != nil {
		m.dropConn(peerID, conn)
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := m.gather(ctx, pc, description); err != nil {
		m.dropConn(peerID, conn)
		return err
	}

	err = m.publish(ctx, signal{Kind: signalOffer, From: m.config.LocalID, To: peerID, SDP: pc.LocalDescription().SDP})
	if err != nil {
		m.dropConn(peerID, conn)
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	m.logger.Info("WebRTC offer published", "peer", peerID)
	return nil
}

func (m *Mesh) answer(ctx context.Context, s signal) error {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.config.ICE.Servers})
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	conn := &meshConn{pc: pc, started: m.config.Clock.Now()}

	m.mu.Lock()
	existing := m.conns[s.From]
	if existing != nil && live(existing.pc) && s.From > m.config.LocalID {
		// Signaling race: we are the canonical offerer for this pair
		// and our own attempt stands.
		m.mu.Unlock()
		pc.Close()
		return nil
	}
	if (existing == nil && len(m.conns) >= m.config.MaxPeers) || m.core.isClosed() {
		m.mu.Unlock()
		pc.Close()
		return nil
	}
	m.conns[s.From] = conn
	m.mu.Unlock()
	if existing != nil {
		existing.close()
	}

	m.watch(s.From, conn)
	pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != channelLabel {
			m.logger.Debug("rejecting unexpected data channel", "peer", s.From, "label", channel.Label())
			channel.Close()
			return
		}
		channel.OnOpen(func() { m.attachChannel(s.From, conn, channel) })
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}); err != nil {
		m.dropConn(s.From, conn)
		return fmt.Errorf("setting remote description: %w", err)
	}
	description, err := pc.CreateAnswer(nil)
	if err != nil {
		m.dropConn(s.From, conn)
		return fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := m.gather(ctx, pc, description); err != nil {
		m.dropConn(s.From, conn)
		return err
	}

	err = m.publish(ctx, signal{Kind: signalAnswer, From: m.config.LocalID, To: s.From, SDP: pc.LocalDescription().SDP})
	if err != nil {
		m.dropConn(s.From, conn)
		return fmt.Errorf("publishing SDP answer: %w", err)
	}
	m.logger.Info("WebRTC offer answered", "peer", s.From)
	return nil
}

// gather sets the local description and waits for ICE gathering to
// complete, so the published SDP carries every candidate.
func (m *Mesh) gather(ctx context.Context, pc *webrtc.PeerConnection, description webrtc.SessionDescription) error {
	complete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-complete:
		return nil
	case <-m.config.Clock.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.core.closed:
		return errors.New("mesh closed")
	}
}

func (m *Mesh) watch(peerID string, conn *meshConn) {
	conn.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Debug("ICE state change", "peer", peerID, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			// pion may hold its own locks while running the handler.
			go m.dropConn(peerID, conn)
		}
	})
}

// attachChannel hands an open data channel to the peer protocol.
func (m *Mesh) attachChannel(peerID string, conn *meshConn, channel *webrtc.DataChannel) {
	raw, err := channel.Detach()
	if err != nil {
		m.logger.Error("detaching data channel failed", "peer", peerID, "error", err)
		m.dropConn(peerID, conn)
		return
	}
	m.mu.Lock()
	if m.conns[peerID] != conn {
		m.mu.Unlock()
		raw.Close()
		return
	}
	conn.attached = true
	m.mu.Unlock()

	m.logger.Debug("data channel open", "peer", peerID)
	m.core.attach(newDataChannelConn(raw, m.config.LocalID, peerID), peerID, func() {
		m.dropConn(peerID, conn)
	})
}

// dropConn forgets and closes conn. A later announce rebuilds it.
func (m *Mesh) dropConn(peerID string, conn *meshConn) {
	m.mu.Lock()
	current := m.conns[peerID] == conn
	if current {
		delete(m.conns, peerID)
	}
	wasAttached := conn.attached
	m.mu.Unlock()
	conn.close()
	if current && wasAttached && !m.core.isClosed() {
		select {
		case m.reannounce <- struct{}{}:
		default:
		}
	}
}

// reapStale abandons connections that never opened their data channel,
// such as offers nobody answered.
func (m *Mesh) reapStale() {
	now := m.config.Clock.Now()
	var stale []*meshConn
	m.mu.Lock()
	for id, conn := range m.conns {
		if !conn.attached && now.Sub(conn.started) > connectTimeout {
			stale = append(stale, conn)
			delete(m.conns, id)
		}
	}
	m.mu.Unlock()
	for _, conn := range stale {
		conn.close()
	}
}

// track counts a goroutine in wg unless Close has begun.
func (m *Mesh) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Mesh) spawn(f func()) {
	if !m.track() {
		return
	}
	go func() {
		defer m.wg.Done()
		f()
	}()
}

func live(pc *webrtc.PeerConnection) bool {
	state := pc.ICEConnectionState()
	return state != webrtc.ICEConnectionStateFailed && state != webrtc.ICEConnectionStateClosed
}
