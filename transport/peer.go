// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/collabify/awareness"
	"github.com/bureau-foundation/collabify/document"
	"github.com/bureau-foundation/collabify/lib/netutil"
)

type peerConfig struct {
	localID       string
	peerID        string
	authenticator PeerAuthenticator
	document      *document.Document
	awareness     *awareness.Awareness
	logger        *slog.Logger
	onSynced      func(peerID string)
}

// peer runs the document and awareness protocol with one
// authenticated remote replica. One goroutine reads and one writes;
// everything the writer sends is decided from flags and the sync
// state at send time, so bursts of changes coalesce.
type peer struct {
	peerConfig
	conn   net.Conn
	reader *frameReader
	writer *frameWriter
	sync   *document.SyncPeer

	wake      chan struct{}
	sendQuery atomic.Bool
	sendLocal atomic.Bool
	sendAll   atomic.Bool
	synced    atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
}

// startPeer authenticates conn and returns a peer ready to run. conn
// is closed on failure.
func startPeer(conn net.Conn, cfg peerConfig) (*peer, error) {
	reader := bufio.NewReaderSize(conn, channelBufferSize)
	conn.SetDeadline(time.Now().Add(authTimeout))
	channel := struct {
		io.Reader
		io.Writer
	}{reader, conn}
	if err := runPeerAuth(channel, cfg.authenticator, cfg.localID, cfg.peerID); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return &peer{
		peerConfig: cfg,
		conn:       conn,
		reader:     newFrameReader(reader),
		writer:     &frameWriter{w: conn},
		sync:       cfg.document.NewSyncPeer(),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}, nil
}

// run exchanges messages until the channel closes. Entries learned
// from this peer are removed from awareness on return.
func (p *peer) run() error {
	unsubscribeDocument := p.document.Subscribe(func(document.Update) { p.poke() })
	defer unsubscribeDocument()
	unsubscribeAwareness := p.awareness.Subscribe(func(change awareness.Change) {
		if change.Local {
			p.sendLocal.Store(true)
			p.poke()
		}
	})
	defer unsubscribeAwareness()
	defer p.awareness.RemovePeerClients(p.peerID)

	p.sendQuery.Store(true)
	p.sendLocal.Store(true)
	p.poke()

	writeDone := make(chan error, 1)
	go func() { writeDone <- p.writeLoop() }()

	err := p.readLoop()
	p.close()
	writeErr := <-writeDone
	if err == nil || netutil.IsExpectedCloseError(err) {
		err = writeErr
	}
	if netutil.IsExpectedCloseError(err) {
		return nil
	}
	return err
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

func (p *peer) poke() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *peer) writeLoop() error {
	for {
		select {
		case <-p.closed:
			return nil
		case <-p.wake:
		}
		if err := p.flush(); err != nil {
			p.close()
			select {
			case <-p.closed:
				if netutil.IsExpectedCloseError(err) {
					return nil
				}
			default:
			}
			return err
		}
	}
}

func (p *peer) flush() error {
	if p.sendQuery.Swap(false) {
		if err := p.writer.writeMessage(frameAwarenessQuery, nil); err != nil {
			return err
		}
	}
	var (
		update []byte
		err    error
	)
	switch {
	case p.sendAll.Swap(false):
		p.sendLocal.Store(false)
		update, err = p.awareness.EncodeAll()
	case p.sendLocal.Swap(false):
		update, err = p.awareness.EncodeLocal()
	}
	if err != nil {
		return err
	}
	if update != nil {
		if err := p.writer.writeMessage(frameAwareness, update); err != nil {
			return err
		}
	}
	for {
		message, ok := p.sync.Generate()
		if !ok {
			return nil
		}
		if err := p.writer.writeMessage(frameSync, message); err != nil {
			return err
		}
	}
}

func (p *peer) readLoop() error {
	for {
		kind, data, err := p.reader.readMessage()
		if err != nil {
			select {
			case <-p.closed:
				return nil
			default:
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return io.EOF
			}
			return err
		}
		switch kind {
		case frameSync:
			inSync, err := p.sync.Receive(data)
			if err != nil {
				return fmt.Errorf("peer %s: %w", p.peerID, err)
			}
			if inSync && p.synced.CompareAndSwap(false, true) {
				p.logger.Debug("peer synced", "peer", p.peerID)
				if p.onSynced != nil {
					p.onSynced(p.peerID)
				}
			}
			p.poke()
		case frameAwareness:
			if err := p.awareness.Apply(data, p.peerID); err != nil {
				p.logger.Debug("dropping awareness update", "peer", p.peerID, "error", err)
			}
		case frameAwarenessQuery:
			p.sendAll.Store(true)
			p.poke()
		default:
			p.logger.Debug("ignoring unknown frame", "peer", p.peerID, "kind", kind)
		}
	}
}
