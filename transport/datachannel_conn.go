// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

// dataChannelConn wraps a detached pion data channel as a net.Conn so
// the peer protocol runs unchanged over WebRTC and over net.Pipe.
// Each Write is one channel message; reads must use a buffer at least
// as large as the largest message (see channelBufferSize).
//
// Deadlines are timer-based: when one fires the channel is closed,
// failing any blocked Read or Write. The connection is unusable after
// that, which suits the only caller, the authentication timeout.
type dataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string

	mu             sync.Mutex
	readTimer      *time.Timer
	writeTimer     *time.Timer
	deadlineClosed bool
}

var _ net.Conn = (*dataChannelConn)(nil)

func newDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *dataChannelConn {
	return &dataChannelConn{rwc: rwc, localLabel: localLabel, peerLabel: peerLabel}
}

func (c *dataChannelConn) Read(buffer []byte) (int, error)  { return c.rwc.Read(buffer) }
func (c *dataChannelConn) Write(buffer []byte) (int, error) { return c.rwc.Write(buffer) }

func (c *dataChannelConn) Close() error {
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *dataChannelConn) LocalAddr() net.Addr  { return dataChannelAddr(c.localLabel) }
func (c *dataChannelConn) RemoteAddr() net.Addr { return dataChannelAddr(c.peerLabel) }

func (c *dataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

func (c *dataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimer = c.armLocked(c.readTimer, deadline)
	return nil
}

func (c *dataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimer = c.armLocked(c.writeTimer, deadline)
	return nil
}

// armLocked replaces timer with one that closes the channel at
// deadline. A zero deadline disarms it.
func (c *dataChannelConn) armLocked(timer *time.Timer, deadline time.Time) *time.Timer {
	if timer != nil {
		timer.Stop()
	}
	if deadline.IsZero() || c.deadlineClosed {
		return nil
	}
	duration := time.Until(deadline)
	if duration <= 0 {
		c.closeFromDeadlineLocked()
		return nil
	}
	return time.AfterFunc(duration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadlineLocked()
	})
}

func (c *dataChannelConn) closeFromDeadlineLocked() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.rwc.Close()
}

func (c *dataChannelConn) stopTimersLocked() {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
}

type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }
