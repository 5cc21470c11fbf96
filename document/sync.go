// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package document

import (
	"errors"
	"fmt"
	"slices"

	"github.com/automerge/automerge-go"

	"github.com/bureau-foundation/collabify/lib/codec"
)

// Sync messages carry a one-byte kind ahead of the payload.
const (
	// syncKindChanges wraps an automerge sync message.
	syncKindChanges byte = 1
	// syncKindHeads carries the sender's heads once a received
	// message left both replicas equal.
	syncKindHeads byte = 2
)

// SyncPeer tracks the automerge sync protocol state for one remote
// replica. Messages from Generate go to that replica; messages from it
// go to Receive. The exchange converges when neither side generates
// anything further, and by then both sides have reported in sync.
type SyncPeer struct {
	doc   *Document
	state *automerge.SyncState

	// owesHeads is set when a received message left the replicas
	// equal; the next Generate confirms it.
	owesHeads bool
}

// NewSyncPeer starts sync state for a newly connected replica.
func (d *Document) NewSyncPeer() *SyncPeer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &SyncPeer{doc: d, state: automerge.NewSyncState(d.doc)}
}

// Generate returns the next message for the remote replica, or false
// when there is nothing to send.
func (p *SyncPeer) Generate() ([]byte, bool) {
	p.doc.mu.Lock()
	defer p.doc.mu.Unlock()
	message, valid := p.state.GenerateMessage()
	if valid && message != nil {
		p.owesHeads = false
		return append([]byte{syncKindChanges}, message.Bytes()...), true
	}
	if !p.owesHeads {
		return nil, false
	}
	p.owesHeads = false
	heads, err := codec.Marshal(p.doc.headsLocked())
	if err != nil {
		return nil, false
	}
	return append([]byte{syncKindHeads}, heads...), true
}

// Receive applies a message from the remote replica. It reports
// whether, after applying it, both replicas hold the same heads.
func (p *SyncPeer) Receive(data []byte) (inSync bool, err error) {
	if len(data) == 0 {
		return false, errors.New("receiving sync message: empty message")
	}
	switch data[0] {
	case syncKindChanges:
		return p.receiveChanges(data[1:])
	case syncKindHeads:
		var remote []string
		if err := codec.Unmarshal(data[1:], &remote); err != nil {
			return false, fmt.Errorf("receiving sync heads: %w", err)
		}
		slices.Sort(remote)
		p.doc.mu.Lock()
		defer p.doc.mu.Unlock()
		return slices.Equal(remote, p.doc.headsLocked()), nil
	}
	return false, fmt.Errorf("receiving sync message: unknown kind %d", data[0])
}

func (p *SyncPeer) receiveChanges(data []byte) (bool, error) {
	d := p.doc
	d.mu.Lock()
	before := d.snapshotLocked()
	headsBefore := d.headsLocked()
	message, err := p.state.ReceiveMessage(data)
	if err != nil {
		d.mu.Unlock()
		return false, fmt.Errorf("receiving sync message: %w", err)
	}
	var updates []Update
	if !slices.Equal(headsBefore, d.headsLocked()) {
		updates = d.afterExternalLocked(Remote, before)
	}
	remote := make([]string, 0, len(message.Heads()))
	for _, head := range message.Heads() {
		remote = append(remote, head.String())
	}
	slices.Sort(remote)
	inSync := slices.Equal(remote, d.headsLocked())
	if inSync {
		p.owesHeads = true
	}
	d.mu.Unlock()

	d.publish(updates...)
	return inSync, nil
}
