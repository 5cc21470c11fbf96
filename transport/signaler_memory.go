// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"slices"
	"sync"
)

// MemoryHub is an in-process relay for tests. Signalers from the same
// hub exchange payloads without any network; SetOnline simulates a
// relay outage.
type MemoryHub struct {
	mu        sync.Mutex
	online    bool
	signalers []*MemorySignaler
}

// NewMemoryHub returns an online hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{online: true}
}

// Signaler returns a new client of the hub.
func (h *MemoryHub) Signaler() *MemorySignaler {
	s := &MemorySignaler{
		hub:      h,
		topics:   make(map[string]bool),
		messages: make(chan Signal, 256),
		status:   newStatusFeed(),
	}
	h.mu.Lock()
	h.signalers = append(h.signalers, s)
	s.status.set(h.online)
	h.mu.Unlock()
	return s
}

// SetOnline changes reachability for every signaler of the hub.
// Publishes while offline fail with ErrSignalingUnreachable.
func (h *MemoryHub) SetOnline(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = online
	for _, s := range h.signalers {
		s.status.set(online)
	}
}

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is one client of a MemoryHub.
type MemorySignaler struct {
	hub      *MemoryHub
	topics   map[string]bool
	messages chan Signal
	status   *statusFeed
	closed   bool
}

func (s *MemorySignaler) Join(_ context.Context, topic string) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.topics[topic] = true
	return nil
}

func (s *MemorySignaler) Publish(_ context.Context, topic string, payload []byte) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if !s.hub.online || s.closed {
		return ErrSignalingUnreachable
	}
	for _, other := range s.hub.signalers {
		if other == s || other.closed || !other.topics[topic] {
			continue
		}
		select {
		case other.messages <- Signal{Topic: topic, Payload: slices.Clone(payload)}:
		default:
			// A stalled test consumer loses signals, as with a real relay.
		}
	}
	return nil
}

func (s *MemorySignaler) Messages() <-chan Signal { return s.messages }

func (s *MemorySignaler) Status() <-chan bool { return s.status.ch }

func (s *MemorySignaler) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.signalers = slices.DeleteFunc(s.hub.signalers, func(other *MemorySignaler) bool { return other == s })
	close(s.messages)
	return nil
}
