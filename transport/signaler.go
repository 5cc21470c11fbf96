// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

// ErrSignalingUnreachable is returned by Publish while no relay is
// connected. It is never fatal: the signaler keeps reconnecting and
// the caller sees a connecting state until it succeeds.
var ErrSignalingUnreachable = errors.New("signaling relay unreachable")

// Signaler is the topic pub/sub that peers use to find each other and
// exchange session descriptions. Payloads are opaque; the Mesh seals
// them before publishing.
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before a session description is published, so connection
// establishment needs exactly one offer and one answer.
type Signaler interface {
	// Join subscribes to topic. Subscriptions survive reconnects.
	Join(ctx context.Context, topic string) error

	// Publish sends payload to every other subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Messages delivers payloads published by others to joined
	// topics.
	Messages() <-chan Signal

	// Status delivers connectivity changes: true once the relay
	// accepts traffic, false when it becomes unreachable. The
	// current state is delivered first.
	Status() <-chan bool

	// Close disconnects and closes Messages.
	Close() error
}

// Signal is one payload received from the relay.
type Signal struct {
	Topic   string
	Payload []byte
}

// statusFeed delivers the latest status to a single consumer without
// blocking the producer.
type statusFeed struct {
	ch chan bool
}

func newStatusFeed() *statusFeed {
	return &statusFeed{ch: make(chan bool, 1)}
}

// set replaces any undelivered status with connected.
func (f *statusFeed) set(connected bool) {
	for {
		select {
		case f.ch <- connected:
			return
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}
