// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

// Message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypePing        = "ping"
	TypePong        = "pong"
)

// MaxMessageSize bounds one inbound frame. Signaling carries session
// descriptions, never document content.
const MaxMessageSize = 256 << 10

// Message is one relay frame.
type Message struct {
	Type string `json:"type"`

	// Topics is set on subscribe and unsubscribe.
	Topics []string `json:"topics,omitempty"`

	// Topic and Data are set on publish. Data is base64 in JSON.
	Topic string `json:"topic,omitempty"`
	Data  []byte `json:"data,omitempty"`

	// From is the relay connection id of the publisher, filled in by
	// the relay on delivery.
	From string `json:"from,omitempty"`
}
