// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestRoomKeys_SealOpen(t *testing.T) {
	sender := mustRoomKeys(t, "collabify-abc", "s3cret")
	receiver := mustRoomKeys(t, "collabify-abc", "s3cret")

	sealed, err := sender.Seal([]byte("offer sdp"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("offer sdp")) {
		t.Fatal("sealed payload contains the plaintext")
	}
	if len(sealed) != SealedOverhead+len("offer sdp") {
		t.Errorf("len(sealed) = %d, want %d", len(sealed), SealedOverhead+len("offer sdp"))
	}
	plaintext, err := receiver.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plaintext) != "offer sdp" {
		t.Fatalf("Open = %q, want %q", plaintext, "offer sdp")
	}
}

func TestRoomKeys_SealIsRandomized(t *testing.T) {
	keys := mustRoomKeys(t, "collabify-abc", "s3cret")
	first, _ := keys.Seal([]byte("same"))
	second, _ := keys.Seal([]byte("same"))
	if bytes.Equal(first, second) {
		t.Fatal("two seals of the same payload are identical")
	}
}

func TestRoomKeys_OpenRejects(t *testing.T) {
	keys := mustRoomKeys(t, "collabify-abc", "s3cret")
	sealed, err := keys.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0x01
	badVersion := bytes.Clone(sealed)
	badVersion[0] = 9

	tests := []struct {
		name   string
		keys   *RoomKeys
		sealed []byte
	}{
		{"wrong secret", mustRoomKeys(t, "collabify-abc", "other"), sealed},
		{"wrong room", mustRoomKeys(t, "collabify-xyz", "s3cret"), sealed},
		{"tampered", keys, tampered},
		{"version", keys, badVersion},
		{"truncated", keys, sealed[:SealedOverhead-1]},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := test.keys.Open(test.sealed)
			if !errors.Is(err, ErrUnsealable) {
				t.Fatalf("Open error = %v, want ErrUnsealable", err)
			}
		})
	}
}

func TestTopic(t *testing.T) {
	topic := Topic("collabify-abc")
	if len(topic) != 64 {
		t.Fatalf("len(Topic) = %d, want 64", len(topic))
	}
	if strings.Contains(topic, "abc") {
		t.Errorf("Topic %q leaks the room id", topic)
	}
	if Topic("collabify-abc") != topic {
		t.Error("Topic is not deterministic")
	}
	if Topic("collabify-abd") == topic {
		t.Error("different rooms share a topic")
	}
	if keys := mustRoomKeys(t, "collabify-abc", "x"); keys.Topic() != topic {
		t.Errorf("RoomKeys.Topic() = %q, want %q", keys.Topic(), topic)
	}
}

func TestRoomKeys_Sign(t *testing.T) {
	a := mustRoomKeys(t, "collabify-abc", "s3cret")
	b := mustRoomKeys(t, "collabify-abc", "s3cret")
	c := mustRoomKeys(t, "collabify-abc", "other")

	message := []byte("nonce||id")
	if len(a.Sign(message)) != authSignatureSize {
		t.Fatalf("len(Sign) = %d, want %d", len(a.Sign(message)), authSignatureSize)
	}
	if err := b.VerifyPeer("a", message, a.Sign(message)); err != nil {
		t.Fatalf("VerifyPeer with shared secret: %v", err)
	}
	if err := c.VerifyPeer("a", message, a.Sign(message)); err == nil {
		t.Fatal("VerifyPeer accepted a MAC from another secret")
	}
}

func TestDeriveRoomKeys_EmptyRoom(t *testing.T) {
	if _, err := DeriveRoomKeys("", "secret"); err == nil {
		t.Fatal("DeriveRoomKeys accepted an empty room")
	}
}
