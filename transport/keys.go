// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bureau-foundation/collabify/lib/secret"
)

// KeySize is the size of every derived room key.
const KeySize = 32

// sealedVersion is the first byte of every sealed signaling payload.
const sealedVersion byte = 1

// SealedOverhead is the size added by Seal.
const SealedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

const (
	hkdfInfoSignaling = "collabify.room.signaling.v1"
	hkdfInfoPeerAuth  = "collabify.room.peer-auth.v1"
	authDomainTag     = "collabify.peer-auth.v1"
)

// ErrUnsealable is returned by Open for payloads sealed under a
// different room secret, or tampered with.
var ErrUnsealable = errors.New("signaling payload could not be opened")

// RoomKeys are the keys every member of a room derives from the
// session secret. Peers without the secret cannot read signaling
// traffic or pass peer authentication.
type RoomKeys struct {
	room      string
	topic     string
	signaling *secret.Buffer
	auth      *secret.Buffer
}

var _ PeerAuthenticator = (*RoomKeys)(nil)

// DeriveRoomKeys derives the keys for room from the session secret
// with HKDF-SHA256, salted with the room id.
func DeriveRoomKeys(room, sessionSecret string) (*RoomKeys, error) {
	if room == "" {
		return nil, fmt.Errorf("deriving room keys: empty room id")
	}
	signaling, err := secret.Derive([]byte(sessionSecret), []byte(room), hkdfInfoSignaling, KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving signaling key: %w", err)
	}
	auth, err := secret.Derive([]byte(sessionSecret), []byte(room), hkdfInfoPeerAuth, KeySize)
	if err != nil {
		signaling.Close()
		return nil, fmt.Errorf("deriving peer auth key: %w", err)
	}
	return &RoomKeys{
		room:      room,
		topic:     Topic(room),
		signaling: signaling,
		auth:      auth,
	}, nil
}

// Topic is the relay topic for room: the hex BLAKE3 hash of the room
// id, so the relay never learns the session id.
func Topic(room string) string {
	sum := blake3.Sum256([]byte(room))
	return hex.EncodeToString(sum[:])
}

// Room returns the room id.
func (k *RoomKeys) Room() string { return k.room }

// Topic returns the relay topic.
func (k *RoomKeys) Topic() string { return k.topic }

// Seal encrypts a signaling payload with XChaCha20-Poly1305. The room
// id is authenticated as additional data.
func (k *RoomKeys) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.signaling.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	output := make([]byte, 1+len(nonce), SealedOverhead+len(plaintext))
	output[0] = sealedVersion
	copy(output[1:], nonce[:])
	return aead.Seal(output, nonce[:], plaintext, k.aad()), nil
}

// Open reverses Seal.
func (k *RoomKeys) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < SealedOverhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the envelope", ErrUnsealable, len(sealed))
	}
	if sealed[0] != sealedVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsealable, sealed[0])
	}
	aead, err := chacha20poly1305.NewX(k.signaling.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], k.aad())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealable, err)
	}
	return plaintext, nil
}

func (k *RoomKeys) aad() []byte {
	aad := make([]byte, 1+len(k.room))
	aad[0] = sealedVersion
	copy(aad[1:], k.room)
	return aad
}

// Sign MACs message with the room auth key.
func (k *RoomKeys) Sign(message []byte) []byte {
	hasher, err := blake3.NewKeyed(k.auth.Bytes())
	if err != nil {
		panic("transport: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(authDomainTag))
	hasher.Write(message)
	return hasher.Sum(nil)
}

// VerifyPeer checks a MAC produced by Sign on another room member.
func (k *RoomKeys) VerifyPeer(peerID string, message, signature []byte) error {
	if subtle.ConstantTimeCompare(k.Sign(message), signature) != 1 {
		return fmt.Errorf("peer %s does not hold the room secret", peerID)
	}
	return nil
}

// Close releases the key material.
func (k *RoomKeys) Close() error {
	return errors.Join(k.signaling.Close(), k.auth.Close())
}
