// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authSignatureSize is the size of a BLAKE3 MAC in bytes.
const authSignatureSize = 32

// authTimeout bounds the whole handshake. A peer that has not proven
// room membership within it is disconnected.
const authTimeout = 10 * time.Second

// PeerAuthenticator proves and checks room membership. After a peer
// channel opens, both ends exchange random nonces and each answers the
// other's challenge with Sign. Document and awareness traffic starts
// only once both answers verify, so a peer that learned the relay
// topic but not the session secret never sees the document.
type PeerAuthenticator interface {
	// Sign answers a challenge.
	Sign(message []byte) []byte

	// VerifyPeer checks that signature answers message and was made
	// by a holder of the same room secret.
	VerifyPeer(peerID string, message, signature []byte) error
}

// runPeerAuth executes the mutual authentication protocol on a channel.
// Both peers run this function simultaneously on the same channel:
//
//  1. Send a 32-byte random nonce
//  2. Read the peer's 32-byte nonce
//  3. Sign (peerNonce || peerID), binding the answer to the challenger
//  4. Send the 32-byte MAC
//  5. Read the peer's MAC
//  6. Verify it against (ownNonce || localID)
//
// The id binding in step 3 stops an answer given to peer A from being
// replayed against peer B.
//
// Writes happen on a background goroutine. On a synchronous channel
// such as net.Pipe, Write blocks until the peer reads, and both sides
// would otherwise block on their first Write.
//
// The caller is responsible for closing the channel after this returns.
func runPeerAuth(channel io.ReadWriter, authenticator PeerAuthenticator, localID, peerID string) error {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating auth nonce: %w", err)
	}

	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)

	go func() {
		if _, err := channel.Write(nonce); err != nil {
			writeErrors <- fmt.Errorf("sending auth nonce: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerNonce := make([]byte, authNonceSize)
	if _, err := io.ReadFull(channel, peerNonce); err != nil {
		close(signatureToSend)
		return fmt.Errorf("reading peer nonce: %w", err)
	}

	signedMessage := make([]byte, 0, authNonceSize+len(peerID))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peerID...)
	signatureToSend <- authenticator.Sign(signedMessage)

	peerSignature := make([]byte, authSignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return fmt.Errorf("reading peer signature: %w", err)
	}

	if err := <-writeErrors; err != nil {
		return err
	}

	verifyMessage := make([]byte, 0, authNonceSize+len(localID))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, localID...)
	if err := authenticator.VerifyPeer(peerID, verifyMessage, peerSignature); err != nil {
		return fmt.Errorf("peer %s failed authentication: %w", peerID, err)
	}
	return nil
}
