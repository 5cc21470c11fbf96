// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"net"
	"strings"
	"testing"
	"time"
)

func mustRoomKeys(t *testing.T, room, secret string) *RoomKeys {
	t.Helper()
	keys, err := DeriveRoomKeys(room, secret)
	if err != nil {
		t.Fatalf("DeriveRoomKeys: %v", err)
	}
	t.Cleanup(func() { keys.Close() })
	return keys
}

// authPair runs both ends of the handshake over net.Pipe and returns
// the errors seen by alpha and beta.
func authPair(t *testing.T, alpha, beta PeerAuthenticator, alphaClaims, betaClaims string) (error, error) {
	t.Helper()
	alphaConn, betaConn := net.Pipe()
	alphaConn.SetDeadline(time.Now().Add(5 * time.Second))
	betaConn.SetDeadline(time.Now().Add(5 * time.Second))

	alphaResult := make(chan error, 1)
	betaResult := make(chan error, 1)
	go func() {
		err := runPeerAuth(alphaConn, alpha, "alpha", betaClaims)
		if err != nil {
			alphaConn.Close()
		}
		alphaResult <- err
	}()
	go func() {
		err := runPeerAuth(betaConn, beta, "beta", alphaClaims)
		if err != nil {
			betaConn.Close()
		}
		betaResult <- err
	}()
	alphaErr, betaErr := <-alphaResult, <-betaResult
	alphaConn.Close()
	betaConn.Close()
	return alphaErr, betaErr
}

func TestRunPeerAuth_SharedSecret(t *testing.T) {
	alpha := mustRoomKeys(t, "collabify-room", "secret")
	beta := mustRoomKeys(t, "collabify-room", "secret")

	alphaErr, betaErr := authPair(t, alpha, beta, "alpha", "beta")
	if alphaErr != nil || betaErr != nil {
		t.Fatalf("runPeerAuth = %v, %v; want nil, nil", alphaErr, betaErr)
	}
}

func TestRunPeerAuth_WrongSecret(t *testing.T) {
	alpha := mustRoomKeys(t, "collabify-room", "secret")
	beta := mustRoomKeys(t, "collabify-room", "guess")

	alphaErr, betaErr := authPair(t, alpha, beta, "alpha", "beta")
	if alphaErr == nil || betaErr == nil {
		t.Fatalf("runPeerAuth = %v, %v; want both to fail", alphaErr, betaErr)
	}
	if !strings.Contains(alphaErr.Error(), "failed authentication") {
		t.Errorf("alpha error = %v, want an authentication failure", alphaErr)
	}
}

func TestRunPeerAuth_OtherRoom(t *testing.T) {
	alpha := mustRoomKeys(t, "collabify-one", "secret")
	beta := mustRoomKeys(t, "collabify-two", "secret")

	alphaErr, betaErr := authPair(t, alpha, beta, "alpha", "beta")
	if alphaErr == nil || betaErr == nil {
		t.Fatalf("runPeerAuth = %v, %v; want both to fail", alphaErr, betaErr)
	}
}

// An answer is bound to the id of the challenger, so an answer relayed
// from a conversation with another member does not verify.
func TestRunPeerAuth_IdentityBinding(t *testing.T) {
	alpha := mustRoomKeys(t, "collabify-room", "secret")
	beta := mustRoomKeys(t, "collabify-room", "secret")

	// Alpha believes it is answering "carol", so its answer is bound
	// to the wrong challenger.
	_, betaErr := authPair(t, alpha, beta, "alpha", "carol")
	if betaErr == nil {
		t.Fatal("beta accepted an answer bound to a different challenger")
	}
}

func TestRunPeerAuth_PeerHangsUp(t *testing.T) {
	keys := mustRoomKeys(t, "collabify-room", "secret")
	local, remote := net.Pipe()
	remote.Close()

	if err := runPeerAuth(local, keys, "alpha", "beta"); err == nil {
		t.Fatal("runPeerAuth succeeded against a closed channel")
	}
	local.Close()
}
