// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"testing"
	"time"
)

// pipeStream joins the ends of two io.Pipes into one ReadWriteCloser,
// standing in for a detached data channel.
type pipeStream struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p pipeStream) Close() error {
	p.PipeReader.Close()
	return p.PipeWriter.Close()
}

func streamPair() (pipeStream, pipeStream) {
	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()
	return pipeStream{aReader, aWriter}, pipeStream{bReader, bWriter}
}

func TestDataChannelConn_ReadWrite(t *testing.T) {
	a, b := streamPair()
	client := newDataChannelConn(a, "client", "server")
	server := newDataChannelConn(b, "server", "client")
	defer client.Close()
	defer server.Close()

	go client.Write([]byte("hello"))

	buffer := make([]byte, 64)
	n, err := server.Read(buffer)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buffer[:n]); got != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}
}

func TestDataChannelConn_Addresses(t *testing.T) {
	a, _ := streamPair()
	conn := newDataChannelConn(a, "local", "remote")
	defer conn.Close()

	if conn.LocalAddr().Network() != "webrtc" || conn.LocalAddr().String() != "local" {
		t.Errorf("LocalAddr = %s/%s", conn.LocalAddr().Network(), conn.LocalAddr())
	}
	if conn.RemoteAddr().String() != "remote" {
		t.Errorf("RemoteAddr = %s, want remote", conn.RemoteAddr())
	}
}

func TestDataChannelConn_ExpiredDeadlineCloses(t *testing.T) {
	a, _ := streamPair()
	conn := newDataChannelConn(a, "local", "remote")

	conn.SetReadDeadline(time.Now().Add(-time.Second))

	if _, err := conn.Read(make([]byte, 8)); err == nil {
		t.Fatal("Read after expired deadline succeeded")
	}
}

func TestDataChannelConn_ClearedDeadlineDoesNotFire(t *testing.T) {
	a, b := streamPair()
	client := newDataChannelConn(a, "client", "server")
	server := newDataChannelConn(b, "server", "client")
	defer client.Close()
	defer server.Close()

	client.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	client.SetReadDeadline(time.Time{})
	time.Sleep(60 * time.Millisecond)

	go server.Write([]byte("alive"))
	buffer := make([]byte, 64)
	n, err := client.Read(buffer)
	if err != nil {
		t.Fatalf("Read after clearing deadline: %v", err)
	}
	if string(buffer[:n]) != "alive" {
		t.Fatalf("Read = %q, want alive", buffer[:n])
	}
}
