// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
)

func TestReadBodyWithinLimit(t *testing.T) {
	data, err := ReadBody(strings.NewReader("# Title\n"), 8)
	if err != nil {
		t.Fatalf("ReadBody: %v", err)
	}
	if string(data) != "# Title\n" {
		t.Errorf("data = %q, want %q", data, "# Title\n")
	}
}

func TestReadBodyRejectsOversize(t *testing.T) {
	_, err := ReadBody(strings.NewReader("123456789"), 8)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("error = %v, want ErrBodyTooLarge", err)
	}
}

func TestErrorBodyTruncates(t *testing.T) {
	body := ErrorBody(strings.NewReader(strings.Repeat("x", 10000)))
	if len(body) != 4<<10 {
		t.Errorf("len = %d, want %d", len(body), 4<<10)
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("reading frame: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"reset", syscall.ECONNRESET, true},
		{"websocket normal", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true},
		{"websocket protocol error", &websocket.CloseError{Code: websocket.CloseProtocolError}, false},
		{"other", errors.New("boom"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsExpectedCloseError(test.err); got != test.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}
