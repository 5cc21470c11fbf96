// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/collabify/lib/codec"
	"github.com/bureau-foundation/collabify/lib/netutil"
)

// frameKind tags a message on the peer channel.
type frameKind uint8

const (
	frameSync           frameKind = 1
	frameAwareness      frameKind = 2
	frameAwarenessQuery frameKind = 3
)

func (k frameKind) String() string {
	switch k {
	case frameSync:
		return "sync"
	case frameAwareness:
		return "awareness"
	case frameAwarenessQuery:
		return "awareness-query"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// MaxFragment is the largest payload carried by one frame. Larger
// messages are split. Data channel messages stay well under the SCTP
// limits every browser and pion accept.
const MaxFragment = 16 << 10

// maxFrameSize bounds the encoded frame, payload plus CBOR envelope.
const maxFrameSize = MaxFragment + 64

// channelBufferSize must hold the largest single channel message,
// since detached data channels fail reads into a smaller buffer.
const channelBufferSize = 64 << 10

// frame is the CBOR envelope for one fragment. More is set on every
// fragment but the last of a message.
type frame struct {
	Kind frameKind `cbor:"k"`
	More bool      `cbor:"m,omitempty"`
	Data []byte    `cbor:"d,omitempty"`
}

// frameWriter writes length-prefixed frames, one channel message per
// frame. Not safe for concurrent use.
type frameWriter struct {
	w io.Writer
}

func (fw *frameWriter) writeMessage(kind frameKind, payload []byte) error {
	for {
		chunk := payload
		more := false
		if len(chunk) > MaxFragment {
			chunk = payload[:MaxFragment]
			more = true
		}
		body, err := codec.Marshal(frame{Kind: kind, More: more, Data: chunk})
		if err != nil {
			return fmt.Errorf("encoding %s frame: %w", kind, err)
		}
		message := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(message, uint32(len(body)))
		copy(message[4:], body)
		if _, err := fw.w.Write(message); err != nil {
			return err
		}
		if !more {
			return nil
		}
		payload = payload[MaxFragment:]
	}
}

// frameReader reassembles messages written by frameWriter.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	if buffered, ok := r.(*bufio.Reader); ok {
		return &frameReader{r: buffered}
	}
	return &frameReader{r: bufio.NewReaderSize(r, channelBufferSize)}
}

func (fr *frameReader) readMessage() (frameKind, []byte, error) {
	var (
		kind    frameKind
		message []byte
		started bool
	)
	var header [4]byte
	for {
		if _, err := io.ReadFull(fr.r, header[:]); err != nil {
			return 0, nil, err
		}
		size := binary.BigEndian.Uint32(header[:])
		if size > maxFrameSize {
			return 0, nil, fmt.Errorf("frame of %d bytes exceeds %d", size, maxFrameSize)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(fr.r, body); err != nil {
			return 0, nil, err
		}
		var f frame
		if err := codec.Unmarshal(body, &f); err != nil {
			return 0, nil, fmt.Errorf("decoding frame: %w", err)
		}
		if started && f.Kind != kind {
			return 0, nil, fmt.Errorf("%s fragment interleaved into %s message", f.Kind, kind)
		}
		kind, started = f.Kind, true
		if int64(len(message)+len(f.Data)) > netutil.MaxDocumentSize {
			return 0, nil, fmt.Errorf("%s message exceeds %d bytes", kind, netutil.MaxDocumentSize)
		}
		message = append(message, f.Data...)
		if !f.More {
			return kind, message, nil
		}
	}
}
