// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type frameSample struct {
	Kind string `cbor:"kind"`
	Body []byte `cbor:"body,omitempty"`
	Seq  uint64 `cbor:"seq"`
}

func TestMarshalDeterministic(t *testing.T) {
	// Map iteration order is random in Go; deterministic encoding must
	// still produce identical bytes.
	value := map[string]int{"zeta": 1, "alpha": 2, "mid": 3}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 20 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs between calls: %x vs %x", first, again)
		}
	}
}

func TestUntypedMapsDecodeWithStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"user": map[string]any{"name": "Ada"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	inner, ok := outer["user"].(map[string]any)
	if !ok {
		t.Fatalf("nested type = %T, want map[string]any", outer["user"])
	}
	if inner["name"] != "Ada" {
		t.Errorf("name = %v, want Ada", inner["name"])
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	frames := []frameSample{
		{Kind: "sync", Body: []byte{1, 2, 3}, Seq: 1},
		{Kind: "awareness", Seq: 2},
	}
	for _, frame := range frames {
		if err := encoder.Encode(frame); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for index, want := range frames {
		var got frameSample
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode frame %d: %v", index, err)
		}
		if got.Kind != want.Kind || got.Seq != want.Seq || !bytes.Equal(got.Body, want.Body) {
			t.Errorf("frame %d = %+v, want %+v", index, got, want)
		}
	}
}

func TestRawMessageDefersDecoding(t *testing.T) {
	type envelope struct {
		Kind string     `cbor:"kind"`
		Body RawMessage `cbor:"body"`
	}
	body, err := Marshal(frameSample{Kind: "inner", Seq: 9})
	if err != nil {
		t.Fatalf("Marshal body: %v", err)
	}
	data, err := Marshal(envelope{Kind: "outer", Body: body})
	if err != nil {
		t.Fatalf("Marshal envelope: %v", err)
	}

	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	var inner frameSample
	if err := Unmarshal(decoded.Body, &inner); err != nil {
		t.Fatalf("Unmarshal body: %v", err)
	}
	if inner.Seq != 9 || inner.Kind != "inner" {
		t.Errorf("inner = %+v, want kind=inner seq=9", inner)
	}
}
