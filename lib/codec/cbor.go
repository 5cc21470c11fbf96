// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

// MaxFrameItems bounds array and map sizes accepted from peers. A
// single awareness update or peer frame never comes close.
const MaxFrameItems = 1 << 16

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// Session timestamps round-trip exactly.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: building CBOR encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Untyped targets decode maps as map[string]any so decoded
		// values interoperate with encoding/json.
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: MaxFrameItems,
		MaxMapPairs:      MaxFrameItems,
	}.DecMode()
	if err != nil {
		panic("codec: building CBOR decoder: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an undecoded CBOR item, used to defer decoding of a
// frame body until its kind is known.
type RawMessage = cbor.RawMessage

// Encoder writes a stream of CBOR items.
type Encoder = cbor.Encoder

// Decoder reads a stream of CBOR items.
type Decoder = cbor.Decoder

// NewEncoder returns a deterministic encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
