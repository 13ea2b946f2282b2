// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for every persisted
// record blob: connection access grants, circle definitions, wrapped
// key material, pending requests, and pagination cursors.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. The same
// logical record always produces identical bytes, which keeps store
// writes idempotent and makes grant blobs comparable byte-for-byte in
// tests. Decoding ignores unknown fields for forward compatibility.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// handle.Handle and uuid.UUID implement encoding.TextMarshaler and
	// must serialize as CBOR text strings. Without this, struct fields
	// with unexported data would serialize as empty CBOR maps.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Map keys in this system are always strings. any-typed targets
		// (contact data attributes) decode as map[string]any rather than
		// the CBOR default map[interface{}]interface{}.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Mirror of TextMarshaler above for round-trip correctness.
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decoding of a
// nested blob. Type alias so consumers import only lib/codec.
type RawMessage = cbor.RawMessage
