// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"encoding/base64"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/kinship-foundation/kinship/lib/codec"
	"github.com/kinship-foundation/kinship/lib/handle"
)

// cursor is the resumption point of a paged list: the creation
// timestamp of the last row returned plus a per-row tiebreaker, so
// rows created in the same millisecond page deterministically.
// Callers see only the opaque encoded form; the shape here is free to
// change.
type cursor struct {
	CreatedMilli int64  `cbor:"c"`
	Tiebreak     []byte `cbor:"t"`
}

// rowTiebreak derives the stable per-row tiebreaker from the identity.
func rowTiebreak(identity handle.Handle) []byte {
	sum := blake3.Sum256([]byte(identity.String()))
	return sum[:16]
}

func encodeCursor(c cursor) (string, error) {
	data, err := codec.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("connection: encoding cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeCursor(token string) (cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("connection: invalid cursor: %w", err)
	}
	var c cursor
	if err := codec.Unmarshal(data, &c); err != nil {
		return cursor{}, fmt.Errorf("connection: invalid cursor: %w", err)
	}
	return c, nil
}
