// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package connection owns the durable record kept for every remote
// identity: its status, its access grant, and the metadata describing
// how the relationship came to exist. The registry is the only writer
// of connection records; the circle membership index and the app-grant
// relation are derived projections maintained inside the same
// transactions.
package connection

import (
	"fmt"
	"time"

	"github.com/kinship-foundation/kinship/lib/grant"
	"github.com/kinship-foundation/kinship/lib/handle"
	"github.com/kinship-foundation/kinship/lib/keywrap"
)

// Status is the lifecycle state of a connection.
type Status int

const (
	// StatusNone means no relationship exists. Never persisted: a
	// record reaching None is deleted, and Get synthesizes a None
	// record for identities it has never seen.
	StatusNone Status = iota

	// StatusOutgoing means this node sent a request awaiting the
	// remote party's acceptance.
	StatusOutgoing

	// StatusIncoming means the remote party sent a request awaiting
	// this node's acceptance.
	StatusIncoming

	// StatusConnected means both sides accepted; an access grant
	// exists.
	StatusConnected

	// StatusBlocked means the owner blocked the identity. The grant
	// is retained so unblocking restores it, but every request and
	// introduction from the identity is rejected.
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOutgoing:
		return "outgoing"
	case StatusIncoming:
		return "incoming"
	case StatusConnected:
		return "connected"
	case StatusBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Origin records how a connection came to exist.
type Origin int

const (
	// OriginManual is a directly sent or received request.
	OriginManual Origin = iota

	// OriginIntroduction is a request derived from a third-party
	// introduction. The record carries the introducer.
	OriginIntroduction
)

func (o Origin) String() string {
	switch o {
	case OriginManual:
		return "manual"
	case OriginIntroduction:
		return "introduction"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// ContactData is display metadata for the remote identity.
type ContactData struct {
	Name     string `cbor:"name,omitempty"`
	ImageURL string `cbor:"image_url,omitempty"`
}

// Record is the full connection record for one remote identity. At
// most one live record exists per identity.
type Record struct {
	Identity handle.Handle
	Status   Status

	// Grant is nil exactly while status is None, Outgoing, or
	// Incoming; no grant exists before mutual acceptance.
	Grant *grant.AccessGrant

	// EncryptedClientToken is the remote party's access token
	// wrapped under the connection's keystore key. Handed back to
	// the remote party during the handshake.
	EncryptedClientToken keywrap.WrappedKey

	Origin     Origin
	Introducer handle.Handle
	Contact    ContactData

	Created time.Time
	Updated time.Time
}

// Validate checks the grant/status invariant.
func (r *Record) Validate() error {
	hasGrant := r.Grant != nil
	needsGrant := r.Status == StatusConnected || r.Status == StatusBlocked
	if hasGrant != needsGrant {
		return fmt.Errorf("connection %s: status %s with grant=%t", r.Identity, r.Status, hasGrant)
	}
	if r.Origin == OriginIntroduction && r.Status != StatusNone && r.Introducer.IsZero() {
		return fmt.Errorf("connection %s: introduction origin without introducer", r.Identity)
	}
	return nil
}

// IsConnected reports whether the record is in Connected status.
func (r *Record) IsConnected() bool { return r.Status == StatusConnected }
