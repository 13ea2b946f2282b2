// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package circle manages circle definitions: named, reusable bundles
// of drive grants and permission keys. Definitions are stored in
// SQLite; the per-connection materializations of them (circle grants)
// live with the connection records in lib/connection.
//
// Three system circles with fixed ids always exist. They cannot be
// deleted, and connected-identities keeps its drive list synchronized
// with the set of anonymous-readable drives.
package circle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/grant"
)

// System circle ids. Fixed so every node agrees on them.
var (
	// ConnectedIdentities is auto-populated with a read grant on
	// every anonymous-readable drive. Every connection is a member.
	ConnectedIdentities = uuid.MustParse("8f25c3da-1b4e-4a09-9c72-3e85d6f10a27")

	// AutoConnections is the low-trust tier that auto-accepted,
	// introduction-origin connections land in.
	AutoConnections = uuid.MustParse("2c7b9e41-6d38-4f5a-8013-b9a4e2c75d86")

	// ConfirmedConnections is the elevated-trust tier. Its
	// permission set carries allow-introductions, so members may
	// introduce this node's connections to each other.
	ConfirmedConnections = uuid.MustParse("d1a8f4b2-0c96-4e73-a5d8-7f312b6c90e5")
)

// IsSystemCircle reports whether id names one of the predefined
// system circles.
func IsSystemCircle(id uuid.UUID) bool {
	return id == ConnectedIdentities || id == AutoConnections || id == ConfirmedConnections
}

// Definition is a circle definition. The drive grants and permission
// keys here are templates; granting the circle to a connection
// materializes them into a grant.CircleGrant with wrapped keys.
type Definition struct {
	ID          uuid.UUID                 `cbor:"id"`
	Name        string                    `cbor:"name"`
	DriveGrants []grant.DriveGrantRequest `cbor:"drive_grants"`
	Permissions grant.PermissionSet       `cbor:"permissions"`

	// System marks the predefined circles. Derived from the id on
	// write; never settable by callers.
	System bool `cbor:"system"`

	// Disabled circles keep their definitions and their members'
	// grants, but contribute nothing to composed permission
	// contexts until re-enabled.
	Disabled bool `cbor:"disabled"`

	Created time.Time `cbor:"created"`
	Updated time.Time `cbor:"updated"`
}

// DriveService is the drive/ACL collaborator. Drive grants are
// validated against it, and the connected-identities system circle
// derives its drive list from ListAnonymousDrives.
type DriveService interface {
	DriveExists(ctx context.Context, driveID uuid.UUID) (bool, error)
	DriveAllowsAnonymousRead(ctx context.Context, driveID uuid.UUID) (bool, error)
	ListAnonymousDrives(ctx context.Context) ([]uuid.UUID, error)
}
