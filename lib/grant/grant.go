// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package grant defines the capability model: drive grants wrapped
// under a per-connection keystore key, circle grants materialized from
// circle definitions, app-scoped circle grants, and the request-scoped
// permission context composed from all of them.
//
// The key hierarchy has two wrapping levels. Each connection owns a
// keystore key, stored only wrapped under the node master key. Each
// drive key inside a grant is stored only wrapped under that keystore
// key. Plaintext keystore keys exist solely inside
// keywrap.WithUnwrapped callbacks and are wiped on every exit path.
package grant

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/keywrap"
	"github.com/kinship-foundation/kinship/lib/secret"
)

// FeedDrive is the well-known drive every composed permission context
// receives a write-only grant to, so a connected party can push feed
// updates without holding real circle-scoped keys.
var FeedDrive = uuid.MustParse("b4f1c2d0-9e3a-4c57-8f21-6a0d5e7b9c14")

// AccessMask is the permission bits of a drive grant.
type AccessMask uint8

const (
	AccessRead AccessMask = 1 << iota
	AccessWrite
)

// CanRead reports whether the mask includes read access.
func (m AccessMask) CanRead() bool { return m&AccessRead != 0 }

// CanWrite reports whether the mask includes write access.
func (m AccessMask) CanWrite() bool { return m&AccessWrite != 0 }

func (m AccessMask) String() string {
	var parts []string
	if m.CanRead() {
		parts = append(parts, "read")
	}
	if m.CanWrite() {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// DriveGrantRequest names a drive and the access requested on it. It
// appears in circle definitions and app grant templates; it carries no
// key material.
type DriveGrantRequest struct {
	DriveID uuid.UUID  `cbor:"drive_id"`
	Access  AccessMask `cbor:"access"`
}

// DriveGrant is a materialized drive grant: the request plus the
// drive's key wrapped under the owning connection's keystore key.
type DriveGrant struct {
	Request         DriveGrantRequest  `cbor:"request"`
	WrappedDriveKey keywrap.WrappedKey `cbor:"wrapped_drive_key"`
}

// CircleGrant is the per-connection materialization of a circle
// definition. Destroyed on revoke, regenerated in place whenever the
// parent definition changes.
type CircleGrant struct {
	CircleID    uuid.UUID     `cbor:"circle_id"`
	DriveGrants []DriveGrant  `cbor:"drive_grants"`
	Permissions PermissionSet `cbor:"permissions"`
}

// AppCircleGrant is a grant scoped to one (app, circle) pair, built
// from the app's circle-member template rather than the circle's own
// definition. It exists only while the app authorizes the circle and
// the identity is a member of it.
type AppCircleGrant struct {
	AppID       uuid.UUID     `cbor:"app_id"`
	CircleID    uuid.UUID     `cbor:"circle_id"`
	DriveGrants []DriveGrant  `cbor:"drive_grants"`
	Permissions PermissionSet `cbor:"permissions"`
}

// AccessGrant is the grant half of a connection record. Present only
// once a connection reaches Connected (or was Connected before being
// blocked).
type AccessGrant struct {
	// CircleGrants indexes the connection's circle grants by circle
	// id. Reconstructed on read from the membership index; the
	// stored connection row never carries it.
	CircleGrants map[uuid.UUID]CircleGrant `cbor:"circle_grants"`

	// AppGrants is the flat (app id, circle id) grant relation,
	// reconstructed on read from the app-grant rows.
	AppGrants []AppCircleGrant `cbor:"app_grants"`

	// MasterKeyWrappedKeystoreKey is the connection's keystore key
	// wrapped under the node master key. The only persisted form of
	// the keystore key.
	MasterKeyWrappedKeystoreKey keywrap.WrappedKey `cbor:"wrapped_keystore_key"`

	// Registration binds the remote party's access token to this
	// grant.
	Registration AccessRegistration `cbor:"registration"`
}

// AppGrantsFor returns the app circle grants held for one app.
func (g *AccessGrant) AppGrantsFor(appID uuid.UUID) []AppCircleGrant {
	var grants []AppCircleGrant
	for _, appGrant := range g.AppGrants {
		if appGrant.AppID == appID {
			grants = append(grants, appGrant)
		}
	}
	return grants
}

// AppRegistration describes a registered app: the circles it is
// authorized against and the grant template applied to every member of
// those circles.
type AppRegistration struct {
	ID                uuid.UUID
	Name              string
	AuthorizedCircles []uuid.UUID
	CircleMemberGrant MemberGrantTemplate
}

// MemberGrantTemplate is the drive grants and permission keys an app
// extends to members of its authorized circles.
type MemberGrantTemplate struct {
	DriveGrants []DriveGrantRequest `cbor:"drive_grants"`
	Permissions PermissionSet       `cbor:"permissions"`
}

// AuthorizesCircle reports whether the app's authorized set contains
// circleID.
func (a AppRegistration) AuthorizesCircle(circleID uuid.UUID) bool {
	for _, authorized := range a.AuthorizedCircles {
		if authorized == circleID {
			return true
		}
	}
	return false
}

// AppRegistry is the app-registration collaborator. The reconciliation
// engine and the single-member grant path read the registered apps to
// derive app circle grants.
type AppRegistry interface {
	ListRegisteredApps(ctx context.Context) ([]AppRegistration, error)
}

// DriveKeySource supplies the raw key for a drive so it can be wrapped
// into a grant. Returned buffers are owned by the caller of the
// source; the grant constructors below close them after wrapping.
type DriveKeySource func(driveID uuid.UUID) (*secret.Buffer, error)

// NewCircleGrant materializes a circle grant for one connection:
// each of the circle's drive keys is fetched, wrapped under
// keystoreKey, and wiped; the permission set is copied verbatim. Pure
// apart from key material, no storage I/O.
//
// keystoreKey is borrowed, never closed here. Callers obtain it via
// keywrap.WithUnwrapped on the connection's wrapped keystore key.
func NewCircleGrant(circleID uuid.UUID, requests []DriveGrantRequest, permissions PermissionSet, keystoreKey *secret.Buffer, driveKeys DriveKeySource) (CircleGrant, error) {
	driveGrants, err := wrapDriveGrants(requests, keystoreKey, driveKeys)
	if err != nil {
		return CircleGrant{}, fmt.Errorf("grant: circle %s: %w", circleID, err)
	}
	return CircleGrant{
		CircleID:    circleID,
		DriveGrants: driveGrants,
		Permissions: permissions.Merge(nil),
	}, nil
}

// NewAppCircleGrant materializes an app-scoped grant for one (app,
// circle) pair from the app's circle-member template. Same key
// handling as NewCircleGrant.
func NewAppCircleGrant(app AppRegistration, circleID uuid.UUID, keystoreKey *secret.Buffer, driveKeys DriveKeySource) (AppCircleGrant, error) {
	if !app.AuthorizesCircle(circleID) {
		return AppCircleGrant{}, fmt.Errorf("grant: app %s does not authorize circle %s", app.ID, circleID)
	}
	driveGrants, err := wrapDriveGrants(app.CircleMemberGrant.DriveGrants, keystoreKey, driveKeys)
	if err != nil {
		return AppCircleGrant{}, fmt.Errorf("grant: app %s circle %s: %w", app.ID, circleID, err)
	}
	return AppCircleGrant{
		AppID:       app.ID,
		CircleID:    circleID,
		DriveGrants: driveGrants,
		Permissions: app.CircleMemberGrant.Permissions.Merge(nil),
	}, nil
}

func wrapDriveGrants(requests []DriveGrantRequest, keystoreKey *secret.Buffer, driveKeys DriveKeySource) ([]DriveGrant, error) {
	driveGrants := make([]DriveGrant, 0, len(requests))
	for _, request := range requests {
		driveKey, err := driveKeys(request.DriveID)
		if err != nil {
			return nil, fmt.Errorf("fetching key for drive %s: %w", request.DriveID, err)
		}
		wrapped, err := keywrap.Wrap(driveKey, keystoreKey)
		driveKey.Close()
		if err != nil {
			return nil, fmt.Errorf("wrapping key for drive %s: %w", request.DriveID, err)
		}
		driveGrants = append(driveGrants, DriveGrant{
			Request:         request,
			WrappedDriveKey: wrapped,
		})
	}
	return driveGrants, nil
}
