// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/fault"
	"github.com/kinship-foundation/kinship/lib/keywrap"
	"github.com/kinship-foundation/kinship/lib/tenant"
)

// ExchangeGrant is one merged unit inside a permission context: drive
// grants plus scalar permission keys from a single source (one circle,
// or one app across all its circles, or the synthesized feed grant).
type ExchangeGrant struct {
	DriveGrants []DriveGrant
	Permissions PermissionSet
}

// PermissionContext is the merged authorization object for one
// authenticated call. Request-scoped: composed fresh per request,
// never persisted, never cached across identities.
type PermissionContext struct {
	// RegistrationID identifies the access registration the context
	// is bound to.
	RegistrationID uuid.UUID

	// Grants is keyed by source: "circle:<id>", "app:<id>", "feed".
	Grants map[string]ExchangeGrant

	// PermissionKeys is the flat union of every grant's permission
	// set plus the ambient keys from tenant policy.
	PermissionKeys PermissionSet
}

// HasPermission reports whether the context carries the given scalar
// permission key.
func (c *PermissionContext) HasPermission(key string) bool {
	return c.PermissionKeys.Has(key)
}

// DriveAccess returns the union of access the context holds on one
// drive across every grant.
func (c *PermissionContext) DriveAccess(driveID uuid.UUID) AccessMask {
	var mask AccessMask
	for _, exchangeGrant := range c.Grants {
		for _, driveGrant := range exchangeGrant.DriveGrants {
			if driveGrant.Request.DriveID == driveID {
				mask |= driveGrant.Request.Access
			}
		}
	}
	return mask
}

// Composer builds permission contexts. Enabled is consulted for every
// circle id encountered; disabled circles are filtered out of the
// composition without touching the underlying grants.
type Composer struct {
	Settings tenant.Settings
	Enabled  func(circleID uuid.UUID) bool
}

// Compose merges every currently-enabled grant of an access grant into
// one permission context bound to the presented token, and reports
// which circle ids contributed (deduplicated across the direct and
// app-derived paths).
//
// Token validation happens before any grant is touched: an absent
// access grant or a failed half-key verification yields an
// unauthorized fault and no partial context.
func (c *Composer) Compose(accessGrant *AccessGrant, token ClientAuthToken, applyAppGrants bool) (*PermissionContext, []uuid.UUID, error) {
	if c.Enabled == nil {
		return nil, nil, fmt.Errorf("grant: composer has no enabled-circle source")
	}
	if accessGrant == nil {
		return nil, nil, fault.Unauthorized("forbidden")
	}
	if err := accessGrant.Registration.Verify(token); err != nil {
		return nil, nil, fault.Unauthorized("forbidden")
	}

	context := &PermissionContext{
		RegistrationID: accessGrant.Registration.ID,
		Grants:         make(map[string]ExchangeGrant),
	}
	enabled := make(map[uuid.UUID]bool)
	var enabledIDs []uuid.UUID

	// Direct circle grants.
	for circleID, circleGrant := range accessGrant.CircleGrants {
		if !c.Enabled(circleID) {
			continue
		}
		enabled[circleID] = true
		enabledIDs = append(enabledIDs, circleID)
		context.Grants["circle:"+circleID.String()] = ExchangeGrant{
			DriveGrants: circleGrant.DriveGrants,
			Permissions: circleGrant.Permissions,
		}
		context.PermissionKeys = context.PermissionKeys.Merge(circleGrant.Permissions)
	}

	// App-derived grants, merged per app id. The enabled map doubles
	// as a cache so a circle already admitted in the direct pass is
	// not re-checked.
	if applyAppGrants {
		for _, appGrant := range accessGrant.AppGrants {
			circleEnabled, checked := enabled[appGrant.CircleID]
			if !checked {
				circleEnabled = c.Enabled(appGrant.CircleID)
				enabled[appGrant.CircleID] = circleEnabled
				if circleEnabled {
					enabledIDs = append(enabledIDs, appGrant.CircleID)
				}
			}
			if !circleEnabled {
				continue
			}

			key := "app:" + appGrant.AppID.String()
			merged := context.Grants[key]
			merged.DriveGrants = append(merged.DriveGrants, appGrant.DriveGrants...)
			merged.Permissions = merged.Permissions.Merge(appGrant.Permissions)
			context.Grants[key] = merged
			context.PermissionKeys = context.PermissionKeys.Merge(appGrant.Permissions)
		}
	}

	// Feed grant: write-only access to the feed drive from a
	// throwaway keystore key generated for this call only.
	feedGrant, err := newFeedGrant()
	if err != nil {
		return nil, nil, err
	}
	context.Grants["feed"] = feedGrant

	// Ambient permission keys from tenant policy.
	var ambient []string
	if c.Settings.ConnectedCanViewConnections {
		ambient = append(ambient, PermissionViewConnections)
	}
	if c.Settings.ConnectedCanViewWhoIFollow {
		ambient = append(ambient, PermissionViewWhoIFollow)
	}
	context.PermissionKeys = context.PermissionKeys.Merge(ambient)

	return context, enabledIDs, nil
}

// newFeedGrant synthesizes the write-only feed drive grant. The
// throwaway keystore key and the fresh drive key both die with this
// call; only the wrapped form reaches the context.
func newFeedGrant() (ExchangeGrant, error) {
	throwaway, err := keywrap.NewKey()
	if err != nil {
		return ExchangeGrant{}, fmt.Errorf("grant: feed keystore key: %w", err)
	}
	defer throwaway.Close()

	feedKey, err := keywrap.NewKey()
	if err != nil {
		return ExchangeGrant{}, fmt.Errorf("grant: feed drive key: %w", err)
	}
	defer feedKey.Close()

	wrapped, err := keywrap.Wrap(feedKey, throwaway)
	if err != nil {
		return ExchangeGrant{}, fmt.Errorf("grant: wrapping feed drive key: %w", err)
	}

	return ExchangeGrant{
		DriveGrants: []DriveGrant{{
			Request: DriveGrantRequest{
				DriveID: FeedDrive,
				Access:  AccessWrite,
			},
			WrappedDriveKey: wrapped,
		}},
	}, nil
}
