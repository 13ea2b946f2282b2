// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/fault"
	"github.com/kinship-foundation/kinship/lib/tenant"
)

// composeFixture builds an access grant with two direct circle grants
// and one app grant per circle, plus a valid token.
type composeFixture struct {
	grant       *AccessGrant
	token       ClientAuthToken
	circleOne   uuid.UUID
	circleTwo   uuid.UUID
	appID       uuid.UUID
	disabledSet map[uuid.UUID]bool
}

func newComposeFixture(t *testing.T) *composeFixture {
	t.Helper()

	registration, token, err := NewAccessRegistration(time.Now())
	if err != nil {
		t.Fatalf("NewAccessRegistration: %v", err)
	}
	t.Cleanup(func() { token.Close() })

	fixture := &composeFixture{
		token:       token,
		circleOne:   uuid.New(),
		circleTwo:   uuid.New(),
		appID:       uuid.New(),
		disabledSet: make(map[uuid.UUID]bool),
	}
	fixture.grant = &AccessGrant{
		CircleGrants: map[uuid.UUID]CircleGrant{
			fixture.circleOne: {
				CircleID:    fixture.circleOne,
				Permissions: NewPermissionSet("photos"),
			},
			fixture.circleTwo: {
				CircleID:    fixture.circleTwo,
				Permissions: NewPermissionSet("calendar"),
			},
		},
		AppGrants: []AppCircleGrant{
			{AppID: fixture.appID, CircleID: fixture.circleOne, Permissions: NewPermissionSet("app-read")},
			{AppID: fixture.appID, CircleID: fixture.circleTwo, Permissions: NewPermissionSet("app-write")},
		},
		Registration: registration,
	}
	return fixture
}

func (f *composeFixture) composer(settings tenant.Settings) *Composer {
	return &Composer{
		Settings: settings,
		Enabled:  func(circleID uuid.UUID) bool { return !f.disabledSet[circleID] },
	}
}

func TestComposeMergesEnabledGrants(t *testing.T) {
	fixture := newComposeFixture(t)
	composer := fixture.composer(tenant.Settings{})

	context, enabledIDs, err := composer.Compose(fixture.grant, fixture.token, true)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if len(enabledIDs) != 2 {
		t.Fatalf("enabledIDs = %v, want both circles once each", enabledIDs)
	}
	seen := map[uuid.UUID]int{}
	for _, id := range enabledIDs {
		seen[id]++
	}
	if seen[fixture.circleOne] != 1 || seen[fixture.circleTwo] != 1 {
		t.Errorf("enabledIDs double-counted: %v", enabledIDs)
	}

	for _, key := range []string{"photos", "calendar", "app-read", "app-write"} {
		if !context.HasPermission(key) {
			t.Errorf("missing permission %q", key)
		}
	}

	// Two app grants for the same app collapse into one exchange
	// grant.
	if _, ok := context.Grants["app:"+fixture.appID.String()]; !ok {
		t.Error("missing merged app exchange grant")
	}
	appGrant := context.Grants["app:"+fixture.appID.String()]
	if !appGrant.Permissions.Has("app-read") || !appGrant.Permissions.Has("app-write") {
		t.Errorf("app grant permissions not merged: %v", appGrant.Permissions)
	}
}

func TestComposeFiltersDisabledCircles(t *testing.T) {
	fixture := newComposeFixture(t)
	fixture.disabledSet[fixture.circleTwo] = true
	composer := fixture.composer(tenant.Settings{})

	context, enabledIDs, err := composer.Compose(fixture.grant, fixture.token, true)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if len(enabledIDs) != 1 || enabledIDs[0] != fixture.circleOne {
		t.Fatalf("enabledIDs = %v, want only circleOne", enabledIDs)
	}
	if context.HasPermission("calendar") {
		t.Error("disabled circle's permission leaked into the context")
	}
	if context.HasPermission("app-write") {
		t.Error("disabled circle's app grant leaked into the context")
	}
	// The grant itself is untouched: re-enabling restores it on the
	// next composition without re-granting.
	if _, ok := fixture.grant.CircleGrants[fixture.circleTwo]; !ok {
		t.Error("underlying circle grant was deleted")
	}

	fixture.disabledSet[fixture.circleTwo] = false
	restored, _, err := composer.Compose(fixture.grant, fixture.token, true)
	if err != nil {
		t.Fatalf("Compose after re-enable: %v", err)
	}
	if !restored.HasPermission("calendar") {
		t.Error("re-enabled circle not restored")
	}
}

func TestComposeSkipsAppGrantsWhenNotApplied(t *testing.T) {
	fixture := newComposeFixture(t)
	composer := fixture.composer(tenant.Settings{})

	context, _, err := composer.Compose(fixture.grant, fixture.token, false)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if context.HasPermission("app-read") {
		t.Error("app grant applied despite applyAppGrants=false")
	}
	if !context.HasPermission("photos") {
		t.Error("direct circle grant missing")
	}
}

func TestComposeAlwaysIncludesFeedGrant(t *testing.T) {
	fixture := newComposeFixture(t)
	composer := fixture.composer(tenant.Settings{})

	context, _, err := composer.Compose(fixture.grant, fixture.token, false)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	access := context.DriveAccess(FeedDrive)
	if !access.CanWrite() {
		t.Error("feed drive grant missing write access")
	}
	if access.CanRead() {
		t.Error("feed drive grant must be write-only")
	}

	// A second composition gets a distinct throwaway wrapping.
	second, _, err := composer.Compose(fixture.grant, fixture.token, false)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	first := context.Grants["feed"].DriveGrants[0].WrappedDriveKey
	other := second.Grants["feed"].DriveGrants[0].WrappedDriveKey
	if string(first.Ciphertext) == string(other.Ciphertext) {
		t.Error("feed grant key material reused across compositions")
	}
}

func TestComposeAmbientPermissionKeys(t *testing.T) {
	fixture := newComposeFixture(t)
	composer := fixture.composer(tenant.Settings{
		ConnectedCanViewConnections: true,
	})

	context, _, err := composer.Compose(fixture.grant, fixture.token, false)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if !context.HasPermission(PermissionViewConnections) {
		t.Error("view-connections ambient key missing")
	}
	if context.HasPermission(PermissionViewWhoIFollow) {
		t.Error("view-who-i-follow granted without the policy flag")
	}
}

func TestComposeUnauthorizedBeforeTouchingGrants(t *testing.T) {
	fixture := newComposeFixture(t)
	composer := fixture.composer(tenant.Settings{})

	if _, _, err := composer.Compose(nil, fixture.token, true); !fault.IsKind(err, fault.KindUnauthorized) {
		t.Fatalf("Compose with nil grant: err = %v, want unauthorized", err)
	}

	badToken := fixture.token
	badToken.RegistrationID = uuid.New()
	context, ids, err := composer.Compose(fixture.grant, badToken, true)
	if !fault.IsKind(err, fault.KindUnauthorized) {
		t.Fatalf("Compose with bad token: err = %v, want unauthorized", err)
	}
	if context != nil || ids != nil {
		t.Error("partial context returned for an unauthenticated caller")
	}
}
