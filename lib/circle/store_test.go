// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package circle

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/clock"
	"github.com/kinship-foundation/kinship/lib/fault"
	"github.com/kinship-foundation/kinship/lib/grant"
	"github.com/kinship-foundation/kinship/lib/sqlitepool"
)

type storeFixture struct {
	store  *Store
	drives *FakeDriveService
	clock  *clock.FakeClock
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "circles.db"),
		PoolSize: 2,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	drives := NewFakeDriveService()
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store, err := OpenStore(context.Background(), StoreConfig{
		Pool:   pool,
		Drives: drives,
		Clock:  fakeClock,
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return &storeFixture{store: store, drives: drives, clock: fakeClock}
}

func TestCreateGetRoundTrip(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	driveID := fixture.drives.AddDrive(false)

	created, err := fixture.store.Create(ctx, Definition{
		Name:        "family",
		DriveGrants: []grant.DriveGrantRequest{{DriveID: driveID, Access: grant.AccessRead}},
		Permissions: grant.NewPermissionSet("photos"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Fatal("Create assigned no id")
	}
	if created.System {
		t.Error("non-system circle marked system")
	}

	got, err := fixture.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "family" {
		t.Errorf("Name = %q", got.Name)
	}
	if len(got.DriveGrants) != 1 || got.DriveGrants[0].DriveID != driveID {
		t.Errorf("DriveGrants = %v", got.DriveGrants)
	}
	if !got.Permissions.Has("photos") {
		t.Error("permissions not persisted")
	}
	if !got.Created.Equal(fixture.clock.Now().UTC()) {
		t.Errorf("Created = %v", got.Created)
	}
}

func TestGetUnknownCircle(t *testing.T) {
	fixture := newStoreFixture(t)
	_, err := fixture.store.Get(context.Background(), uuid.New())
	if !fault.HasCode(err, fault.CodeUnknownCircle) {
		t.Fatalf("err = %v, want unknown-circle", err)
	}
}

func TestCreateRejectsUnknownDrive(t *testing.T) {
	fixture := newStoreFixture(t)
	_, err := fixture.store.Create(context.Background(), Definition{
		Name:        "broken",
		DriveGrants: []grant.DriveGrantRequest{{DriveID: uuid.New(), Access: grant.AccessRead}},
	})
	if !fault.HasCode(err, fault.CodeInvalidDriveGrant) {
		t.Fatalf("err = %v, want invalid-drive-grant", err)
	}
}

func TestCreateRejectsEmptyAccessMask(t *testing.T) {
	fixture := newStoreFixture(t)
	driveID := fixture.drives.AddDrive(false)
	_, err := fixture.store.Create(context.Background(), Definition{
		Name:        "broken",
		DriveGrants: []grant.DriveGrantRequest{{DriveID: driveID}},
	})
	if !fault.HasCode(err, fault.CodeInvalidDriveGrant) {
		t.Fatalf("err = %v, want invalid-drive-grant", err)
	}
}

func TestUpdateReplacesGrants(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	first := fixture.drives.AddDrive(false)
	second := fixture.drives.AddDrive(false)

	created, err := fixture.store.Create(ctx, Definition{
		Name:        "friends",
		DriveGrants: []grant.DriveGrantRequest{{DriveID: first, Access: grant.AccessRead}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fixture.clock.Advance(time.Hour)
	created.DriveGrants = []grant.DriveGrantRequest{{DriveID: second, Access: grant.AccessRead | grant.AccessWrite}}
	created.Name = "close-friends"
	updated, err := fixture.store.Update(ctx, created)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.Updated.After(updated.Created) {
		t.Error("Updated timestamp not advanced")
	}

	got, err := fixture.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "close-friends" {
		t.Errorf("Name = %q", got.Name)
	}
	if len(got.DriveGrants) != 1 || got.DriveGrants[0].DriveID != second {
		t.Errorf("DriveGrants = %v", got.DriveGrants)
	}
}

func TestDeleteCircle(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()

	created, err := fixture.store.Create(ctx, Definition{Name: "ephemeral"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fixture.store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fixture.store.Get(ctx, created.ID); !fault.HasCode(err, fault.CodeUnknownCircle) {
		t.Fatalf("Get after delete: %v", err)
	}
}

func TestDeleteSystemCircleRejected(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	if err := fixture.store.EnsureSystemCircles(ctx); err != nil {
		t.Fatalf("EnsureSystemCircles: %v", err)
	}
	for _, id := range []uuid.UUID{ConnectedIdentities, AutoConnections, ConfirmedConnections} {
		if err := fixture.store.Delete(ctx, id); !fault.HasCode(err, fault.CodeSystemCircle) {
			t.Errorf("Delete(%s): err = %v, want system-circle", id, err)
		}
	}
}

func TestDisableEnable(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()

	created, err := fixture.store.Create(ctx, Definition{Name: "toggled"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !fixture.store.IsEnabled(ctx, created.ID) {
		t.Fatal("fresh circle not enabled")
	}

	if err := fixture.store.Disable(ctx, created.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if fixture.store.IsEnabled(ctx, created.ID) {
		t.Fatal("disabled circle reports enabled")
	}

	if err := fixture.store.Enable(ctx, created.ID); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !fixture.store.IsEnabled(ctx, created.ID) {
		t.Fatal("re-enabled circle reports disabled")
	}

	if fixture.store.IsEnabled(ctx, uuid.New()) {
		t.Error("unknown circle reports enabled")
	}
}

func TestEnsureSystemCircles(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	anonymous := fixture.drives.AddDrive(true)
	fixture.drives.AddDrive(false)

	if err := fixture.store.EnsureSystemCircles(ctx); err != nil {
		t.Fatalf("EnsureSystemCircles: %v", err)
	}

	connected, err := fixture.store.Get(ctx, ConnectedIdentities)
	if err != nil {
		t.Fatalf("Get connected-identities: %v", err)
	}
	if !connected.System {
		t.Error("connected-identities not marked system")
	}
	if len(connected.DriveGrants) != 1 || connected.DriveGrants[0].DriveID != anonymous {
		t.Errorf("connected-identities drives = %v, want only the anonymous drive", connected.DriveGrants)
	}

	confirmed, err := fixture.store.Get(ctx, ConfirmedConnections)
	if err != nil {
		t.Fatalf("Get confirmed-connections: %v", err)
	}
	if !confirmed.Permissions.Has(grant.PermissionAllowIntroductions) {
		t.Error("confirmed-connections missing allow-introductions")
	}

	if _, err := fixture.store.Get(ctx, AutoConnections); err != nil {
		t.Fatalf("Get auto-connections: %v", err)
	}

	// Idempotent.
	if err := fixture.store.EnsureSystemCircles(ctx); err != nil {
		t.Fatalf("second EnsureSystemCircles: %v", err)
	}
}

func TestHandleDriveUpdatedRefreshesConnectedIdentities(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	driveID := fixture.drives.AddDrive(true)
	if err := fixture.store.EnsureSystemCircles(ctx); err != nil {
		t.Fatalf("EnsureSystemCircles: %v", err)
	}

	fixture.drives.SetAnonymousRead(driveID, false)
	if err := fixture.store.HandleDriveUpdated(ctx, driveID); err != nil {
		t.Fatalf("HandleDriveUpdated: %v", err)
	}
	connected, err := fixture.store.Get(ctx, ConnectedIdentities)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(connected.DriveGrants) != 0 {
		t.Errorf("drive grants = %v, want empty after ACL change", connected.DriveGrants)
	}

	added := fixture.drives.AddDrive(true)
	if err := fixture.store.HandleDriveAdded(ctx, added); err != nil {
		t.Fatalf("HandleDriveAdded: %v", err)
	}
	connected, err = fixture.store.Get(ctx, ConnectedIdentities)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(connected.DriveGrants) != 1 || connected.DriveGrants[0].DriveID != added {
		t.Errorf("drive grants = %v, want the new anonymous drive", connected.DriveGrants)
	}
}
