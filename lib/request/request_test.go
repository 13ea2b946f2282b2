// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/circle"
	"github.com/kinship-foundation/kinship/lib/clock"
	"github.com/kinship-foundation/kinship/lib/connection"
	"github.com/kinship-foundation/kinship/lib/fault"
	"github.com/kinship-foundation/kinship/lib/grant"
	"github.com/kinship-foundation/kinship/lib/handle"
	"github.com/kinship-foundation/kinship/lib/keywrap"
	"github.com/kinship-foundation/kinship/lib/sealed"
	"github.com/kinship-foundation/kinship/lib/secret"
	"github.com/kinship-foundation/kinship/lib/sqlitepool"
	"github.com/kinship-foundation/kinship/lib/tenant"
)

// node is one side of a handshake: its own stores, keys, and service.
type node struct {
	identity  handle.Handle
	service   *Service
	registry  *connection.Registry
	circles   *circle.Store
	drives    *circle.FakeDriveService
	keypair   *sealed.Keypair
	masterKey *secret.Buffer
	clock     *clock.FakeClock
}

func newNode(t *testing.T, raw string, fakeClock *clock.FakeClock) *node {
	t.Helper()
	identity, err := handle.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "kinship.db"),
		PoolSize: 2,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	ctx := context.Background()
	drives := circle.NewFakeDriveService()
	circles, err := circle.OpenStore(ctx, circle.StoreConfig{
		Pool:   pool,
		Drives: drives,
		Clock:  fakeClock,
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := circles.EnsureSystemCircles(ctx); err != nil {
		t.Fatalf("EnsureSystemCircles: %v", err)
	}
	registry, err := connection.OpenRegistry(ctx, connection.RegistryConfig{
		Pool:  pool,
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}

	masterKey, err := keywrap.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	t.Cleanup(func() { masterKey.Close() })
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.PrivateKey.Close() })

	service, err := New(ctx, Config{
		Identity:       identity,
		Contact:        connection.ContactData{Name: raw},
		Pool:           pool,
		Registry:       registry,
		Circles:        circles,
		Apps:           grant.NewFakeAppRegistry(),
		DriveKeys:      drives.KeySource(),
		MasterKey:      masterKey,
		NodePrivateKey: keypair.PrivateKey,
		NodePublicKey:  keypair.PublicKey,
		Settings:       tenant.Defaults(),
		Clock:          fakeClock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &node{
		identity:  identity,
		service:   service,
		registry:  registry,
		circles:   circles,
		drives:    drives,
		keypair:   keypair,
		masterKey: masterKey,
		clock:     fakeClock,
	}
}

func newPair(t *testing.T) (*node, *node) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 4, 12, 8, 0, 0, 0, time.UTC))
	return newNode(t, "alice.kinship.test", fakeClock), newNode(t, "bob.kinship.test", fakeClock)
}

// createCircle makes a circle backed by a fresh drive on the node.
func (n *node) createCircle(t *testing.T, name string) uuid.UUID {
	t.Helper()
	driveID := n.drives.AddDrive(false)
	definition, err := n.circles.Create(context.Background(), circle.Definition{
		Name: name,
		DriveGrants: []grant.DriveGrantRequest{
			{DriveID: driveID, Access: grant.AccessRead | grant.AccessWrite},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return definition.ID
}

func (n *node) status(t *testing.T, other handle.Handle) connection.Status {
	t.Helper()
	record, err := n.registry.Get(context.Background(), other)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return record.Status
}

// handshake runs the full four-leg exchange from a to b, granting the
// given circles on b's side, and returns the two finished records.
func handshake(t *testing.T, a, b *node, bothGrant []uuid.UUID) (connection.Record, connection.Record) {
	t.Helper()
	ctx := context.Background()

	envelope, err := a.service.SendRequest(ctx, SendSpec{
		Recipient:          b.identity,
		RecipientPublicKey: b.keypair.PublicKey,
		Message:            "hello",
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := b.service.ReceiveRequest(ctx, envelope); err != nil {
		t.Fatalf("ReceiveRequest: %v", err)
	}
	ack, err := b.service.AcceptRequest(ctx, a.identity, bothGrant)
	if err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	final, err := a.service.EstablishConnection(ctx, ack, b.keypair.PublicKey)
	if err != nil {
		t.Fatalf("EstablishConnection: %v", err)
	}
	if err := b.service.CompleteConnection(ctx, final); err != nil {
		t.Fatalf("CompleteConnection: %v", err)
	}

	aRecord, err := a.registry.Get(ctx, b.identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	bRecord, err := b.registry.Get(ctx, a.identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return aRecord, bRecord
}

// storedToken unwraps the calling credential a node stored for the
// other party.
func storedToken(t *testing.T, n *node, record connection.Record) grant.ClientAuthToken {
	t.Helper()
	var token grant.ClientAuthToken
	err := keywrap.WithUnwrapped(record.Grant.MasterKeyWrappedKeystoreKey, n.masterKey, func(keystoreKey *secret.Buffer) error {
		plain, err := keywrap.Unwrap(record.EncryptedClientToken, keystoreKey)
		if err != nil {
			return err
		}
		defer plain.Close()
		token, err = DecodeCredential(plain)
		return err
	})
	if err != nil {
		t.Fatalf("unwrapping stored credential: %v", err)
	}
	return token
}

func TestHandshakeConnectsBothSides(t *testing.T) {
	alice, bob := newPair(t)
	friends := bob.createCircle(t, "friends")

	aRecord, bRecord := handshake(t, alice, bob, []uuid.UUID{friends})

	if aRecord.Status != connection.StatusConnected {
		t.Errorf("alice sees bob as %s, want connected", aRecord.Status)
	}
	if bRecord.Status != connection.StatusConnected {
		t.Errorf("bob sees alice as %s, want connected", bRecord.Status)
	}
	if aRecord.Contact.Name != "bob.kinship.test" {
		t.Errorf("alice stored contact %q", aRecord.Contact.Name)
	}

	// Bob granted the requested circle plus the system circles.
	if _, ok := bRecord.Grant.CircleGrants[friends]; !ok {
		t.Errorf("bob's grant is missing the friends circle")
	}
	if _, ok := bRecord.Grant.CircleGrants[circle.ConnectedIdentities]; !ok {
		t.Errorf("bob's grant is missing connected-identities")
	}
	// A manual handshake lands in confirmed-connections, not
	// auto-connections.
	if _, ok := bRecord.Grant.CircleGrants[circle.ConfirmedConnections]; !ok {
		t.Errorf("bob's grant is missing confirmed-connections")
	}
	if _, ok := bRecord.Grant.CircleGrants[circle.AutoConnections]; ok {
		t.Errorf("bob's grant includes auto-connections for a manual handshake")
	}
	// Alice sent no circle list, so she granted only the system
	// circles.
	if len(aRecord.Grant.CircleGrants) != 2 {
		t.Errorf("alice granted %d circles, want 2", len(aRecord.Grant.CircleGrants))
	}

	// Request state is consumed.
	pending, err := bob.service.PendingRequests(context.Background())
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("bob still has %d pending requests", len(pending))
	}
}

func TestHandshakeCredentialsVerify(t *testing.T) {
	alice, bob := newPair(t)
	aRecord, bRecord := handshake(t, alice, bob, nil)

	// Alice's stored credential authenticates against the registration
	// bob issued, and vice versa.
	aliceToken := storedToken(t, alice, aRecord)
	defer aliceToken.Close()
	if aliceToken.RegistrationID != bRecord.Grant.Registration.ID {
		t.Errorf("alice's credential names registration %s, bob issued %s",
			aliceToken.RegistrationID, bRecord.Grant.Registration.ID)
	}
	if err := bRecord.Grant.Registration.Verify(aliceToken); err != nil {
		t.Errorf("bob rejects alice's credential: %v", err)
	}

	bobToken := storedToken(t, bob, bRecord)
	defer bobToken.Close()
	if err := aRecord.Grant.Registration.Verify(bobToken); err != nil {
		t.Errorf("alice rejects bob's credential: %v", err)
	}
}

func TestHandshakeThenPermissionContext(t *testing.T) {
	alice, bob := newPair(t)
	friends := bob.createCircle(t, "friends")
	aRecord, _ := handshake(t, alice, bob, []uuid.UUID{friends})

	aliceToken := storedToken(t, alice, aRecord)
	defer aliceToken.Close()

	permCtx, enabled, err := bob.service.PermissionContext(context.Background(), alice.identity, aliceToken, true)
	if err != nil {
		t.Fatalf("PermissionContext: %v", err)
	}
	if len(enabled) != 3 {
		t.Errorf("composed from %d circles, want 3", len(enabled))
	}
	if _, ok := permCtx.Grants["circle:"+friends.String()]; !ok {
		t.Errorf("context is missing the friends circle grant")
	}
}

func TestSendToBlockedRejected(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()
	handshake(t, alice, bob, nil)
	if err := alice.service.Block(ctx, bob.identity); err != nil {
		t.Fatalf("Block: %v", err)
	}

	_, err := alice.service.SendRequest(ctx, SendSpec{
		Recipient:          bob.identity,
		RecipientPublicKey: bob.keypair.PublicKey,
	})
	if !fault.IsKind(err, fault.KindUnauthorized) {
		t.Fatalf("SendRequest to blocked = %v, want unauthorized", err)
	}
}

func TestReceiveFromBlockedRejected(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()
	handshake(t, alice, bob, nil)
	if err := bob.service.Block(ctx, alice.identity); err != nil {
		t.Fatalf("Block: %v", err)
	}

	envelope, err := alice.service.SendRequest(ctx, SendSpec{
		Recipient:          bob.identity,
		RecipientPublicKey: bob.keypair.PublicKey,
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	err = bob.service.ReceiveRequest(ctx, envelope)
	if !fault.IsKind(err, fault.KindUnauthorized) {
		t.Fatalf("ReceiveRequest from blocked = %v, want unauthorized", err)
	}
}

func TestAcceptWithoutPendingRequest(t *testing.T) {
	alice, bob := newPair(t)
	_, err := bob.service.AcceptRequest(context.Background(), alice.identity, nil)
	if !fault.HasCode(err, fault.CodeNoPendingRequest) {
		t.Fatalf("AcceptRequest with no pending = %v, want no-pending-request", err)
	}
}

func TestResendRefreshesPendingRequest(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()

	first, err := alice.service.SendRequest(ctx, SendSpec{
		Recipient:          bob.identity,
		RecipientPublicKey: bob.keypair.PublicKey,
		Message:            "first",
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := bob.service.ReceiveRequest(ctx, first); err != nil {
		t.Fatalf("ReceiveRequest: %v", err)
	}

	alice.clock.Advance(time.Hour)
	second, err := alice.service.SendRequest(ctx, SendSpec{
		Recipient:          bob.identity,
		RecipientPublicKey: bob.keypair.PublicKey,
		Message:            "second",
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := bob.service.ReceiveRequest(ctx, second); err != nil {
		t.Fatalf("ReceiveRequest: %v", err)
	}

	pending, err := bob.service.PendingRequests(ctx)
	if err != nil {
		t.Fatalf("PendingRequests: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending requests, want 1", len(pending))
	}
	if pending[0].Message != "second" {
		t.Errorf("pending message %q, want the resent one", pending[0].Message)
	}

	// The refreshed secret still completes the handshake.
	ack, err := bob.service.AcceptRequest(ctx, alice.identity, nil)
	if err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	if _, err := alice.service.EstablishConnection(ctx, ack, bob.keypair.PublicKey); err != nil {
		t.Fatalf("EstablishConnection: %v", err)
	}
}

func TestRejectRequest(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()

	envelope, err := alice.service.SendRequest(ctx, SendSpec{
		Recipient:          bob.identity,
		RecipientPublicKey: bob.keypair.PublicKey,
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := bob.service.ReceiveRequest(ctx, envelope); err != nil {
		t.Fatalf("ReceiveRequest: %v", err)
	}
	if got := bob.status(t, alice.identity); got != connection.StatusIncoming {
		t.Fatalf("status after receive = %s, want incoming", got)
	}

	if err := bob.service.RejectRequest(ctx, alice.identity); err != nil {
		t.Fatalf("RejectRequest: %v", err)
	}
	if got := bob.status(t, alice.identity); got != connection.StatusNone {
		t.Errorf("status after reject = %s, want none", got)
	}
	err = bob.service.RejectRequest(ctx, alice.identity)
	if !fault.HasCode(err, fault.CodeNoPendingRequest) {
		t.Errorf("second reject = %v, want no-pending-request", err)
	}
}

func TestWithdrawRequest(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()

	envelope, err := alice.service.SendRequest(ctx, SendSpec{
		Recipient:          bob.identity,
		RecipientPublicKey: bob.keypair.PublicKey,
	})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := bob.service.ReceiveRequest(ctx, envelope); err != nil {
		t.Fatalf("ReceiveRequest: %v", err)
	}
	ack, err := bob.service.AcceptRequest(ctx, alice.identity, nil)
	if err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}

	if err := alice.service.WithdrawRequest(ctx, bob.identity); err != nil {
		t.Fatalf("WithdrawRequest: %v", err)
	}
	if got := alice.status(t, bob.identity); got != connection.StatusNone {
		t.Errorf("status after withdraw = %s, want none", got)
	}

	// The ack for the withdrawn request no longer matches anything.
	_, err = alice.service.EstablishConnection(ctx, ack, bob.keypair.PublicKey)
	if !fault.HasCode(err, fault.CodeNoPendingRequest) {
		t.Errorf("establish after withdraw = %v, want no-pending-request", err)
	}
	err = alice.service.WithdrawRequest(ctx, bob.identity)
	if !fault.HasCode(err, fault.CodeNoPendingRequest) {
		t.Errorf("second withdraw = %v, want no-pending-request", err)
	}
}

func TestDisconnect(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()
	handshake(t, alice, bob, nil)

	if err := alice.service.Disconnect(ctx, bob.identity); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := alice.status(t, bob.identity); got != connection.StatusNone {
		t.Errorf("status after disconnect = %s, want none", got)
	}
	err := alice.service.Disconnect(ctx, bob.identity)
	if !fault.HasCode(err, fault.CodeNotConnected) {
		t.Errorf("second disconnect = %v, want not-connected", err)
	}
}

func TestBlockAndUnblockKeepGrant(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()
	_, bRecord := handshake(t, alice, bob, nil)

	if err := bob.service.Block(ctx, alice.identity); err != nil {
		t.Fatalf("Block: %v", err)
	}
	aliceToken := storedToken(t, bob, bRecord)
	_ = aliceToken.Close()
	if got := bob.status(t, alice.identity); got != connection.StatusBlocked {
		t.Fatalf("status after block = %s", got)
	}

	// Composition refuses blocked callers outright.
	blocked, err := bob.registry.Get(ctx, alice.identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if blocked.Grant == nil {
		t.Fatalf("block dropped the grant")
	}

	if err := bob.service.Unblock(ctx, alice.identity); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if got := bob.status(t, alice.identity); got != connection.StatusConnected {
		t.Errorf("status after unblock = %s, want connected", got)
	}
}

func TestPermissionContextForNonConnected(t *testing.T) {
	alice, bob := newPair(t)
	_, token, err := grant.NewAccessRegistration(bob.clock.Now())
	if err != nil {
		t.Fatalf("NewAccessRegistration: %v", err)
	}
	defer token.Close()

	_, _, err = bob.service.PermissionContext(context.Background(), alice.identity, token, true)
	if !fault.IsKind(err, fault.KindUnauthorized) {
		t.Fatalf("PermissionContext for stranger = %v, want unauthorized", err)
	}
}

func TestConnectionInfoRequiresPermission(t *testing.T) {
	alice, bob := newPair(t)
	ctx := context.Background()
	handshake(t, alice, bob, nil)

	carol, err := handle.Parse("carol.kinship.test")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// Self-lookup needs no context.
	record, err := bob.service.ConnectionInfo(ctx, alice.identity, nil, alice.identity)
	if err != nil {
		t.Fatalf("ConnectionInfo self: %v", err)
	}
	if record.Status != connection.StatusConnected {
		t.Errorf("self lookup status = %s", record.Status)
	}

	// Looking up someone else without view-connections is refused.
	_, err = bob.service.ConnectionInfo(ctx, alice.identity, &grant.PermissionContext{}, carol)
	if !fault.IsKind(err, fault.KindUnauthorized) {
		t.Fatalf("ConnectionInfo without permission = %v, want unauthorized", err)
	}

	permCtx := &grant.PermissionContext{
		PermissionKeys: grant.NewPermissionSet(grant.PermissionViewConnections),
	}
	if _, err := bob.service.ConnectionInfo(ctx, alice.identity, permCtx, carol); err != nil {
		t.Fatalf("ConnectionInfo with permission: %v", err)
	}
}
