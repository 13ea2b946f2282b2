// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package request implements the connection handshake between two
// nodes. A request travels as an envelope carrying a handshake secret
// sealed to the recipient's node key; acceptance returns a credential
// wrapped under that secret; the sender closes the loop with its own
// credential sealed back. Each side ends up with a Connected record,
// its own keystore key, and a stored credential for calling the other.
//
// The transport that moves envelopes between nodes is out of scope;
// callers deliver the returned payloads however they like and feed the
// counterpart methods on the other node.
package request

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/circle"
	"github.com/kinship-foundation/kinship/lib/clock"
	"github.com/kinship-foundation/kinship/lib/codec"
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

// Envelope is the wire form of a connection request.
type Envelope struct {
	From       handle.Handle     `cbor:"from"`
	Message    string            `cbor:"message"`
	Origin     connection.Origin `cbor:"origin"`
	Introducer handle.Handle     `cbor:"introducer,omitempty"`

	// SealedSecret is the handshake secret sealed to the recipient's
	// node key, so only the recipient can open the acceptance leg.
	SealedSecret string `cbor:"sealed_secret"`
}

// Ack is the accepting node's reply: its contact data and the
// credential the sender will use to call it, wrapped under the
// handshake secret.
type Ack struct {
	From              handle.Handle          `cbor:"from"`
	Contact           connection.ContactData `cbor:"contact"`
	WrappedCredential keywrap.WrappedKey     `cbor:"wrapped_credential"`
}

// Final is the sender's closing message: the credential the accepting
// node will use to call the sender, sealed to the accepting node's
// key.
type Final struct {
	From             handle.Handle `cbor:"from"`
	SealedCredential string        `cbor:"sealed_credential"`
}

// credential is the CBOR shape of an outbound calling credential.
type credential struct {
	RegistrationID uuid.UUID `cbor:"registration_id"`
	HalfKey        []byte    `cbor:"half_key"`
}

// Config holds the service's collaborators.
type Config struct {
	// Identity is this node's own handle. Required.
	Identity handle.Handle

	// Contact is this node's contact data, included in handshake
	// replies.
	Contact connection.ContactData

	// Pool backs the sent/pending request stores. Required.
	Pool *sqlitepool.Pool

	// Registry owns the connection records. Required.
	Registry *connection.Registry

	// Circles resolves circle definitions for grant building.
	// Required.
	Circles *circle.Store

	// Apps lists registered apps for app-grant attachment. Required.
	Apps grant.AppRegistry

	// DriveKeys supplies raw drive keys for wrapping. Required.
	DriveKeys grant.DriveKeySource

	// MasterKey is the node master key. Borrowed for the service's
	// lifetime. Required.
	MasterKey *secret.Buffer

	// NodePrivateKey is this node's age identity for unsealing
	// handshake payloads. Required.
	NodePrivateKey *secret.Buffer

	// NodePublicKey is the published age recipient for this node.
	// Required.
	NodePublicKey string

	// Settings are the tenant policy flags folded into composed
	// permission contexts.
	Settings tenant.Settings

	// Clock provides timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger
}

// Service runs the connection request lifecycle for one node.
type Service struct {
	identity       handle.Handle
	contact        connection.ContactData
	store          *requestStore
	registry       *connection.Registry
	circles        *circle.Store
	apps           grant.AppRegistry
	driveKeys      grant.DriveKeySource
	masterKey      *secret.Buffer
	nodePrivateKey *secret.Buffer
	nodePublicKey  string
	settings       tenant.Settings
	clock          clock.Clock
	logger         *slog.Logger
}

// New validates the config, opens the request stores, and returns the
// service.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Identity.IsZero() {
		return nil, fmt.Errorf("request service: Identity is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("request service: Pool is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("request service: Registry is required")
	}
	if cfg.Circles == nil {
		return nil, fmt.Errorf("request service: Circles is required")
	}
	if cfg.Apps == nil {
		return nil, fmt.Errorf("request service: Apps is required")
	}
	if cfg.DriveKeys == nil {
		return nil, fmt.Errorf("request service: DriveKeys is required")
	}
	if cfg.MasterKey == nil {
		return nil, fmt.Errorf("request service: MasterKey is required")
	}
	if cfg.NodePrivateKey == nil {
		return nil, fmt.Errorf("request service: NodePrivateKey is required")
	}
	if err := sealed.ParsePublicKey(cfg.NodePublicKey); err != nil {
		return nil, fmt.Errorf("request service: %w", err)
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("request service: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := openRequestStore(ctx, cfg.Pool)
	if err != nil {
		return nil, err
	}
	return &Service{
		identity:       cfg.Identity,
		contact:        cfg.Contact,
		store:          store,
		registry:       cfg.Registry,
		circles:        cfg.Circles,
		apps:           cfg.Apps,
		driveKeys:      cfg.DriveKeys,
		masterKey:      cfg.MasterKey,
		nodePrivateKey: cfg.NodePrivateKey,
		nodePublicKey:  cfg.NodePublicKey,
		settings:       cfg.Settings,
		clock:          cfg.Clock,
		logger:         logger,
	}, nil
}

// SendSpec describes an outgoing connection request.
type SendSpec struct {
	Recipient          handle.Handle
	RecipientPublicKey string
	Message            string

	// CircleIDs are granted to the recipient once the handshake
	// completes, on top of the system circles.
	CircleIDs []uuid.UUID

	// Origin and Introducer mark introduction-derived requests.
	Origin     connection.Origin
	Introducer handle.Handle
}

// SendRequest creates an outgoing request: a fresh handshake secret is
// sealed to the recipient, the sent-request record keeps it wrapped
// under the master key, and the connection moves to Outgoing.
// Resending to the same recipient refreshes the stored request.
// Blocked recipients are rejected.
func (s *Service) SendRequest(ctx context.Context, spec SendSpec) (Envelope, error) {
	record, err := s.registry.Get(ctx, spec.Recipient)
	if err != nil {
		return Envelope{}, err
	}
	if record.Status == connection.StatusBlocked {
		return Envelope{}, fault.Unauthorized("recipient %s is blocked", spec.Recipient)
	}

	handshakeSecret, err := keywrap.NewKey()
	if err != nil {
		return Envelope{}, fmt.Errorf("request service: handshake secret: %w", err)
	}
	defer handshakeSecret.Close()

	sealedSecret, err := sealed.Encrypt(handshakeSecret.Bytes(), []string{spec.RecipientPublicKey})
	if err != nil {
		return Envelope{}, fmt.Errorf("request service: sealing handshake secret: %w", err)
	}
	wrappedSecret, err := keywrap.Wrap(handshakeSecret, s.masterKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("request service: wrapping handshake secret: %w", err)
	}

	err = s.store.putSent(ctx, SentRequest{
		Recipient:     spec.Recipient,
		Message:       spec.Message,
		CircleIDs:     spec.CircleIDs,
		WrappedSecret: wrappedSecret,
		SentAt:        s.clock.Now().UTC(),
	})
	if err != nil {
		return Envelope{}, err
	}

	if record.Status == connection.StatusNone {
		err = s.registry.UpsertIf(ctx, connection.Record{
			Identity:   spec.Recipient,
			Status:     connection.StatusOutgoing,
			Origin:     spec.Origin,
			Introducer: spec.Introducer,
		}, connection.StatusNone)
		if err != nil {
			return Envelope{}, err
		}
	}

	s.logger.Info("connection request sent", "recipient", spec.Recipient)
	return Envelope{
		From:         s.identity,
		Message:      spec.Message,
		Origin:       spec.Origin,
		Introducer:   spec.Introducer,
		SealedSecret: sealedSecret,
	}, nil
}

// ReceiveRequest stores an inbound request. A pending request from
// the same sender is refreshed rather than duplicated. Blocked
// senders are rejected.
func (s *Service) ReceiveRequest(ctx context.Context, envelope Envelope) error {
	record, err := s.registry.Get(ctx, envelope.From)
	if err != nil {
		return err
	}
	if record.Status == connection.StatusBlocked {
		return fault.Unauthorized("sender %s is blocked", envelope.From)
	}

	err = s.store.putPending(ctx, PendingRequest{
		Sender:       envelope.From,
		Message:      envelope.Message,
		Origin:       envelope.Origin,
		Introducer:   envelope.Introducer,
		SealedSecret: envelope.SealedSecret,
		ReceivedAt:   s.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if record.Status == connection.StatusNone {
		err = s.registry.UpsertIf(ctx, connection.Record{
			Identity:   envelope.From,
			Status:     connection.StatusIncoming,
			Origin:     envelope.Origin,
			Introducer: envelope.Introducer,
		}, connection.StatusNone)
		if err != nil {
			return err
		}
	}

	s.logger.Info("connection request received", "sender", envelope.From, "origin", envelope.Origin)
	return nil
}

// PendingRequests returns the undecided inbound requests, oldest
// first.
func (s *Service) PendingRequests(ctx context.Context) ([]PendingRequest, error) {
	return s.store.listPending(ctx)
}

// AcceptRequest accepts a pending request: a fresh keystore key and
// access registration are created, the chosen circles plus the system
// circles are materialized into grants, and the record
// moves to Connected. The returned Ack carries the sender's calling
// credential wrapped under the handshake secret. The status write is
// conditional on the status observed at entry, so two concurrent
// accepts produce exactly one Connected row.
func (s *Service) AcceptRequest(ctx context.Context, sender handle.Handle, circleIDs []uuid.UUID) (Ack, error) {
	pending, found, err := s.store.getPending(ctx, sender)
	if err != nil {
		return Ack{}, err
	}
	if !found {
		return Ack{}, fault.Precondition(fault.CodeNoPendingRequest, "no pending request from %s", sender)
	}

	record, err := s.registry.Get(ctx, sender)
	if err != nil {
		return Ack{}, err
	}
	if record.Status == connection.StatusBlocked {
		return Ack{}, fault.Unauthorized("sender %s is blocked", sender)
	}
	observed := record.Status

	handshakeSecret, err := sealed.Decrypt(pending.SealedSecret, s.nodePrivateKey)
	if err != nil {
		return Ack{}, fmt.Errorf("request service: unsealing handshake secret: %w", err)
	}
	defer handshakeSecret.Close()

	keystoreKey, err := keywrap.NewKey()
	if err != nil {
		return Ack{}, fmt.Errorf("request service: keystore key: %w", err)
	}
	defer keystoreKey.Close()
	wrappedKeystoreKey, err := keywrap.Wrap(keystoreKey, s.masterKey)
	if err != nil {
		return Ack{}, fmt.Errorf("request service: wrapping keystore key: %w", err)
	}

	registration, clientToken, err := grant.NewAccessRegistration(s.clock.Now())
	if err != nil {
		return Ack{}, err
	}
	defer clientToken.Close()

	wrappedCredential, err := wrapCredential(registration.ID, clientToken.HalfKey, handshakeSecret)
	if err != nil {
		return Ack{}, err
	}

	circleGrants, appGrants, err := s.buildGrants(ctx, circleIDs, pending.Origin, keystoreKey)
	if err != nil {
		return Ack{}, err
	}

	// Re-establishing from any state replaces the old grant wholesale.
	err = s.registry.UpsertIf(ctx, connection.Record{
		Identity: sender,
		Status:   connection.StatusConnected,
		Grant: &grant.AccessGrant{
			CircleGrants:                circleGrants,
			AppGrants:                   appGrants,
			MasterKeyWrappedKeystoreKey: wrappedKeystoreKey,
			Registration:                registration,
		},
		Origin:     pending.Origin,
		Introducer: pending.Introducer,
		Contact:    record.Contact,
	}, observed)
	if err != nil {
		return Ack{}, err
	}

	if err := s.store.deletePending(ctx, sender); err != nil {
		return Ack{}, err
	}
	s.logger.Info("connection request accepted", "sender", sender, "circles", len(circleGrants))
	return Ack{
		From:              s.identity,
		Contact:           s.contact,
		WrappedCredential: wrappedCredential,
	}, nil
}

// RejectRequest discards a pending request and removes the Incoming
// placeholder row, if any.
func (s *Service) RejectRequest(ctx context.Context, sender handle.Handle) error {
	_, found, err := s.store.getPending(ctx, sender)
	if err != nil {
		return err
	}
	if !found {
		return fault.Precondition(fault.CodeNoPendingRequest, "no pending request from %s", sender)
	}
	if err := s.store.deletePending(ctx, sender); err != nil {
		return err
	}

	record, err := s.registry.Get(ctx, sender)
	if err != nil {
		return err
	}
	if record.Status == connection.StatusIncoming {
		return s.registry.UpsertIf(ctx, connection.Record{
			Identity: sender,
			Status:   connection.StatusNone,
		}, connection.StatusIncoming)
	}
	return nil
}

// WithdrawRequest discards a sent request and removes the Outgoing
// placeholder row, if any. The recipient's copy is unaffected; an ack
// arriving after withdrawal fails with no-pending-request.
func (s *Service) WithdrawRequest(ctx context.Context, recipient handle.Handle) error {
	_, found, err := s.store.getSent(ctx, recipient)
	if err != nil {
		return err
	}
	if !found {
		return fault.Precondition(fault.CodeNoPendingRequest, "no sent request to %s", recipient)
	}
	if err := s.store.deleteSent(ctx, recipient); err != nil {
		return err
	}

	record, err := s.registry.Get(ctx, recipient)
	if err != nil {
		return err
	}
	if record.Status == connection.StatusOutgoing {
		return s.registry.UpsertIf(ctx, connection.Record{
			Identity: recipient,
			Status:   connection.StatusNone,
		}, connection.StatusOutgoing)
	}
	return nil
}

// EstablishConnection is the sender's side of acceptance: the ack's
// credential is unwrapped with the stored handshake secret and kept as
// this node's calling credential, the sent request's circles are
// materialized, and the record moves to Connected. Returns the Final
// payload for the accepting node.
func (s *Service) EstablishConnection(ctx context.Context, ack Ack, accepterPublicKey string) (Final, error) {
	sent, found, err := s.store.getSent(ctx, ack.From)
	if err != nil {
		return Final{}, err
	}
	if !found {
		return Final{}, fault.Precondition(fault.CodeNoPendingRequest, "no sent request to %s", ack.From)
	}

	record, err := s.registry.Get(ctx, ack.From)
	if err != nil {
		return Final{}, err
	}
	if record.Status == connection.StatusBlocked {
		return Final{}, fault.Unauthorized("identity %s is blocked", ack.From)
	}
	observed := record.Status

	handshakeSecret, err := keywrap.Unwrap(sent.WrappedSecret, s.masterKey)
	if err != nil {
		return Final{}, fmt.Errorf("request service: unwrapping handshake secret: %w", err)
	}
	defer handshakeSecret.Close()

	outboundCredential, err := keywrap.Unwrap(ack.WrappedCredential, handshakeSecret)
	if err != nil {
		return Final{}, fmt.Errorf("request service: unwrapping credential: %w", err)
	}
	defer outboundCredential.Close()

	keystoreKey, err := keywrap.NewKey()
	if err != nil {
		return Final{}, fmt.Errorf("request service: keystore key: %w", err)
	}
	defer keystoreKey.Close()
	wrappedKeystoreKey, err := keywrap.Wrap(keystoreKey, s.masterKey)
	if err != nil {
		return Final{}, fmt.Errorf("request service: wrapping keystore key: %w", err)
	}

	// The credential for calling the remote node, stored wrapped
	// under this connection's keystore key.
	encryptedClientToken, err := keywrap.Wrap(outboundCredential, keystoreKey)
	if err != nil {
		return Final{}, fmt.Errorf("request service: storing credential: %w", err)
	}

	registration, clientToken, err := grant.NewAccessRegistration(s.clock.Now())
	if err != nil {
		return Final{}, err
	}
	defer clientToken.Close()

	circleGrants, appGrants, err := s.buildGrants(ctx, sent.CircleIDs, record.Origin, keystoreKey)
	if err != nil {
		return Final{}, err
	}

	err = s.registry.UpsertIf(ctx, connection.Record{
		Identity: ack.From,
		Status:   connection.StatusConnected,
		Grant: &grant.AccessGrant{
			CircleGrants:                circleGrants,
			AppGrants:                   appGrants,
			MasterKeyWrappedKeystoreKey: wrappedKeystoreKey,
			Registration:                registration,
		},
		EncryptedClientToken: encryptedClientToken,
		Origin:               record.Origin,
		Introducer:           record.Introducer,
		Contact:              ack.Contact,
	}, observed)
	if err != nil {
		return Final{}, err
	}
	if err := s.store.deleteSent(ctx, ack.From); err != nil {
		return Final{}, err
	}

	finalCredential, err := sealCredential(registration.ID, clientToken.HalfKey, accepterPublicKey)
	if err != nil {
		return Final{}, err
	}
	s.logger.Info("connection established", "identity", ack.From)
	return Final{From: s.identity, SealedCredential: finalCredential}, nil
}

// CompleteConnection is the accepting node's last step: the sender's
// credential is unsealed and stored wrapped under the connection's
// keystore key. The connection must already be Connected.
func (s *Service) CompleteConnection(ctx context.Context, final Final) error {
	record, err := s.registry.Get(ctx, final.From)
	if err != nil {
		return err
	}
	if !record.IsConnected() {
		return fault.Precondition(fault.CodeNotConnected, "identity %s is %s", final.From, record.Status)
	}

	credentialPlain, err := sealed.Decrypt(final.SealedCredential, s.nodePrivateKey)
	if err != nil {
		return fmt.Errorf("request service: unsealing credential: %w", err)
	}
	defer credentialPlain.Close()

	err = keywrap.WithUnwrapped(record.Grant.MasterKeyWrappedKeystoreKey, s.masterKey, func(keystoreKey *secret.Buffer) error {
		wrapped, err := keywrap.Wrap(credentialPlain, keystoreKey)
		if err != nil {
			return err
		}
		record.EncryptedClientToken = wrapped
		return nil
	})
	if err != nil {
		return fmt.Errorf("request service: storing credential: %w", err)
	}

	return s.registry.UpsertIf(ctx, record, connection.StatusConnected)
}

// Disconnect deletes a Connected identity's record.
func (s *Service) Disconnect(ctx context.Context, identity handle.Handle) error {
	record, err := s.registry.Get(ctx, identity)
	if err != nil {
		return err
	}
	if !record.IsConnected() {
		return fault.Precondition(fault.CodeNotConnected, "identity %s is %s", identity, record.Status)
	}
	return s.registry.UpsertIf(ctx, connection.Record{
		Identity: identity,
		Status:   connection.StatusNone,
	}, connection.StatusConnected)
}

// Block moves a Connected identity to Blocked. The grant is retained
// so Unblock restores the prior capability.
func (s *Service) Block(ctx context.Context, identity handle.Handle) error {
	record, err := s.registry.Get(ctx, identity)
	if err != nil {
		return err
	}
	if !record.IsConnected() {
		return fault.Precondition(fault.CodeNotConnected, "identity %s is %s", identity, record.Status)
	}
	record.Status = connection.StatusBlocked
	return s.registry.UpsertIf(ctx, record, connection.StatusConnected)
}

// Unblock restores a Blocked identity to Connected.
func (s *Service) Unblock(ctx context.Context, identity handle.Handle) error {
	record, err := s.registry.Get(ctx, identity)
	if err != nil {
		return err
	}
	if record.Status != connection.StatusBlocked {
		return fault.Precondition(fault.CodeInvalidStatus, "identity %s is %s, not blocked", identity, record.Status)
	}
	record.Status = connection.StatusConnected
	return s.registry.UpsertIf(ctx, record, connection.StatusBlocked)
}

// PermissionContext composes the authorization context for one
// authenticated inbound call. This is the sole entry point downstream
// handlers use to authorize anything.
func (s *Service) PermissionContext(ctx context.Context, identity handle.Handle, token grant.ClientAuthToken, applyAppGrants bool) (*grant.PermissionContext, []uuid.UUID, error) {
	record, err := s.registry.Get(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	if record.Status != connection.StatusConnected {
		return nil, nil, fault.Unauthorized("identity %s is %s", identity, record.Status)
	}
	composer := &grant.Composer{
		Settings: s.settings,
		Enabled:  func(circleID uuid.UUID) bool { return s.circles.IsEnabled(ctx, circleID) },
	}
	return composer.Compose(record.Grant, token, applyAppGrants)
}

// ConnectionInfo returns the record for subject. An identity may
// always query its own status; anyone else needs the view-connections
// permission in their composed context.
func (s *Service) ConnectionInfo(ctx context.Context, caller handle.Handle, callerContext *grant.PermissionContext, subject handle.Handle) (connection.Record, error) {
	if caller != subject {
		if callerContext == nil || !callerContext.HasPermission(grant.PermissionViewConnections) {
			return connection.Record{}, fault.Unauthorized("caller %s may not view connections", caller)
		}
	}
	return s.registry.Get(ctx, subject)
}

// buildGrants materializes circle grants for the given circles plus
// the system circles the connection belongs to, and attaches the app
// grants of every app that authorizes one of them. Manual connections
// join confirmed-connections; introduced ones start in
// auto-connections until the owner confirms them.
func (s *Service) buildGrants(ctx context.Context, circleIDs []uuid.UUID, origin connection.Origin, keystoreKey *secret.Buffer) (map[uuid.UUID]grant.CircleGrant, []grant.AppCircleGrant, error) {
	statusCircle := circle.ConfirmedConnections
	if origin == connection.OriginIntroduction {
		statusCircle = circle.AutoConnections
	}
	wanted := []uuid.UUID{circle.ConnectedIdentities, statusCircle}
	seen := map[uuid.UUID]bool{circle.ConnectedIdentities: true, statusCircle: true}
	for _, circleID := range circleIDs {
		if !seen[circleID] {
			seen[circleID] = true
			wanted = append(wanted, circleID)
		}
	}

	circleGrants := make(map[uuid.UUID]grant.CircleGrant, len(wanted))
	for _, circleID := range wanted {
		definition, err := s.circles.Get(ctx, circleID)
		if err != nil {
			return nil, nil, err
		}
		circleGrant, err := grant.NewCircleGrant(definition.ID, definition.DriveGrants, definition.Permissions, keystoreKey, s.driveKeys)
		if err != nil {
			return nil, nil, err
		}
		circleGrants[circleID] = circleGrant
	}

	apps, err := s.apps.ListRegisteredApps(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("request service: listing apps: %w", err)
	}
	var appGrants []grant.AppCircleGrant
	for _, app := range apps {
		for _, circleID := range wanted {
			if !app.AuthorizesCircle(circleID) {
				continue
			}
			appGrant, err := grant.NewAppCircleGrant(app, circleID, keystoreKey, s.driveKeys)
			if err != nil {
				return nil, nil, err
			}
			appGrants = append(appGrants, appGrant)
		}
	}
	return circleGrants, appGrants, nil
}

// wrapCredential encodes a calling credential and wraps it under the
// handshake secret. The encoded plaintext is zeroed.
func wrapCredential(registrationID uuid.UUID, halfKey *secret.Buffer, handshakeSecret *secret.Buffer) (keywrap.WrappedKey, error) {
	encoded, err := codec.Marshal(credential{
		RegistrationID: registrationID,
		HalfKey:        halfKey.Bytes(),
	})
	if err != nil {
		return keywrap.WrappedKey{}, fmt.Errorf("request service: encoding credential: %w", err)
	}
	plain, err := secret.FromBytes(encoded)
	if err != nil {
		secret.Zero(encoded)
		return keywrap.WrappedKey{}, err
	}
	defer plain.Close()
	return keywrap.Wrap(plain, handshakeSecret)
}

// sealCredential encodes a calling credential and seals it to the
// remote node's key.
func sealCredential(registrationID uuid.UUID, halfKey *secret.Buffer, recipientPublicKey string) (string, error) {
	encoded, err := codec.Marshal(credential{
		RegistrationID: registrationID,
		HalfKey:        halfKey.Bytes(),
	})
	if err != nil {
		return "", fmt.Errorf("request service: encoding credential: %w", err)
	}
	sealedCredential, err := sealed.Encrypt(encoded, []string{recipientPublicKey})
	secret.Zero(encoded)
	if err != nil {
		return "", fmt.Errorf("request service: sealing credential: %w", err)
	}
	return sealedCredential, nil
}

// DecodeCredential parses an unwrapped calling credential. The half
// key lands in its own buffer; the caller must Close the returned
// token.
func DecodeCredential(plain *secret.Buffer) (grant.ClientAuthToken, error) {
	var decoded credential
	if err := codec.Unmarshal(plain.Bytes(), &decoded); err != nil {
		return grant.ClientAuthToken{}, fmt.Errorf("request service: decoding credential: %w", err)
	}
	halfKey, err := secret.FromBytes(decoded.HalfKey)
	if err != nil {
		return grant.ClientAuthToken{}, err
	}
	return grant.ClientAuthToken{
		RegistrationID: decoded.RegistrationID,
		HalfKey:        halfKey,
	}, nil
}
