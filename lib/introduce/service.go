// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package introduce implements third-party introductions: a node that
// is connected to two identities vouches for them to each other, and
// each side may then open a normal connection handshake with the
// other. Introduced connections land in the auto-connections system
// circle and stay there until the owner confirms them into
// confirmed-connections.
package introduce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kinship-foundation/kinship/lib/circle"
	"github.com/kinship-foundation/kinship/lib/clock"
	"github.com/kinship-foundation/kinship/lib/connection"
	"github.com/kinship-foundation/kinship/lib/fault"
	"github.com/kinship-foundation/kinship/lib/grant"
	"github.com/kinship-foundation/kinship/lib/handle"
	"github.com/kinship-foundation/kinship/lib/keywrap"
	"github.com/kinship-foundation/kinship/lib/request"
	"github.com/kinship-foundation/kinship/lib/secret"
	"github.com/kinship-foundation/kinship/lib/sqlitepool"
	"github.com/kinship-foundation/kinship/lib/tenant"
)

// Introduction is the wire form of one vouched identity, sent by the
// introducer to a recipient.
type Introduction struct {
	From      handle.Handle `cbor:"from"`
	Identity  handle.Handle `cbor:"identity"`
	PublicKey string        `cbor:"public_key"`
	Message   string        `cbor:"message,omitempty"`
}

// Group describes a set of identities to introduce to each other.
type Group struct {
	Recipients []handle.Handle

	// RecipientKeys maps each recipient to its published node key, so
	// the other parties can seal connection requests to it.
	RecipientKeys map[handle.Handle]string

	Message string
}

// Delivery is the payload for one recipient: an introduction for each
// other eligible member of the group. The caller's transport carries
// deliveries to their recipients.
type Delivery struct {
	Recipient     handle.Handle
	Introductions []Introduction
}

// Config holds the service's collaborators.
type Config struct {
	// Identity is this node's own handle. Required.
	Identity handle.Handle

	// Pool backs the received-introduction store. Required.
	Pool *sqlitepool.Pool

	// Registry owns the connection records. Required.
	Registry *connection.Registry

	// Circles resolves circle definitions. Required.
	Circles *circle.Store

	// Requests opens handshakes for accepted introductions. Required.
	Requests *request.Service

	// Apps lists registered apps for grant rebuilds. Required.
	Apps grant.AppRegistry

	// DriveKeys supplies raw drive keys for wrapping. Required.
	DriveKeys grant.DriveKeySource

	// MasterKey is the node master key. Borrowed for the service's
	// lifetime. Required.
	MasterKey *secret.Buffer

	// Settings control auto-acceptance and expiry.
	Settings tenant.Settings

	// Clock provides timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger
}

// Service runs the introduction protocol for one node.
type Service struct {
	identity  handle.Handle
	store     *introductionStore
	registry  *connection.Registry
	circles   *circle.Store
	requests  *request.Service
	apps      grant.AppRegistry
	driveKeys grant.DriveKeySource
	masterKey *secret.Buffer
	settings  tenant.Settings
	clock     clock.Clock
	logger    *slog.Logger
}

// New validates the config, opens the introduction store, and returns
// the service.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Identity.IsZero() {
		return nil, fmt.Errorf("introduce service: Identity is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("introduce service: Pool is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("introduce service: Registry is required")
	}
	if cfg.Circles == nil {
		return nil, fmt.Errorf("introduce service: Circles is required")
	}
	if cfg.Requests == nil {
		return nil, fmt.Errorf("introduce service: Requests is required")
	}
	if cfg.Apps == nil {
		return nil, fmt.Errorf("introduce service: Apps is required")
	}
	if cfg.DriveKeys == nil {
		return nil, fmt.Errorf("introduce service: DriveKeys is required")
	}
	if cfg.MasterKey == nil {
		return nil, fmt.Errorf("introduce service: MasterKey is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("introduce service: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := openIntroductionStore(ctx, cfg.Pool)
	if err != nil {
		return nil, err
	}
	return &Service{
		identity:  cfg.Identity,
		store:     store,
		registry:  cfg.Registry,
		circles:   cfg.Circles,
		requests:  cfg.Requests,
		apps:      cfg.Apps,
		driveKeys: cfg.DriveKeys,
		masterKey: cfg.MasterKey,
		settings:  cfg.Settings,
		clock:     cfg.Clock,
		logger:    logger,
	}, nil
}

// SendIntroductions builds the per-recipient deliveries for a group.
// A recipient is eligible when it is connected, not blocked, and its
// grant carries the allow-introductions permission. Ineligible
// recipients get no delivery and receive no introductions; the result
// map reports the outcome per recipient.
func (s *Service) SendIntroductions(ctx context.Context, group Group) ([]Delivery, map[handle.Handle]bool, error) {
	if len(group.Recipients) < 2 {
		return nil, nil, fault.Precondition(fault.CodeInvalidStatus, "an introduction needs at least two recipients")
	}

	result := make(map[handle.Handle]bool, len(group.Recipients))
	var eligible []handle.Handle
	for _, recipient := range group.Recipients {
		ok, err := s.allowsIntroductions(ctx, recipient)
		if err != nil {
			return nil, nil, err
		}
		result[recipient] = ok
		if ok {
			eligible = append(eligible, recipient)
		} else {
			s.logger.Info("introduction recipient skipped", "recipient", recipient)
		}
	}

	var deliveries []Delivery
	for _, recipient := range eligible {
		var introductions []Introduction
		for _, other := range eligible {
			if other == recipient {
				continue
			}
			introductions = append(introductions, Introduction{
				From:      s.identity,
				Identity:  other,
				PublicKey: group.RecipientKeys[other],
				Message:   group.Message,
			})
		}
		if len(introductions) > 0 {
			deliveries = append(deliveries, Delivery{Recipient: recipient, Introductions: introductions})
		}
	}
	return deliveries, result, nil
}

// allowsIntroductions reports whether the identity is connected and
// holds the allow-introductions permission through any circle grant.
func (s *Service) allowsIntroductions(ctx context.Context, identity handle.Handle) (bool, error) {
	record, err := s.registry.Get(ctx, identity)
	if err != nil {
		return false, err
	}
	if !record.IsConnected() || record.Grant == nil {
		return false, nil
	}
	for _, circleGrant := range record.Grant.CircleGrants {
		if circleGrant.Permissions.Has(grant.PermissionAllowIntroductions) {
			return true, nil
		}
	}
	return false, nil
}

// ReceiveIntroduction stores an inbound introduction. The introducer
// must be connected and hold allow-introductions; introductions for
// blocked identities are rejected, and ones for identities already
// connected are dropped as superseded. A repeat introduction from the
// same introducer replaces the stored one.
func (s *Service) ReceiveIntroduction(ctx context.Context, intro Introduction) error {
	ok, err := s.allowsIntroductions(ctx, intro.From)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Unauthorized("introducer %s may not introduce", intro.From)
	}

	record, err := s.registry.Get(ctx, intro.Identity)
	if err != nil {
		return err
	}
	switch record.Status {
	case connection.StatusBlocked:
		return fault.Unauthorized("identity %s is blocked", intro.Identity)
	case connection.StatusConnected:
		s.logger.Info("introduction superseded by existing connection", "identity", intro.Identity)
		return nil
	}

	err = s.store.put(ctx, Received{
		Identity:   intro.Identity,
		Introducer: intro.From,
		PublicKey:  intro.PublicKey,
		Message:    intro.Message,
		ReceivedAt: s.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	s.logger.Info("introduction received", "identity", intro.Identity, "introducer", intro.From)
	return nil
}

// Introductions returns the stored inbound introductions, oldest
// first.
func (s *Service) Introductions(ctx context.Context) ([]Received, error) {
	return s.store.list(ctx)
}

// RejectIntroduction discards every stored introduction for the
// identity.
func (s *Service) RejectIntroduction(ctx context.Context, identity handle.Handle) error {
	return s.store.deleteFor(ctx, identity)
}

// OutboundRequest is a handshake envelope produced by the auto-accept
// pass, addressed for the caller's transport.
type OutboundRequest struct {
	Recipient handle.Handle    `cbor:"recipient"`
	Envelope  request.Envelope `cbor:"envelope"`
}

// OutboundAck is an acceptance produced by the auto-accept pass,
// addressed to the node whose request was accepted. The transport
// carries it back so the sender can establish the connection.
type OutboundAck struct {
	Recipient handle.Handle `cbor:"recipient"`
	Ack       request.Ack   `cbor:"ack"`
}

// ProcessIncoming runs the auto-accept pass. The stored introductions
// are walked first: expired ones are deleted, superseded ones (the
// identity meanwhile connected or blocked) are deleted, and when
// auto-acceptance is on, each live introduction for an identity with
// no handshake in flight opens a connection request marked with its
// introducer. Then every pending introduction-derived incoming
// request is accepted, which covers the request arriving before this
// node's own pass ran and the crossing case where both sides already
// sent. The returned requests and acks are for the caller's
// transport. With auto-acceptance off only the cleanup happens.
func (s *Service) ProcessIncoming(ctx context.Context) ([]OutboundRequest, []OutboundAck, error) {
	stored, err := s.store.list(ctx)
	if err != nil {
		return nil, nil, err
	}
	expiry := time.Duration(s.settings.IntroductionExpiryHours) * time.Hour
	now := s.clock.Now()

	var outbound []OutboundRequest
	for _, intro := range stored {
		if expiry > 0 && now.Sub(intro.ReceivedAt) > expiry {
			s.logger.Info("introduction expired", "identity", intro.Identity, "introducer", intro.Introducer)
			if err := s.store.delete(ctx, intro.Identity, intro.Introducer); err != nil {
				return outbound, nil, err
			}
			continue
		}

		record, err := s.registry.Get(ctx, intro.Identity)
		if err != nil {
			return outbound, nil, err
		}
		if record.Status == connection.StatusConnected || record.Status == connection.StatusBlocked {
			if err := s.store.deleteFor(ctx, intro.Identity); err != nil {
				return outbound, nil, err
			}
			continue
		}
		// An Incoming or Outgoing record means a handshake is already
		// in flight; the pending-request walk below finishes it.
		if !s.settings.AutoAcceptIntroductions || record.Status != connection.StatusNone {
			continue
		}

		envelope, err := s.requests.SendRequest(ctx, request.SendSpec{
			Recipient:          intro.Identity,
			RecipientPublicKey: intro.PublicKey,
			Message:            intro.Message,
			Origin:             connection.OriginIntroduction,
			Introducer:         intro.Introducer,
		})
		if err != nil {
			s.logger.Warn("introduction request failed", "identity", intro.Identity, "error", err)
			continue
		}
		outbound = append(outbound, OutboundRequest{Recipient: intro.Identity, Envelope: envelope})
		if err := s.store.deleteFor(ctx, intro.Identity); err != nil {
			return outbound, nil, err
		}
	}

	if !s.settings.AutoAcceptIntroductions {
		return outbound, nil, nil
	}
	acks, err := s.acceptPendingIntroductions(ctx)
	return outbound, acks, err
}

// acceptPendingIntroductions accepts pending incoming requests that
// carry an introduction origin. Grants land in auto-connections via
// the request's origin. When requests crossed (this node also sent
// one), only the side with the greater handle accepts and withdraws
// its own offer; the other keeps its sender role so exactly one
// handshake survives. Per-request failures are logged and do not
// abort the walk.
func (s *Service) acceptPendingIntroductions(ctx context.Context) ([]OutboundAck, error) {
	pendings, err := s.requests.PendingRequests(ctx)
	if err != nil {
		return nil, err
	}

	var acks []OutboundAck
	for _, pending := range pendings {
		if pending.Origin != connection.OriginIntroduction {
			continue
		}
		record, err := s.registry.Get(ctx, pending.Sender)
		if err != nil {
			return acks, err
		}
		switch record.Status {
		case connection.StatusIncoming:
		case connection.StatusOutgoing:
			if s.identity.String() < pending.Sender.String() {
				continue
			}
			if err := s.requests.WithdrawRequest(ctx, pending.Sender); err != nil {
				s.logger.Warn("withdrawing crossed request failed", "identity", pending.Sender, "error", err)
				continue
			}
		case connection.StatusConnected:
			// A stale pending left behind after the handshake closed.
			if err := s.requests.RejectRequest(ctx, pending.Sender); err != nil {
				return acks, err
			}
			continue
		default:
			continue
		}

		ack, err := s.requests.AcceptRequest(ctx, pending.Sender, nil)
		if err != nil {
			s.logger.Warn("introduction accept failed", "identity", pending.Sender, "error", err)
			continue
		}
		acks = append(acks, OutboundAck{Recipient: pending.Sender, Ack: ack})
		if err := s.store.deleteFor(ctx, pending.Sender); err != nil {
			return acks, err
		}
		s.logger.Info("introduction auto-accepted", "identity", pending.Sender, "introducer", pending.Introducer)
	}
	return acks, nil
}

// ConfirmConnection moves an introduced connection from the
// auto-connections circle into confirmed-connections, swapping the
// circle grants and the app grants that ride on them in one
// conditional write.
func (s *Service) ConfirmConnection(ctx context.Context, identity handle.Handle) error {
	record, err := s.registry.Get(ctx, identity)
	if err != nil {
		return err
	}
	if !record.IsConnected() {
		return fault.Precondition(fault.CodeNotConnected, "identity %s is %s", identity, record.Status)
	}
	if _, ok := record.Grant.CircleGrants[circle.AutoConnections]; !ok {
		return fault.Precondition(fault.CodeNotAutoConnection, "identity %s is not an auto-connection", identity)
	}

	confirmed, err := s.circles.Get(ctx, circle.ConfirmedConnections)
	if err != nil {
		return err
	}
	apps, err := s.apps.ListRegisteredApps(ctx)
	if err != nil {
		return fmt.Errorf("introduce service: listing apps: %w", err)
	}

	err = keywrap.WithUnwrapped(record.Grant.MasterKeyWrappedKeystoreKey, s.masterKey, func(keystoreKey *secret.Buffer) error {
		confirmedGrant, err := grant.NewCircleGrant(confirmed.ID, confirmed.DriveGrants, confirmed.Permissions, keystoreKey, s.driveKeys)
		if err != nil {
			return err
		}
		delete(record.Grant.CircleGrants, circle.AutoConnections)
		record.Grant.CircleGrants[circle.ConfirmedConnections] = confirmedGrant

		kept := record.Grant.AppGrants[:0]
		for _, appGrant := range record.Grant.AppGrants {
			if appGrant.CircleID != circle.AutoConnections {
				kept = append(kept, appGrant)
			}
		}
		record.Grant.AppGrants = kept
		for _, app := range apps {
			if !app.AuthorizesCircle(circle.ConfirmedConnections) {
				continue
			}
			appGrant, err := grant.NewAppCircleGrant(app, circle.ConfirmedConnections, keystoreKey, s.driveKeys)
			if err != nil {
				return err
			}
			record.Grant.AppGrants = append(record.Grant.AppGrants, appGrant)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("introduce service: rebuilding grants: %w", err)
	}

	if err := s.registry.UpsertIf(ctx, record, connection.StatusConnected); err != nil {
		return err
	}
	s.logger.Info("connection confirmed", "identity", identity)
	return nil
}
