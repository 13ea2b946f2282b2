// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package reconcile keeps per-connection grants in sync with their
// sources of truth. When a circle definition changes or an app's
// authorized circle set changes, the engine walks the affected members
// and rewrites each one's grants: decrypt that member's keystore key,
// regenerate the grant, wipe the plaintext key, upsert the record.
//
// Circle-wide walks are not atomic as a whole. Each member's rewrite
// is atomic and idempotent, so a walk interrupted partway leaves a
// consistent state and can simply be re-run. Failures on one member
// are logged and never abort the rest of the walk.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kinship-foundation/kinship/lib/circle"
	"github.com/kinship-foundation/kinship/lib/connection"
	"github.com/kinship-foundation/kinship/lib/fault"
	"github.com/kinship-foundation/kinship/lib/grant"
	"github.com/kinship-foundation/kinship/lib/handle"
	"github.com/kinship-foundation/kinship/lib/keywrap"
	"github.com/kinship-foundation/kinship/lib/secret"
)

// Config holds the engine's collaborators.
type Config struct {
	// Registry owns the connection records the engine rewrites.
	// Required.
	Registry *connection.Registry

	// Circles is the circle definition store. Required.
	Circles *circle.Store

	// Apps lists registered apps for app-grant derivation. Required.
	Apps grant.AppRegistry

	// DriveKeys supplies raw drive keys for wrapping. Required.
	DriveKeys grant.DriveKeySource

	// MasterKey unwraps each member's keystore key. Borrowed for the
	// engine's lifetime, never closed by it. Required.
	MasterKey *secret.Buffer

	// Logger receives per-member failure reports. Defaults to
	// discard.
	Logger *slog.Logger
}

// Engine rewrites connection grants.
type Engine struct {
	registry  *connection.Registry
	circles   *circle.Store
	apps      grant.AppRegistry
	driveKeys grant.DriveKeySource
	masterKey *secret.Buffer
	logger    *slog.Logger
}

// New validates the config and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("reconcile: Registry is required")
	}
	if cfg.Circles == nil {
		return nil, fmt.Errorf("reconcile: Circles is required")
	}
	if cfg.Apps == nil {
		return nil, fmt.Errorf("reconcile: Apps is required")
	}
	if cfg.DriveKeys == nil {
		return nil, fmt.Errorf("reconcile: DriveKeys is required")
	}
	if cfg.MasterKey == nil {
		return nil, fmt.Errorf("reconcile: MasterKey is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		registry:  cfg.Registry,
		circles:   cfg.Circles,
		apps:      cfg.Apps,
		driveKeys: cfg.DriveKeys,
		masterKey: cfg.MasterKey,
		logger:    logger,
	}, nil
}

// Run drains the bus until the context is cancelled. Command failures
// are logged; Run only returns on cancellation.
func (e *Engine) Run(ctx context.Context, bus *Bus) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case command := <-bus.commands:
			if err := e.handle(ctx, command); err != nil {
				e.logger.Error("reconciliation command failed", "command", fmt.Sprintf("%T", command), "error", err)
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, command Command) error {
	switch c := command.(type) {
	case CircleDefinitionChanged:
		definition, err := e.circles.Get(ctx, c.CircleID)
		if err != nil {
			return err
		}
		report, err := e.reconcileCircle(ctx, definition)
		e.logReport(report)
		return err
	case AppAuthorizedCirclesChanged:
		return e.ReconcileAuthorizedCircles(ctx, c.Old, c.New)
	default:
		return fmt.Errorf("reconcile: unknown command %T", command)
	}
}

// StaleMember is a circle member found holding a grant while not in
// Connected status. The grant is left in place; follow-up is manual.
type StaleMember struct {
	Identity handle.Handle
	CircleID uuid.UUID
	Status   connection.Status
}

// IntegrityReport collects the data-integrity signals of one
// circle-wide walk.
type IntegrityReport struct {
	Stale []StaleMember
}

// UpdateCircleDefinition validates and stores the new definition, then
// regenerates the circle grant of every Connected member. Members
// holding a grant in any other status are skipped and flagged in the
// report.
func (e *Engine) UpdateCircleDefinition(ctx context.Context, definition circle.Definition) (IntegrityReport, error) {
	updated, err := e.circles.Update(ctx, definition)
	if err != nil {
		return IntegrityReport{}, err
	}
	report, err := e.reconcileCircle(ctx, updated)
	e.logReport(report)
	return report, err
}

func (e *Engine) reconcileCircle(ctx context.Context, definition circle.Definition) (IntegrityReport, error) {
	members, err := e.registry.CircleMembers(ctx, definition.ID)
	if err != nil {
		return IntegrityReport{}, err
	}

	var report IntegrityReport
	for _, member := range members {
		record, err := e.registry.Get(ctx, member)
		if err != nil {
			e.logger.Error("reading circle member failed", "circle", definition.ID, "identity", member, "error", err)
			continue
		}
		if record.Grant == nil {
			// Membership row without a live grant: the projection
			// diverged from its source.
			e.logger.Warn("integrity: member without access grant", "circle", definition.ID, "identity", member)
			report.Stale = append(report.Stale, StaleMember{Identity: member, CircleID: definition.ID, Status: record.Status})
			continue
		}
		if !record.IsConnected() {
			report.Stale = append(report.Stale, StaleMember{Identity: member, CircleID: definition.ID, Status: record.Status})
			continue
		}

		err = keywrap.WithUnwrapped(record.Grant.MasterKeyWrappedKeystoreKey, e.masterKey, func(keystoreKey *secret.Buffer) error {
			circleGrant, err := grant.NewCircleGrant(definition.ID, definition.DriveGrants, definition.Permissions, keystoreKey, e.driveKeys)
			if err != nil {
				return err
			}
			record.Grant.CircleGrants[definition.ID] = circleGrant
			return nil
		})
		if err != nil {
			e.logger.Error("regenerating circle grant failed", "circle", definition.ID, "identity", member, "error", err)
			continue
		}

		if err := e.registry.UpsertIf(ctx, record, record.Status); err != nil {
			e.logger.Error("storing regenerated grant failed", "circle", definition.ID, "identity", member, "error", err)
		}
	}
	return report, nil
}

// DeleteCircleDefinition deletes a circle that has no members left.
// A circle with members is rejected with a circle-has-members
// precondition; callers must revoke every membership first.
func (e *Engine) DeleteCircleDefinition(ctx context.Context, circleID uuid.UUID) error {
	members, err := e.registry.CircleMembers(ctx, circleID)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		return fault.Precondition(fault.CodeCircleHasMembers, "circle %s still has %d members", circleID, len(members))
	}
	return e.circles.Delete(ctx, circleID)
}

// ReconcileAuthorizedCircles applies an app's authorized-circle
// change: members of circles the app dropped lose that app's grant for
// those circles; members of circles the app gained receive a freshly
// composed one. Each member is processed with its own keystore key
// decrypt and wipe, never batched.
func (e *Engine) ReconcileAuthorizedCircles(ctx context.Context, oldApp, newApp grant.AppRegistration) error {
	oldSet := make(map[uuid.UUID]bool, len(oldApp.AuthorizedCircles))
	for _, circleID := range oldApp.AuthorizedCircles {
		oldSet[circleID] = true
	}
	newSet := make(map[uuid.UUID]bool, len(newApp.AuthorizedCircles))
	for _, circleID := range newApp.AuthorizedCircles {
		newSet[circleID] = true
	}

	for _, circleID := range oldApp.AuthorizedCircles {
		if newSet[circleID] {
			continue
		}
		e.walkMembers(ctx, circleID, func(record *connection.Record) error {
			record.Grant.AppGrants = removeAppGrant(record.Grant.AppGrants, newApp.ID, circleID)
			return nil
		})
	}

	for _, circleID := range newApp.AuthorizedCircles {
		if oldSet[circleID] {
			continue
		}
		e.walkMembers(ctx, circleID, func(record *connection.Record) error {
			return keywrap.WithUnwrapped(record.Grant.MasterKeyWrappedKeystoreKey, e.masterKey, func(keystoreKey *secret.Buffer) error {
				appGrant, err := grant.NewAppCircleGrant(newApp, circleID, keystoreKey, e.driveKeys)
				if err != nil {
					return err
				}
				record.Grant.AppGrants = removeAppGrant(record.Grant.AppGrants, newApp.ID, circleID)
				record.Grant.AppGrants = append(record.Grant.AppGrants, appGrant)
				return nil
			})
		})
	}
	return nil
}

// walkMembers applies mutate to each Connected member of a circle and
// stores the result with a status CAS. Non-Connected members and
// per-member failures are logged and skipped.
func (e *Engine) walkMembers(ctx context.Context, circleID uuid.UUID, mutate func(*connection.Record) error) {
	members, err := e.registry.CircleMembers(ctx, circleID)
	if err != nil {
		e.logger.Error("listing circle members failed", "circle", circleID, "error", err)
		return
	}
	for _, member := range members {
		record, err := e.registry.Get(ctx, member)
		if err != nil {
			e.logger.Error("reading circle member failed", "circle", circleID, "identity", member, "error", err)
			continue
		}
		if record.Grant == nil || !record.IsConnected() {
			continue
		}
		if err := mutate(&record); err != nil {
			e.logger.Error("rewriting member grant failed", "circle", circleID, "identity", member, "error", err)
			continue
		}
		if err := e.registry.UpsertIf(ctx, record, record.Status); err != nil {
			e.logger.Error("storing member grant failed", "circle", circleID, "identity", member, "error", err)
		}
	}
}

// GrantCircle adds a circle grant to one Connected identity. Fails
// with already-member if the identity already holds the circle. Apps
// authorizing the circle have their grants attached in the same
// operation, so no separate reconciliation pass is needed.
func (e *Engine) GrantCircle(ctx context.Context, circleID uuid.UUID, identity handle.Handle) error {
	definition, err := e.circles.Get(ctx, circleID)
	if err != nil {
		return err
	}
	record, err := e.registry.Get(ctx, identity)
	if err != nil {
		return err
	}
	if !record.IsConnected() {
		return fault.Precondition(fault.CodeNotConnected, "identity %s is %s", identity, record.Status)
	}
	if _, member := record.Grant.CircleGrants[circleID]; member {
		return fault.Precondition(fault.CodeAlreadyMember, "identity %s already holds circle %s", identity, circleID)
	}

	apps, err := e.apps.ListRegisteredApps(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: listing apps: %w", err)
	}

	err = keywrap.WithUnwrapped(record.Grant.MasterKeyWrappedKeystoreKey, e.masterKey, func(keystoreKey *secret.Buffer) error {
		circleGrant, err := grant.NewCircleGrant(definition.ID, definition.DriveGrants, definition.Permissions, keystoreKey, e.driveKeys)
		if err != nil {
			return err
		}
		record.Grant.CircleGrants[circleID] = circleGrant

		for _, app := range apps {
			if !app.AuthorizesCircle(circleID) {
				continue
			}
			appGrant, err := grant.NewAppCircleGrant(app, circleID, keystoreKey, e.driveKeys)
			if err != nil {
				return err
			}
			record.Grant.AppGrants = removeAppGrant(record.Grant.AppGrants, app.ID, circleID)
			record.Grant.AppGrants = append(record.Grant.AppGrants, appGrant)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return e.registry.UpsertIf(ctx, record, record.Status)
}

// RevokeCircleAccess removes an identity's direct circle grant and
// every app-derived grant for that circle, across all apps.
// Revoking a circle the identity does not hold is a no-op.
func (e *Engine) RevokeCircleAccess(ctx context.Context, circleID uuid.UUID, identity handle.Handle) error {
	record, err := e.registry.Get(ctx, identity)
	if err != nil {
		return err
	}
	if record.Grant == nil {
		return fault.Precondition(fault.CodeNotConnected, "identity %s is %s", identity, record.Status)
	}
	if _, member := record.Grant.CircleGrants[circleID]; !member {
		return nil
	}

	delete(record.Grant.CircleGrants, circleID)
	kept := record.Grant.AppGrants[:0]
	for _, appGrant := range record.Grant.AppGrants {
		if appGrant.CircleID != circleID {
			kept = append(kept, appGrant)
		}
	}
	record.Grant.AppGrants = kept

	return e.registry.UpsertIf(ctx, record, record.Status)
}

func (e *Engine) logReport(report IntegrityReport) {
	for _, stale := range report.Stale {
		e.logger.Warn("integrity: stale circle grant",
			"circle", stale.CircleID,
			"identity", stale.Identity,
			"status", stale.Status)
	}
}

func removeAppGrant(grants []grant.AppCircleGrant, appID, circleID uuid.UUID) []grant.AppCircleGrant {
	kept := grants[:0]
	for _, appGrant := range grants {
		if appGrant.AppID == appID && appGrant.CircleID == circleID {
			continue
		}
		kept = append(kept, appGrant)
	}
	return kept
}
