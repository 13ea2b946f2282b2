// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package circle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kinship-foundation/kinship/lib/clock"
	"github.com/kinship-foundation/kinship/lib/codec"
	"github.com/kinship-foundation/kinship/lib/fault"
	"github.com/kinship-foundation/kinship/lib/grant"
	"github.com/kinship-foundation/kinship/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS circles (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	system   INTEGER NOT NULL DEFAULT 0,
	disabled INTEGER NOT NULL DEFAULT 0,
	grants   BLOB NOT NULL,
	created  INTEGER NOT NULL,
	updated  INTEGER NOT NULL
);
`

// grantsBlob is the CBOR-encoded portion of a definition that has no
// column of its own.
type grantsBlob struct {
	DriveGrants []grant.DriveGrantRequest `cbor:"drive_grants"`
	Permissions grant.PermissionSet       `cbor:"permissions"`
}

// StoreConfig holds the parameters for opening a circle store.
type StoreConfig struct {
	// Pool is the shared database pool. Required.
	Pool *sqlitepool.Pool

	// Drives validates drive grants and lists anonymous drives for
	// the connected-identities circle. Required.
	Drives DriveService

	// Clock provides definition timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger
}

// Store persists circle definitions.
type Store struct {
	pool   *sqlitepool.Pool
	drives DriveService
	clock  clock.Clock
	logger *slog.Logger
}

// OpenStore creates the circle store's table if needed and returns the
// store. The pool is shared with other stores and not closed by this
// one.
func OpenStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("circle store: Pool is required")
	}
	if cfg.Drives == nil {
		return nil, fmt.Errorf("circle store: Drives is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("circle store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("circle store: %w", err)
	}
	defer cfg.Pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("circle store: creating schema: %w", err)
	}

	return &Store{
		pool:   cfg.Pool,
		drives: cfg.Drives,
		clock:  cfg.Clock,
		logger: logger,
	}, nil
}

// Create validates the definition's drive grants and inserts it.
// System flags and timestamps are assigned here, not by the caller.
func (s *Store) Create(ctx context.Context, definition Definition) (Definition, error) {
	if definition.ID == uuid.Nil {
		definition.ID = uuid.New()
	}
	if definition.Name == "" {
		return Definition{}, fault.Precondition(fault.CodeInvalidDriveGrant, "circle needs a name")
	}
	if err := s.ValidateDriveGrants(ctx, definition.DriveGrants); err != nil {
		return Definition{}, err
	}

	now := s.clock.Now().UTC()
	definition.System = IsSystemCircle(definition.ID)
	definition.Created = now
	definition.Updated = now

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Definition{}, fmt.Errorf("circle store: create: %w", err)
	}
	defer s.pool.Put(conn)

	if err := insertDefinition(conn, definition); err != nil {
		return Definition{}, err
	}
	s.logger.Info("circle created", "circle", definition.ID, "name", definition.Name)
	return definition, nil
}

// Get returns the definition for id, or an unknown-circle precondition
// fault.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Definition, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Definition{}, fmt.Errorf("circle store: get: %w", err)
	}
	defer s.pool.Put(conn)
	return getDefinition(conn, id)
}

// List returns every definition ordered by name.
func (s *Store) List(ctx context.Context) ([]Definition, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("circle store: list: %w", err)
	}
	defer s.pool.Put(conn)

	var definitions []Definition
	err = sqlitex.Execute(conn, `SELECT id, name, system, disabled, grants, created, updated FROM circles`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			definition, err := scanDefinition(stmt)
			if err != nil {
				return err
			}
			definitions = append(definitions, definition)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("circle store: list: %w", err)
	}
	sort.Slice(definitions, func(i, j int) bool { return definitions[i].Name < definitions[j].Name })
	return definitions, nil
}

// Update replaces a definition's name, drive grants, and permission
// set. The disabled flag is managed through Disable/Enable only.
// Membership grants are not touched here; the reconciliation engine
// rewrites them when it observes the definition change.
func (s *Store) Update(ctx context.Context, definition Definition) (Definition, error) {
	if err := s.ValidateDriveGrants(ctx, definition.DriveGrants); err != nil {
		return Definition{}, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Definition{}, fmt.Errorf("circle store: update: %w", err)
	}
	defer s.pool.Put(conn)

	existing, err := getDefinition(conn, definition.ID)
	if err != nil {
		return Definition{}, err
	}
	existing.Name = definition.Name
	existing.DriveGrants = definition.DriveGrants
	existing.Permissions = definition.Permissions
	existing.Updated = s.clock.Now().UTC()

	if err := updateDefinition(conn, existing); err != nil {
		return Definition{}, err
	}
	s.logger.Info("circle updated", "circle", existing.ID, "name", existing.Name)
	return existing, nil
}

// Delete removes a definition. System circles cannot be deleted.
// Callers that track membership must check for remaining members
// first; the reconciliation engine's DeleteCircleDefinition does.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if IsSystemCircle(id) {
		return fault.Precondition(fault.CodeSystemCircle, "circle %s is a system circle", id)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("circle store: delete: %w", err)
	}
	defer s.pool.Put(conn)

	if _, err := getDefinition(conn, id); err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `DELETE FROM circles WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id.String()},
	})
	if err != nil {
		return fmt.Errorf("circle store: delete %s: %w", id, err)
	}
	s.logger.Info("circle deleted", "circle", id)
	return nil
}

// Disable marks a circle disabled. Its members keep their grants, but
// compositions filter the circle out until Enable.
func (s *Store) Disable(ctx context.Context, id uuid.UUID) error {
	return s.setDisabled(ctx, id, true)
}

// Enable clears the disabled flag, restoring the circle's grants to
// future compositions without regranting.
func (s *Store) Enable(ctx context.Context, id uuid.UUID) error {
	return s.setDisabled(ctx, id, false)
}

func (s *Store) setDisabled(ctx context.Context, id uuid.UUID, disabled bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("circle store: set disabled: %w", err)
	}
	defer s.pool.Put(conn)

	if _, err := getDefinition(conn, id); err != nil {
		return err
	}
	value := 0
	if disabled {
		value = 1
	}
	err = sqlitex.Execute(conn, `UPDATE circles SET disabled = ?, updated = ? WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{value, s.clock.Now().UTC().UnixMilli(), id.String()},
	})
	if err != nil {
		return fmt.Errorf("circle store: set disabled %s: %w", id, err)
	}
	return nil
}

// IsEnabled reports whether a circle exists and is not disabled.
// Unknown circles report false; the composer treats them like
// disabled ones.
func (s *Store) IsEnabled(ctx context.Context, id uuid.UUID) bool {
	definition, err := s.Get(ctx, id)
	if err != nil {
		return false
	}
	return !definition.Disabled
}

// ValidateDriveGrants checks every request against the drive service:
// the drive must exist and the access mask must not be empty.
func (s *Store) ValidateDriveGrants(ctx context.Context, requests []grant.DriveGrantRequest) error {
	for _, request := range requests {
		if request.Access == 0 {
			return fault.Precondition(fault.CodeInvalidDriveGrant, "drive %s: empty access mask", request.DriveID)
		}
		exists, err := s.drives.DriveExists(ctx, request.DriveID)
		if err != nil {
			return fmt.Errorf("circle store: checking drive %s: %w", request.DriveID, err)
		}
		if !exists {
			return fault.Precondition(fault.CodeInvalidDriveGrant, "drive %s does not exist", request.DriveID)
		}
	}
	return nil
}

// EnsureSystemCircles creates any missing system circle and refreshes
// the connected-identities drive list from the anonymous drives.
// Idempotent; called on every startup.
func (s *Store) EnsureSystemCircles(ctx context.Context) error {
	anonymousGrants, err := s.anonymousDriveGrants(ctx)
	if err != nil {
		return err
	}

	wanted := []Definition{
		{
			ID:          ConnectedIdentities,
			Name:        "connected-identities",
			DriveGrants: anonymousGrants,
		},
		{
			ID:   AutoConnections,
			Name: "auto-connections",
		},
		{
			ID:          ConfirmedConnections,
			Name:        "confirmed-connections",
			Permissions: grant.NewPermissionSet(grant.PermissionAllowIntroductions),
		},
	}

	for _, definition := range wanted {
		existing, err := s.Get(ctx, definition.ID)
		if err == nil {
			if definition.ID == ConnectedIdentities {
				existing.DriveGrants = anonymousGrants
				if _, err := s.Update(ctx, existing); err != nil {
					return err
				}
			}
			continue
		}
		if !fault.HasCode(err, fault.CodeUnknownCircle) {
			return err
		}
		if _, err := s.Create(ctx, definition); err != nil {
			return err
		}
	}
	return nil
}

// HandleDriveAdded refreshes the connected-identities drive list after
// a drive was created. Only anonymous-readable drives contribute.
func (s *Store) HandleDriveAdded(ctx context.Context, driveID uuid.UUID) error {
	return s.refreshConnectedIdentities(ctx)
}

// HandleDriveUpdated refreshes the connected-identities drive list
// after a drive's ACL changed. A drive that stopped allowing anonymous
// reads drops out of the circle.
func (s *Store) HandleDriveUpdated(ctx context.Context, driveID uuid.UUID) error {
	return s.refreshConnectedIdentities(ctx)
}

func (s *Store) refreshConnectedIdentities(ctx context.Context) error {
	grants, err := s.anonymousDriveGrants(ctx)
	if err != nil {
		return err
	}
	definition, err := s.Get(ctx, ConnectedIdentities)
	if err != nil {
		return err
	}
	definition.DriveGrants = grants
	_, err = s.Update(ctx, definition)
	return err
}

func (s *Store) anonymousDriveGrants(ctx context.Context) ([]grant.DriveGrantRequest, error) {
	driveIDs, err := s.drives.ListAnonymousDrives(ctx)
	if err != nil {
		return nil, fmt.Errorf("circle store: listing anonymous drives: %w", err)
	}
	grants := make([]grant.DriveGrantRequest, 0, len(driveIDs))
	for _, driveID := range driveIDs {
		grants = append(grants, grant.DriveGrantRequest{DriveID: driveID, Access: grant.AccessRead})
	}
	return grants, nil
}

func insertDefinition(conn *sqlite.Conn, definition Definition) error {
	blob, err := codec.Marshal(grantsBlob{
		DriveGrants: definition.DriveGrants,
		Permissions: definition.Permissions,
	})
	if err != nil {
		return fmt.Errorf("circle store: encoding grants: %w", err)
	}
	system := 0
	if definition.System {
		system = 1
	}
	err = sqlitex.Execute(conn, `INSERT INTO circles (id, name, system, disabled, grants, created, updated)
		VALUES (?, ?, ?, 0, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			definition.ID.String(),
			definition.Name,
			system,
			blob,
			definition.Created.UnixMilli(),
			definition.Updated.UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("circle store: inserting %s: %w", definition.ID, err)
	}
	return nil
}

func updateDefinition(conn *sqlite.Conn, definition Definition) error {
	blob, err := codec.Marshal(grantsBlob{
		DriveGrants: definition.DriveGrants,
		Permissions: definition.Permissions,
	})
	if err != nil {
		return fmt.Errorf("circle store: encoding grants: %w", err)
	}
	err = sqlitex.Execute(conn, `UPDATE circles SET name = ?, grants = ?, updated = ? WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{
			definition.Name,
			blob,
			definition.Updated.UnixMilli(),
			definition.ID.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("circle store: updating %s: %w", definition.ID, err)
	}
	return nil
}

func getDefinition(conn *sqlite.Conn, id uuid.UUID) (Definition, error) {
	var definition Definition
	found := false
	err := sqlitex.Execute(conn, `SELECT id, name, system, disabled, grants, created, updated FROM circles WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			scanned, err := scanDefinition(stmt)
			if err != nil {
				return err
			}
			definition = scanned
			found = true
			return nil
		},
	})
	if err != nil {
		return Definition{}, fmt.Errorf("circle store: get %s: %w", id, err)
	}
	if !found {
		return Definition{}, fault.Precondition(fault.CodeUnknownCircle, "circle %s does not exist", id)
	}
	return definition, nil
}

func scanDefinition(stmt *sqlite.Stmt) (Definition, error) {
	id, err := uuid.Parse(stmt.ColumnText(0))
	if err != nil {
		return Definition{}, fmt.Errorf("circle store: bad circle id %q: %w", stmt.ColumnText(0), err)
	}

	blob := make([]byte, stmt.ColumnLen(4))
	stmt.ColumnBytes(4, blob)
	var grants grantsBlob
	if err := codec.Unmarshal(blob, &grants); err != nil {
		return Definition{}, fmt.Errorf("circle store: decoding grants for %s: %w", id, err)
	}

	return Definition{
		ID:          id,
		Name:        stmt.ColumnText(1),
		System:      stmt.ColumnInt(2) != 0,
		Disabled:    stmt.ColumnInt(3) != 0,
		DriveGrants: grants.DriveGrants,
		Permissions: grants.Permissions,
		Created:     time.UnixMilli(stmt.ColumnInt64(5)).UTC(),
		Updated:     time.UnixMilli(stmt.ColumnInt64(6)).UTC(),
	}, nil
}
