// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kinship-foundation/kinship/lib/clock"
	"github.com/kinship-foundation/kinship/lib/codec"
	"github.com/kinship-foundation/kinship/lib/fault"
	"github.com/kinship-foundation/kinship/lib/grant"
	"github.com/kinship-foundation/kinship/lib/handle"
	"github.com/kinship-foundation/kinship/lib/keywrap"
	"github.com/kinship-foundation/kinship/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	identity TEXT PRIMARY KEY,
	status   INTEGER NOT NULL,
	record   BLOB NOT NULL,
	created  INTEGER NOT NULL,
	tiebreak BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS connections_status_created
	ON connections (status, created DESC);

CREATE TABLE IF NOT EXISTS circle_members (
	circle_id    TEXT NOT NULL,
	identity     TEXT NOT NULL,
	circle_grant BLOB NOT NULL,
	PRIMARY KEY (circle_id, identity)
);
CREATE INDEX IF NOT EXISTS circle_members_identity
	ON circle_members (identity);

CREATE TABLE IF NOT EXISTS app_grants (
	identity  TEXT NOT NULL,
	app_id    TEXT NOT NULL,
	circle_id TEXT NOT NULL,
	app_grant BLOB NOT NULL,
	PRIMARY KEY (identity, app_id, circle_id)
);
CREATE INDEX IF NOT EXISTS app_grants_circle
	ON app_grants (circle_id);
`

// storedGrant is the part of an access grant the connection row
// carries. Circle grants live in the membership index and app grants
// in their own relation; both are reconstructed on read.
type storedGrant struct {
	WrappedKeystoreKey keywrap.WrappedKey       `cbor:"wrapped_keystore_key"`
	Registration       grant.AccessRegistration `cbor:"registration"`
}

// storedRecord is the CBOR shape of the connection row's record blob.
type storedRecord struct {
	Identity             handle.Handle      `cbor:"identity"`
	Status               int                `cbor:"status"`
	Grant                *storedGrant       `cbor:"grant,omitempty"`
	EncryptedClientToken keywrap.WrappedKey `cbor:"encrypted_client_token"`
	Origin               int                `cbor:"origin"`
	Introducer           handle.Handle      `cbor:"introducer,omitempty"`
	Contact              ContactData        `cbor:"contact"`
	CreatedMilli         int64              `cbor:"created"`
	UpdatedMilli         int64              `cbor:"updated"`
}

// RegistryConfig holds the parameters for opening a connection
// registry.
type RegistryConfig struct {
	// Pool is the shared database pool. Required.
	Pool *sqlitepool.Pool

	// Clock provides record timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger
}

// Registry is the exclusive owner of connection records. Every
// mutation runs in one IMMEDIATE transaction covering the connection
// row, the circle membership index, and the app-grant relation.
type Registry struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// OpenRegistry creates the registry's tables if needed and returns
// the registry. The pool is shared and not closed by the registry.
func OpenRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("connection registry: Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("connection registry: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("connection registry: %w", err)
	}
	defer cfg.Pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return nil, fmt.Errorf("connection registry: creating schema: %w", err)
	}

	return &Registry{pool: cfg.Pool, clock: cfg.Clock, logger: logger}, nil
}

// Get returns the record for an identity. Identities with no row get
// a synthetic {Status: None} record, never an error, so callers treat
// "never connected" uniformly.
func (r *Registry) Get(ctx context.Context, identity handle.Handle) (Record, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("connection registry: get: %w", err)
	}
	defer r.pool.Put(conn)

	record, found, err := r.getRecord(conn, identity)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{Identity: identity, Status: StatusNone}, nil
	}
	return record, nil
}

// Upsert writes a record. A record with status None deletes any
// existing row instead; no None row is ever persisted. Otherwise the
// write is one atomic unit: the membership index is synchronized with
// the record's circle grants, the app-grant rows are replaced, and the
// row is stored with both stripped.
func (r *Registry) Upsert(ctx context.Context, record Record) error {
	return r.upsert(ctx, record, nil)
}

// UpsertIf is Upsert conditional on the last-observed status. If the
// stored status (None for a missing row) differs from expected, the
// write is abandoned and a conflict fault returned so the caller can
// re-read and decide. All accept, grant, revoke, and block paths go
// through this; two concurrent accepts produce exactly one Connected
// row.
func (r *Registry) UpsertIf(ctx context.Context, record Record, expected Status) error {
	return r.upsert(ctx, record, &expected)
}

func (r *Registry) upsert(ctx context.Context, record Record, expected *Status) (err error) {
	if record.Status != StatusNone {
		if err := record.Validate(); err != nil {
			return fault.Precondition(fault.CodeInvalidStatus, "%v", err)
		}
	}

	conn, err := r.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("connection registry: upsert: %w", err)
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("connection registry: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	currentStatus, createdMilli, found, err := r.rowStatus(conn, record.Identity)
	if err != nil {
		return err
	}
	if expected != nil && currentStatus != *expected {
		return fault.Conflict("connection %s is %s, expected %s", record.Identity, currentStatus, *expected)
	}

	if record.Status == StatusNone {
		if found {
			if err := r.deleteRecord(conn, record.Identity); err != nil {
				return err
			}
			r.logger.Info("connection removed", "identity", record.Identity)
		}
		return nil
	}

	now := r.clock.Now().UTC()
	if found {
		record.Created = time.UnixMilli(createdMilli).UTC()
	} else {
		record.Created = now
	}
	record.Updated = now

	if err := r.putRecord(conn, record); err != nil {
		return err
	}
	r.logger.Info("connection stored", "identity", record.Identity, "status", record.Status)
	return nil
}

// Delete removes the connection row, its app-grant rows, and its
// membership entries as one unit. Deleting a missing identity is a
// no-op.
func (r *Registry) Delete(ctx context.Context, identity handle.Handle) (err error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("connection registry: delete: %w", err)
	}
	defer r.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("connection registry: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return r.deleteRecord(conn, identity)
}

// Page is one page of a connection listing.
type Page struct {
	Records []Record

	// NextCursor resumes the listing after the last record. Empty on
	// the final page. Opaque; callers must not interpret it.
	NextCursor string
}

// List returns connections with the given status ordered by creation
// time descending. The cursor is a resumption token from a previous
// page, or empty for the first page. Stable under concurrent inserts:
// a row created after a page was read never reappears in a later page.
func (r *Registry) List(ctx context.Context, status Status, pageSize int, cursorToken string) (Page, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	conn, err := r.pool.Take(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("connection registry: list: %w", err)
	}
	defer r.pool.Put(conn)

	query := `SELECT identity, created, tiebreak FROM connections WHERE status = ?`
	args := []any{int(status)}
	if cursorToken != "" {
		after, err := decodeCursor(cursorToken)
		if err != nil {
			return Page{}, err
		}
		query += ` AND (created < ? OR (created = ? AND tiebreak < ?))`
		args = append(args, after.CreatedMilli, after.CreatedMilli, after.Tiebreak)
	}
	query += ` ORDER BY created DESC, tiebreak DESC LIMIT ?`
	args = append(args, pageSize)

	type listRow struct {
		identity handle.Handle
		cursor   cursor
	}
	var rows []listRow
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			identity, err := handle.Parse(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("bad identity %q: %w", stmt.ColumnText(0), err)
			}
			tiebreak := make([]byte, stmt.ColumnLen(2))
			stmt.ColumnBytes(2, tiebreak)
			rows = append(rows, listRow{
				identity: identity,
				cursor:   cursor{CreatedMilli: stmt.ColumnInt64(1), Tiebreak: tiebreak},
			})
			return nil
		},
	})
	if err != nil {
		return Page{}, fmt.Errorf("connection registry: list: %w", err)
	}

	page := Page{Records: make([]Record, 0, len(rows))}
	for _, row := range rows {
		record, found, err := r.getRecord(conn, row.identity)
		if err != nil {
			return Page{}, err
		}
		if !found {
			continue
		}
		page.Records = append(page.Records, record)
	}

	if len(rows) == pageSize {
		token, err := encodeCursor(rows[len(rows)-1].cursor)
		if err != nil {
			return Page{}, err
		}
		page.NextCursor = token
	}
	return page, nil
}

// CircleMembers returns the identities holding a grant for the given
// circle.
func (r *Registry) CircleMembers(ctx context.Context, circleID uuid.UUID) ([]handle.Handle, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("connection registry: circle members: %w", err)
	}
	defer r.pool.Put(conn)

	var members []handle.Handle
	err = sqlitex.Execute(conn, `SELECT identity FROM circle_members WHERE circle_id = ? ORDER BY identity`, &sqlitex.ExecOptions{
		Args: []any{circleID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			identity, err := handle.Parse(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("bad identity %q: %w", stmt.ColumnText(0), err)
			}
			members = append(members, identity)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connection registry: circle members %s: %w", circleID, err)
	}
	return members, nil
}

// CirclesFor returns the ids of every circle the identity holds a
// grant for.
func (r *Registry) CirclesFor(ctx context.Context, identity handle.Handle) ([]uuid.UUID, error) {
	conn, err := r.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("connection registry: circles for: %w", err)
	}
	defer r.pool.Put(conn)

	var circles []uuid.UUID
	err = sqlitex.Execute(conn, `SELECT circle_id FROM circle_members WHERE identity = ? ORDER BY circle_id`, &sqlitex.ExecOptions{
		Args: []any{identity.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			circleID, err := uuid.Parse(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("bad circle id %q: %w", stmt.ColumnText(0), err)
			}
			circles = append(circles, circleID)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connection registry: circles for %s: %w", identity, err)
	}
	return circles, nil
}

// rowStatus reads the status and created time of a connection row.
// Missing rows report StatusNone.
func (r *Registry) rowStatus(conn *sqlite.Conn, identity handle.Handle) (Status, int64, bool, error) {
	status := StatusNone
	var createdMilli int64
	found := false
	err := sqlitex.Execute(conn, `SELECT status, created FROM connections WHERE identity = ?`, &sqlitex.ExecOptions{
		Args: []any{identity.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			status = Status(stmt.ColumnInt(0))
			createdMilli = stmt.ColumnInt64(1)
			found = true
			return nil
		},
	})
	if err != nil {
		return StatusNone, 0, false, fmt.Errorf("connection registry: reading status of %s: %w", identity, err)
	}
	return status, createdMilli, found, nil
}

// getRecord reads one record and reconstructs its grants from the
// membership index and app-grant rows.
func (r *Registry) getRecord(conn *sqlite.Conn, identity handle.Handle) (Record, bool, error) {
	var stored storedRecord
	found := false
	err := sqlitex.Execute(conn, `SELECT record FROM connections WHERE identity = ?`, &sqlitex.ExecOptions{
		Args: []any{identity.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			if err := codec.Unmarshal(blob, &stored); err != nil {
				return fmt.Errorf("decoding record: %w", err)
			}
			found = true
			return nil
		},
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("connection registry: reading %s: %w", identity, err)
	}
	if !found {
		return Record{}, false, nil
	}

	record := Record{
		Identity:             stored.Identity,
		Status:               Status(stored.Status),
		EncryptedClientToken: stored.EncryptedClientToken,
		Origin:               Origin(stored.Origin),
		Introducer:           stored.Introducer,
		Contact:              stored.Contact,
		Created:              time.UnixMilli(stored.CreatedMilli).UTC(),
		Updated:              time.UnixMilli(stored.UpdatedMilli).UTC(),
	}
	if stored.Grant == nil {
		return record, true, nil
	}

	accessGrant := &grant.AccessGrant{
		CircleGrants:                make(map[uuid.UUID]grant.CircleGrant),
		MasterKeyWrappedKeystoreKey: stored.Grant.WrappedKeystoreKey,
		Registration:                stored.Grant.Registration,
	}

	err = sqlitex.Execute(conn, `SELECT circle_grant FROM circle_members WHERE identity = ?`, &sqlitex.ExecOptions{
		Args: []any{identity.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			var circleGrant grant.CircleGrant
			if err := codec.Unmarshal(blob, &circleGrant); err != nil {
				return fmt.Errorf("decoding circle grant: %w", err)
			}
			accessGrant.CircleGrants[circleGrant.CircleID] = circleGrant
			return nil
		},
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("connection registry: reading circle grants of %s: %w", identity, err)
	}

	err = sqlitex.Execute(conn, `SELECT app_grant FROM app_grants WHERE identity = ? ORDER BY app_id, circle_id`, &sqlitex.ExecOptions{
		Args: []any{identity.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			var appGrant grant.AppCircleGrant
			if err := codec.Unmarshal(blob, &appGrant); err != nil {
				return fmt.Errorf("decoding app grant: %w", err)
			}
			accessGrant.AppGrants = append(accessGrant.AppGrants, appGrant)
			return nil
		},
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("connection registry: reading app grants of %s: %w", identity, err)
	}

	record.Grant = accessGrant
	return record, true, nil
}

// putRecord writes the row with grants stripped and synchronizes the
// derived projections: membership rows are added, replaced, or removed
// to match the record's circle grants exactly, and the app-grant rows
// are replaced wholesale.
func (r *Registry) putRecord(conn *sqlite.Conn, record Record) error {
	stored := storedRecord{
		Identity:             record.Identity,
		Status:               int(record.Status),
		EncryptedClientToken: record.EncryptedClientToken,
		Origin:               int(record.Origin),
		Introducer:           record.Introducer,
		Contact:              record.Contact,
		CreatedMilli:         record.Created.UnixMilli(),
		UpdatedMilli:         record.Updated.UnixMilli(),
	}
	if record.Grant != nil {
		stored.Grant = &storedGrant{
			WrappedKeystoreKey: record.Grant.MasterKeyWrappedKeystoreKey,
			Registration:       record.Grant.Registration,
		}
	}

	blob, err := codec.Marshal(stored)
	if err != nil {
		return fmt.Errorf("connection registry: encoding %s: %w", record.Identity, err)
	}

	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO connections (identity, status, record, created, tiebreak)
		VALUES (?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			record.Identity.String(),
			int(record.Status),
			blob,
			record.Created.UnixMilli(),
			rowTiebreak(record.Identity),
		},
	})
	if err != nil {
		return fmt.Errorf("connection registry: writing %s: %w", record.Identity, err)
	}

	// Synchronize the membership index.
	wanted := map[uuid.UUID]grant.CircleGrant{}
	if record.Grant != nil {
		wanted = record.Grant.CircleGrants
	}
	var stale []string
	err = sqlitex.Execute(conn, `SELECT circle_id FROM circle_members WHERE identity = ?`, &sqlitex.ExecOptions{
		Args: []any{record.Identity.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			circleID, err := uuid.Parse(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("bad circle id %q: %w", stmt.ColumnText(0), err)
			}
			if _, keep := wanted[circleID]; !keep {
				stale = append(stale, circleID.String())
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("connection registry: diffing memberships of %s: %w", record.Identity, err)
	}
	for _, circleID := range stale {
		err = sqlitex.Execute(conn, `DELETE FROM circle_members WHERE circle_id = ? AND identity = ?`, &sqlitex.ExecOptions{
			Args: []any{circleID, record.Identity.String()},
		})
		if err != nil {
			return fmt.Errorf("connection registry: removing membership %s/%s: %w", circleID, record.Identity, err)
		}
	}
	for circleID, circleGrant := range wanted {
		grantBlob, err := codec.Marshal(circleGrant)
		if err != nil {
			return fmt.Errorf("connection registry: encoding circle grant %s: %w", circleID, err)
		}
		err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO circle_members (circle_id, identity, circle_grant)
			VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{circleID.String(), record.Identity.String(), grantBlob},
		})
		if err != nil {
			return fmt.Errorf("connection registry: writing membership %s/%s: %w", circleID, record.Identity, err)
		}
	}

	// Replace the app-grant rows.
	err = sqlitex.Execute(conn, `DELETE FROM app_grants WHERE identity = ?`, &sqlitex.ExecOptions{
		Args: []any{record.Identity.String()},
	})
	if err != nil {
		return fmt.Errorf("connection registry: clearing app grants of %s: %w", record.Identity, err)
	}
	if record.Grant != nil {
		for _, appGrant := range record.Grant.AppGrants {
			grantBlob, err := codec.Marshal(appGrant)
			if err != nil {
				return fmt.Errorf("connection registry: encoding app grant %s/%s: %w", appGrant.AppID, appGrant.CircleID, err)
			}
			err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO app_grants (identity, app_id, circle_id, app_grant)
				VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
				Args: []any{
					record.Identity.String(),
					appGrant.AppID.String(),
					appGrant.CircleID.String(),
					grantBlob,
				},
			})
			if err != nil {
				return fmt.Errorf("connection registry: writing app grant %s/%s: %w", appGrant.AppID, appGrant.CircleID, err)
			}
		}
	}
	return nil
}

// deleteRecord removes the row and both derived projections.
func (r *Registry) deleteRecord(conn *sqlite.Conn, identity handle.Handle) error {
	for _, statement := range []string{
		`DELETE FROM circle_members WHERE identity = ?`,
		`DELETE FROM app_grants WHERE identity = ?`,
		`DELETE FROM connections WHERE identity = ?`,
	} {
		err := sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{
			Args: []any{identity.String()},
		})
		if err != nil {
			return fmt.Errorf("connection registry: deleting %s: %w", identity, err)
		}
	}
	return nil
}
