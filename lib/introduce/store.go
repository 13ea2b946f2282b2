// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package introduce

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kinship-foundation/kinship/lib/codec"
	"github.com/kinship-foundation/kinship/lib/handle"
	"github.com/kinship-foundation/kinship/lib/sqlitepool"
)

const introductionSchema = `
CREATE TABLE IF NOT EXISTS received_introductions (
    identity   TEXT NOT NULL,
    introducer TEXT NOT NULL,
    record     BLOB NOT NULL,
    received   INTEGER NOT NULL,
    PRIMARY KEY (identity, introducer)
);
`

// Received is a stored inbound introduction: one identity vouched for
// by one introducer. A re-introduction from the same introducer
// replaces the stored row.
type Received struct {
	Identity   handle.Handle `cbor:"identity"`
	Introducer handle.Handle `cbor:"introducer"`
	PublicKey  string        `cbor:"public_key"`
	Message    string        `cbor:"message,omitempty"`
	ReceivedAt time.Time     `cbor:"received_at"`
}

type introductionStore struct {
	pool *sqlitepool.Pool
}

func openIntroductionStore(ctx context.Context, pool *sqlitepool.Pool) (*introductionStore, error) {
	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, introductionSchema, nil); err != nil {
		return nil, fmt.Errorf("introduce store: applying schema: %w", err)
	}
	return &introductionStore{pool: pool}, nil
}

func (s *introductionStore) put(ctx context.Context, received Received) error {
	blob, err := codec.Marshal(received)
	if err != nil {
		return fmt.Errorf("introduce store: encoding introduction: %w", err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn,
		`INSERT OR REPLACE INTO received_introductions (identity, introducer, record, received) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{received.Identity.String(), received.Introducer.String(), blob, received.ReceivedAt.UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("introduce store: storing introduction: %w", err)
	}
	return nil
}

// list returns every stored introduction, oldest first.
func (s *introductionStore) list(ctx context.Context) ([]Received, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []Received
	err = sqlitex.Execute(conn,
		`SELECT record FROM received_introductions ORDER BY received, identity`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				var received Received
				if err := codec.Unmarshal(blob, &received); err != nil {
					return fmt.Errorf("decoding introduction: %w", err)
				}
				out = append(out, received)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("introduce store: listing introductions: %w", err)
	}
	return out, nil
}

// deleteFor removes every introduction for the identity, regardless of
// introducer.
func (s *introductionStore) deleteFor(ctx context.Context, identity handle.Handle) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn,
		`DELETE FROM received_introductions WHERE identity = ?`,
		&sqlitex.ExecOptions{Args: []any{identity.String()}})
	if err != nil {
		return fmt.Errorf("introduce store: deleting introductions: %w", err)
	}
	return nil
}

func (s *introductionStore) delete(ctx context.Context, identity, introducer handle.Handle) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn,
		`DELETE FROM received_introductions WHERE identity = ? AND introducer = ?`,
		&sqlitex.ExecOptions{Args: []any{identity.String(), introducer.String()}})
	if err != nil {
		return fmt.Errorf("introduce store: deleting introduction: %w", err)
	}
	return nil
}
