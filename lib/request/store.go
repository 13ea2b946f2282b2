// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kinship-foundation/kinship/lib/codec"
	"github.com/kinship-foundation/kinship/lib/connection"
	"github.com/kinship-foundation/kinship/lib/handle"
	"github.com/kinship-foundation/kinship/lib/keywrap"
	"github.com/kinship-foundation/kinship/lib/sqlitepool"
)

const requestSchema = `
CREATE TABLE IF NOT EXISTS sent_requests (
	recipient TEXT PRIMARY KEY,
	record    BLOB NOT NULL,
	sent      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_requests (
	sender   TEXT PRIMARY KEY,
	record   BLOB NOT NULL,
	received INTEGER NOT NULL
);
`

// SentRequest is this node's record of a request it sent: the circles
// it intends to grant on establishment and the handshake secret,
// wrapped under the node master key so the row is useless on its own.
type SentRequest struct {
	Recipient     handle.Handle      `cbor:"recipient"`
	Message       string             `cbor:"message"`
	CircleIDs     []uuid.UUID        `cbor:"circle_ids"`
	WrappedSecret keywrap.WrappedKey `cbor:"wrapped_secret"`
	SentAt        time.Time          `cbor:"sent_at"`
}

// PendingRequest is a received, not-yet-decided request. The sealed
// secret stays in its transit form until accept time.
type PendingRequest struct {
	Sender       handle.Handle     `cbor:"sender"`
	Message      string            `cbor:"message"`
	Origin       connection.Origin `cbor:"origin"`
	Introducer   handle.Handle     `cbor:"introducer,omitempty"`
	SealedSecret string            `cbor:"sealed_secret"`
	ReceivedAt   time.Time         `cbor:"received_at"`
}

type requestStore struct {
	pool *sqlitepool.Pool
}

func openRequestStore(ctx context.Context, pool *sqlitepool.Pool) (*requestStore, error) {
	conn, err := pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("request store: %w", err)
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, requestSchema, nil); err != nil {
		return nil, fmt.Errorf("request store: creating schema: %w", err)
	}
	return &requestStore{pool: pool}, nil
}

func (s *requestStore) putSent(ctx context.Context, request SentRequest) error {
	blob, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("request store: encoding sent request: %w", err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("request store: put sent: %w", err)
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO sent_requests (recipient, record, sent) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{request.Recipient.String(), blob, request.SentAt.UnixMilli()},
	})
	if err != nil {
		return fmt.Errorf("request store: put sent %s: %w", request.Recipient, err)
	}
	return nil
}

func (s *requestStore) getSent(ctx context.Context, recipient handle.Handle) (SentRequest, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return SentRequest{}, false, fmt.Errorf("request store: get sent: %w", err)
	}
	defer s.pool.Put(conn)

	var request SentRequest
	found := false
	err = sqlitex.Execute(conn, `SELECT record FROM sent_requests WHERE recipient = ?`, &sqlitex.ExecOptions{
		Args: []any{recipient.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			if err := codec.Unmarshal(blob, &request); err != nil {
				return fmt.Errorf("decoding sent request: %w", err)
			}
			found = true
			return nil
		},
	})
	if err != nil {
		return SentRequest{}, false, fmt.Errorf("request store: get sent %s: %w", recipient, err)
	}
	return request, found, nil
}

func (s *requestStore) deleteSent(ctx context.Context, recipient handle.Handle) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("request store: delete sent: %w", err)
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `DELETE FROM sent_requests WHERE recipient = ?`, &sqlitex.ExecOptions{
		Args: []any{recipient.String()},
	})
	if err != nil {
		return fmt.Errorf("request store: delete sent %s: %w", recipient, err)
	}
	return nil
}

func (s *requestStore) putPending(ctx context.Context, request PendingRequest) error {
	blob, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("request store: encoding pending request: %w", err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("request store: put pending: %w", err)
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `INSERT OR REPLACE INTO pending_requests (sender, record, received) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{request.Sender.String(), blob, request.ReceivedAt.UnixMilli()},
	})
	if err != nil {
		return fmt.Errorf("request store: put pending %s: %w", request.Sender, err)
	}
	return nil
}

func (s *requestStore) getPending(ctx context.Context, sender handle.Handle) (PendingRequest, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return PendingRequest{}, false, fmt.Errorf("request store: get pending: %w", err)
	}
	defer s.pool.Put(conn)

	var request PendingRequest
	found := false
	err = sqlitex.Execute(conn, `SELECT record FROM pending_requests WHERE sender = ?`, &sqlitex.ExecOptions{
		Args: []any{sender.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			if err := codec.Unmarshal(blob, &request); err != nil {
				return fmt.Errorf("decoding pending request: %w", err)
			}
			found = true
			return nil
		},
	})
	if err != nil {
		return PendingRequest{}, false, fmt.Errorf("request store: get pending %s: %w", sender, err)
	}
	return request, found, nil
}

func (s *requestStore) listPending(ctx context.Context) ([]PendingRequest, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("request store: list pending: %w", err)
	}
	defer s.pool.Put(conn)

	var requests []PendingRequest
	err = sqlitex.Execute(conn, `SELECT record FROM pending_requests ORDER BY received`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			var request PendingRequest
			if err := codec.Unmarshal(blob, &request); err != nil {
				return fmt.Errorf("decoding pending request: %w", err)
			}
			requests = append(requests, request)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("request store: list pending: %w", err)
	}
	return requests, nil
}

func (s *requestStore) deletePending(ctx context.Context, sender handle.Handle) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("request store: delete pending: %w", err)
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `DELETE FROM pending_requests WHERE sender = ?`, &sqlitex.ExecOptions{
		Args: []any{sender.String()},
	})
	if err != nil {
		return fmt.Errorf("request store: delete pending %s: %w", sender, err)
	}
	return nil
}
