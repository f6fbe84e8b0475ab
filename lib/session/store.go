// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session provides the durable session registry: one SQLite
// row per session ever created, plus the per-session message audit
// trail. The store is the single source of truth — the daemon's live
// connection map is a cache rebuilt from it at startup.
//
// Names are never reused: Create refuses any name that exists in any
// status, including closed. Closed records and their audit messages
// are retained indefinitely; the only physical delete is DeletePending,
// which removes a reservation that never became a session.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/ref"
	"github.com/bureau-foundation/switchboard/lib/sqlitepool"
)

// schema is applied to every new connection. CREATE IF NOT EXISTS
// makes it idempotent across daemon restarts and recovery tool runs.
const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		name        TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL UNIQUE,
		room_id     TEXT NOT NULL DEFAULT '',
		agent_kind  TEXT NOT NULL,
		status      TEXT NOT NULL CHECK (status IN ('pending', 'active', 'closed')),
		credentials TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		last_active INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS sessions_by_activity
		ON sessions (status, last_active DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_name TEXT NOT NULL,
		direction    TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
		body         TEXT NOT NULL,
		recorded_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS messages_by_session
		ON messages (session_name, id);
`

// Config configures a session store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative.
	PoolSize int

	// Clock provides timestamps for created_at, last_active, and
	// recorded_at. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Store is the SQLite-backed session registry.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if necessary) the session database at cfg.Path
// and prepares the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("session store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("session store: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Create reserves a name by inserting a pending record. Returns
// ErrNameTaken if the name exists in any status — closed names are
// never reused.
func (s *Store) Create(ctx context.Context, name string, userID ref.UserID, agentKind string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("session store: create %q: %w", name, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Record{}, fmt.Errorf("session store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	taken := false
	err = sqlitex.Execute(conn, "SELECT 1 FROM sessions WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(*sqlite.Stmt) error {
			taken = true
			return nil
		},
	})
	if err != nil {
		return Record{}, fmt.Errorf("session store: create %q: %w", name, err)
	}
	if taken {
		err = fmt.Errorf("%w: %q", ErrNameTaken, name)
		return Record{}, err
	}

	now := s.clock.Now().UnixMilli()
	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (name, user_id, agent_kind, status, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{name, userID.String(), agentKind, string(StatusPending), now, now},
		})
	if err != nil {
		return Record{}, fmt.Errorf("session store: create %q: %w", name, err)
	}

	return Record{
		Name:       name,
		UserID:     userID,
		AgentKind:  agentKind,
		Status:     StatusPending,
		CreatedAt:  time.UnixMilli(now).UTC(),
		LastActive: time.UnixMilli(now).UTC(),
	}, nil
}

// Get returns the record for a name, or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("session store: get %q: %w", name, err)
	}
	defer s.pool.Put(conn)

	return s.getLocked(conn, name)
}

// getLocked reads one record on an already-held connection.
func (s *Store) getLocked(conn *sqlite.Conn, name string) (Record, error) {
	var record Record
	found := false

	err := sqlitex.Execute(conn,
		`SELECT name, user_id, room_id, agent_kind, status, credentials, created_at, last_active
		 FROM sessions WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				record = scanned
				found = true
				return nil
			},
		})
	if err != nil {
		return Record{}, fmt.Errorf("session store: get %q: %w", name, err)
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return record, nil
}

// List returns records matching the filter, ordered most-recently-active
// first. Ties (records stamped in the same millisecond) break by name
// for deterministic output.
func (s *Store) List(ctx context.Context, filter StatusFilter) ([]Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	defer s.pool.Put(conn)

	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT name, user_id, room_id, agent_kind, status, credentials, created_at, last_active
		FROM sessions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_active DESC, name ASC"

	var records []Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			record, err := scanRecord(stmt)
			if err != nil {
				return err
			}
			records = append(records, record)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	return records, nil
}

// MarkActive completes the create sequence: the pending record gets its
// DM room, its sealed credentials, and status active. Fails if the
// record is missing or not pending.
func (s *Store) MarkActive(ctx context.Context, name string, roomID ref.RoomID, sealedCredentials string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: mark active %q: %w", name, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("session store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	record, err := s.getLocked(conn, name)
	if err != nil {
		return err
	}
	if record.Status != StatusPending {
		err = fmt.Errorf("session store: mark active %q: status is %s, not pending", name, record.Status)
		return err
	}

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET status = ?, room_id = ?, credentials = ?, last_active = ? WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(StatusActive), roomID.String(), sealedCredentials, s.clock.Now().UnixMilli(), name},
		})
	if err != nil {
		return fmt.Errorf("session store: mark active %q: %w", name, err)
	}
	return nil
}

// MarkClosed sets a record's status to closed. Closing an
// already-closed record is a no-op success, so both kill paths can call
// it without checking first. Returns ErrNotFound for unknown names.
func (s *Store) MarkClosed(ctx context.Context, name string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: mark closed %q: %w", name, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("session store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	record, err := s.getLocked(conn, name)
	if err != nil {
		return err
	}
	if record.Status == StatusClosed {
		return nil
	}

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET status = ?, last_active = ? WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(StatusClosed), s.clock.Now().UnixMilli(), name},
		})
	if err != nil {
		return fmt.Errorf("session store: mark closed %q: %w", name, err)
	}
	return nil
}

// Touch bumps last_active. Returns ErrNotFound for unknown names.
func (s *Store) Touch(ctx context.Context, name string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: touch %q: %w", name, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET last_active = ? WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().UnixMilli(), name},
		})
	if err != nil {
		return fmt.Errorf("session store: touch %q: %w", name, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// DeletePending removes a reservation during create compensation. It
// refuses to delete anything but a pending record: active and closed
// rows are audit history and are never physically deleted.
func (s *Store) DeletePending(ctx context.Context, name string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: delete pending %q: %w", name, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("session store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	record, err := s.getLocked(conn, name)
	if err != nil {
		return err
	}
	if record.Status != StatusPending {
		err = fmt.Errorf("session store: refusing to delete %q: status is %s, not pending", name, record.Status)
		return err
	}

	err = sqlitex.Execute(conn, `DELETE FROM sessions WHERE name = ? AND status = ?`,
		&sqlitex.ExecOptions{
			Args: []any{name, string(StatusPending)},
		})
	if err != nil {
		return fmt.Errorf("session store: delete pending %q: %w", name, err)
	}
	return nil
}

// RecordMessage appends to the audit trail and bumps last_active in
// one transaction, so the List ordering always reflects the newest
// traffic. Returns ErrNotFound if the session does not exist.
func (s *Store) RecordMessage(ctx context.Context, name string, direction Direction, body string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("session store: record message for %q: %w", name, err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("session store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	now := s.clock.Now().UnixMilli()

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET last_active = ? WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{now, name},
		})
	if err != nil {
		return fmt.Errorf("session store: record message for %q: %w", name, err)
	}
	if conn.Changes() == 0 {
		err = fmt.Errorf("%w: %q", ErrNotFound, name)
		return err
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (session_name, direction, body, recorded_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{name, string(direction), body, now},
		})
	if err != nil {
		return fmt.Errorf("session store: record message for %q: %w", name, err)
	}
	return nil
}

// Messages returns a session's audit trail in insertion order.
func (s *Store) Messages(ctx context.Context, name string) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("session store: messages for %q: %w", name, err)
	}
	defer s.pool.Put(conn)

	var messages []Message
	err = sqlitex.Execute(conn,
		`SELECT id, session_name, direction, body, recorded_at
		 FROM messages WHERE session_name = ? ORDER BY id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				messages = append(messages, Message{
					ID:          stmt.ColumnInt64(0),
					SessionName: stmt.ColumnText(1),
					Direction:   Direction(stmt.ColumnText(2)),
					Body:        stmt.ColumnText(3),
					RecordedAt:  time.UnixMilli(stmt.ColumnInt64(4)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("session store: messages for %q: %w", name, err)
	}
	return messages, nil
}

// scanRecord reads one sessions row.
//
// Columns: name(0), user_id(1), room_id(2), agent_kind(3), status(4),
// credentials(5), created_at(6), last_active(7)
func scanRecord(stmt *sqlite.Stmt) (Record, error) {
	var record Record

	record.Name = stmt.ColumnText(0)

	userID, err := ref.ParseUserID(stmt.ColumnText(1))
	if err != nil {
		return record, fmt.Errorf("parse stored user ID: %w", err)
	}
	record.UserID = userID

	if roomText := stmt.ColumnText(2); roomText != "" {
		roomID, err := ref.ParseRoomID(roomText)
		if err != nil {
			return record, fmt.Errorf("parse stored room ID: %w", err)
		}
		record.RoomID = roomID
	}

	record.AgentKind = stmt.ColumnText(3)
	record.Status = Status(stmt.ColumnText(4))
	record.Credentials = stmt.ColumnText(5)
	record.CreatedAt = time.UnixMilli(stmt.ColumnInt64(6)).UTC()
	record.LastActive = time.UnixMilli(stmt.ColumnInt64(7)).UTC()

	return record, nil
}
