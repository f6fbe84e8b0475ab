// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"time"

	"github.com/bureau-foundation/switchboard/lib/ref"
)

// Status is the lifecycle state of a session record.
//
// pending marks a name reservation taken at the start of the create
// sequence, before the identity and process exist. active means the
// session is fully provisioned. closed is terminal: a closed record is
// never reactivated and its name is never reused.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// Direction labels an audit message: inbound is operator → agent,
// outbound is agent → operator.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ErrNameTaken is returned by Create when the name exists in any
// status. Closed names stay taken: records are an audit trail and a
// reused name would make transcripts ambiguous.
var ErrNameTaken = errors.New("session name already exists")

// ErrNotFound is returned when no record exists for a name.
var ErrNotFound = errors.New("session not found")

// Record is one session's durable state.
type Record struct {
	// Name is the operator-facing session name, unique forever.
	Name string

	// UserID is the session's protocol identity.
	UserID ref.UserID

	// RoomID is the session's DM room with the operator. Zero until
	// the record is marked active.
	RoomID ref.RoomID

	// AgentKind names the agent kind the session was created from.
	AgentKind string

	// Status is pending, active, or closed.
	Status Status

	// Credentials is the age-sealed credential payload (base64).
	// Empty until the record is marked active.
	Credentials string

	// CreatedAt is when the name was reserved.
	CreatedAt time.Time

	// LastActive is bumped by message traffic and status changes.
	// List orders by it, most recent first.
	LastActive time.Time
}

// Message is one audit trail entry.
type Message struct {
	ID          int64
	SessionName string
	Direction   Direction
	Body        string
	RecordedAt  time.Time
}

// StatusFilter narrows List. The zero value matches all records.
type StatusFilter struct {
	// Status, when non-empty, restricts the listing to one status.
	Status Status
}
