// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/bureau-foundation/switchboard/lib/ref"
	"github.com/bureau-foundation/switchboard/lib/session"
	"github.com/bureau-foundation/switchboard/lib/tmux"
	"github.com/bureau-foundation/switchboard/messaging"
)

// CreateRequest describes a session to create.
type CreateRequest struct {
	// Kind names the agent kind to run.
	Kind string

	// Name is the session name. Empty generates
	// "<kind>-<4 random hex bytes>", regenerating on collision. A
	// caller-chosen name that collides surfaces session.ErrNameTaken.
	Name string

	// Args are extra arguments appended to the kind's command.
	Args []string
}

// nameAttempts bounds collision regeneration for generated names.
// Four random bytes give 2^32 names per kind; hitting this limit means
// something other than chance is wrong.
const nameAttempts = 5

// Create provisions a new session: a pending store reservation, a
// fresh protocol identity, a DM room with the operator, and a running
// process. The record turns active only after every step has
// succeeded; any failure unwinds the steps already taken, so a failed
// create leaves no trace beyond homeserver audit logs.
//
// The sequence, with compensation on failure at each step:
//
//  1. reserve the name          (pending row; nothing to unwind)
//  2. register the identity     (delete the reservation)
//  3. create the DM roster room (deactivate identity, delete reservation)
//  4. spawn the process         (deactivate identity, delete reservation)
//  5. seal credentials and mark the record active
//     (kill process, deactivate identity, delete reservation)
//
// Spawn failures never trigger an automatic respawn — the operator
// retries explicitly. After the record is active the dispatcher is
// asked to bind it; a bind failure leaves the session running and is
// healed by the next reconcile rather than unwinding a healthy create.
func (m *Manager) Create(ctx context.Context, request CreateRequest) (session.Record, error) {
	if m.kinds == nil {
		return session.Record{}, fmt.Errorf("lifecycle: no agent kind registry configured")
	}
	kind, err := m.kinds.Get(request.Kind)
	if err != nil {
		return session.Record{}, err
	}

	record, err := m.reserve(ctx, kind.Name, request.Name)
	if err != nil {
		return session.Record{}, err
	}
	name := record.Name
	defer m.end(name)

	localpart := m.localpart(name)
	credentials, err := m.registrar.Register(ctx, localpart)
	if err != nil {
		m.compensate(ctx, name, messaging.Credentials{}, false)
		return session.Record{}, fmt.Errorf("lifecycle: create %q: %w", name, err)
	}

	roomID, err := m.registrar.AddRosterEntry(ctx, credentials, m.operator)
	if err != nil {
		m.compensate(ctx, name, credentials, false)
		return session.Record{}, fmt.Errorf("lifecycle: create %q: %w", name, err)
	}

	spec := tmux.SpawnSpec{
		Command: append(append([]string{}, kind.Command...), request.Args...),
		Workdir: kind.Workdir,
		Env:     spawnEnv(kind.Env, name, credentials),
	}
	if err := m.host.Spawn(ctx, name, spec); err != nil {
		m.compensate(ctx, name, credentials, false)
		return session.Record{}, fmt.Errorf("lifecycle: create %q: %w", name, err)
	}

	sealedCredentials, err := m.sealCredentials(credentials)
	if err != nil {
		m.compensate(ctx, name, credentials, true)
		return session.Record{}, fmt.Errorf("lifecycle: create %q: %w", name, err)
	}
	if err := m.store.MarkActive(ctx, name, roomID, sealedCredentials); err != nil {
		m.compensate(ctx, name, credentials, true)
		return session.Record{}, fmt.Errorf("lifecycle: create %q: %w", name, err)
	}

	record, err = m.store.Get(ctx, name)
	if err != nil {
		return session.Record{}, fmt.Errorf("lifecycle: create %q: reload record: %w", name, err)
	}

	m.logger.Info("session created",
		"session", name,
		"kind", kind.Name,
		"user_id", credentials.UserID,
		"room_id", roomID,
	)

	if m.dispatcher != nil {
		if err := m.dispatcher.Bind(ctx, record, credentials); err != nil {
			m.logger.Warn("binding new session failed, will retry on next reconcile",
				"session", name,
				"error", err,
			)
		}
	}
	return record, nil
}

// reserve claims the in-flight slot and inserts the pending row,
// generating names until one sticks when the caller didn't choose one.
func (m *Manager) reserve(ctx context.Context, kindName, requestedName string) (session.Record, error) {
	generated := requestedName == ""
	for attempt := 0; ; attempt++ {
		name := requestedName
		if generated {
			suffix, err := randomSuffix()
			if err != nil {
				return session.Record{}, fmt.Errorf("lifecycle: generate session name: %w", err)
			}
			name = kindName + "-" + suffix
		}

		if err := m.begin(name); err != nil {
			if generated && attempt < nameAttempts-1 {
				continue
			}
			return session.Record{}, err
		}

		userID := ref.MatrixUserID(m.localpart(name), m.server)
		record, err := m.store.Create(ctx, name, userID, kindName)
		if err == nil {
			return record, nil
		}
		m.end(name)
		if generated && errors.Is(err, session.ErrNameTaken) && attempt < nameAttempts-1 {
			continue
		}
		return session.Record{}, err
	}
}

// spawnEnv merges the kind's environment with the session identity
// variables the agent process can use to know who it is.
func spawnEnv(kindEnv map[string]string, name string, credentials messaging.Credentials) map[string]string {
	env := make(map[string]string, len(kindEnv)+2)
	for key, value := range kindEnv {
		env[key] = value
	}
	env["SWITCHBOARD_SESSION"] = name
	env["SWITCHBOARD_USER_ID"] = credentials.UserID.String()
	return env
}

// compensate unwinds a partially-created session in reverse order:
// kill the process if one was spawned, deactivate the identity if one
// was registered, and delete the pending reservation. Compensation is
// best-effort — failures are logged and reconciliation picks up
// whatever is left.
func (m *Manager) compensate(ctx context.Context, name string, credentials messaging.Credentials, spawned bool) {
	// Compensation must run even when the create failed because ctx
	// was cancelled.
	ctx = context.WithoutCancel(ctx)

	if spawned {
		if err := m.host.Kill(ctx, name); err != nil {
			m.logger.Error("compensation: kill spawned process failed",
				"session", name, "error", err)
		}
	}
	if !credentials.IsZero() {
		err := m.registrar.Unregister(ctx, credentials.UserID)
		if err != nil && !errors.Is(err, messaging.ErrIdentityNotFound) {
			m.logger.Error("compensation: deactivate identity failed",
				"session", name, "user_id", credentials.UserID, "error", err)
		}
	}
	if err := m.store.DeletePending(ctx, name); err != nil {
		m.logger.Error("compensation: delete pending reservation failed",
			"session", name, "error", err)
	}
}

// randomSuffix returns 4 random bytes as 8 hex characters.
func randomSuffix() (string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
