// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/switchboard/lib/session"
	"github.com/bureau-foundation/switchboard/messaging"
)

// Reconcile brings the session store, the process host, and the
// homeserver back into agreement after a crash or unclean shutdown:
//
//   - pending reservations are leftovers from an interrupted create:
//     their identity (if it was registered) is deactivated and the
//     reservation deleted.
//   - active records without a live process are closed: identity
//     deactivated (missing tolerated), record marked closed,
//     transcript exported.
//   - live processes without an active record are orphans from an
//     interrupted create or kill: the process is killed.
//   - surviving active records are re-bound through the Dispatcher
//     when one is present.
//
// Healing is logged at Warn with a "healed" attribute and never
// surfaced as an error: reconciliation's job is to converge, and a
// subsystem that is still down will be converged on the next run.
// The returned error covers only total failures (store or host
// unreachable for listing).
func (m *Manager) Reconcile(ctx context.Context) error {
	records, err := m.store.List(ctx, session.StatusFilter{})
	if err != nil {
		return fmt.Errorf("lifecycle: reconcile: %w", err)
	}
	running, err := m.host.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: reconcile: %w", err)
	}

	live := make(map[string]bool, len(running))
	for _, name := range running {
		live[name] = true
	}

	// accounted marks live processes explained by a pending or active
	// record. A process behind a closed record is as orphaned as one
	// with no record at all.
	accounted := make(map[string]bool, len(records))
	for _, record := range records {
		switch record.Status {
		case session.StatusPending:
			accounted[record.Name] = true
			m.healPending(ctx, record, live[record.Name])
		case session.StatusActive:
			accounted[record.Name] = true
			if live[record.Name] {
				m.rebind(ctx, record)
			} else {
				m.healStaleActive(ctx, record)
			}
		}
	}

	for _, name := range running {
		if accounted[name] || strings.HasPrefix(name, "_") {
			continue
		}
		m.logger.Warn("reconcile: killing orphan process",
			"session", name, "healed", "orphan_process")
		if err := m.host.Kill(ctx, name); err != nil {
			m.logger.Error("reconcile: killing orphan failed",
				"session", name, "error", err)
		}
	}
	return nil
}

// healPending compensates away an interrupted create. The reservation
// row records the identity the create would have registered; whether
// registration actually happened is unknowable, so deactivation is
// attempted and "not found" is success.
func (m *Manager) healPending(ctx context.Context, record session.Record, processLive bool) {
	if err := m.begin(record.Name); err != nil {
		return
	}
	defer m.end(record.Name)

	m.logger.Warn("reconcile: removing stale pending reservation",
		"session", record.Name, "healed", "stale_pending")

	if processLive {
		if err := m.host.Kill(ctx, record.Name); err != nil {
			m.logger.Error("reconcile: killing pending session's process failed",
				"session", record.Name, "error", err)
			return
		}
	}
	err := m.registrar.Unregister(ctx, record.UserID)
	if err != nil && !errors.Is(err, messaging.ErrIdentityNotFound) {
		m.logger.Error("reconcile: deactivating pending session's identity failed",
			"session", record.Name, "error", err)
		// Leave the reservation in place so the next reconcile tries
		// again; deleting it now would leak the identity.
		return
	}
	if err := m.store.DeletePending(ctx, record.Name); err != nil {
		m.logger.Error("reconcile: deleting pending reservation failed",
			"session", record.Name, "error", err)
	}
}

// healStaleActive closes an active record whose process is gone —
// the daemon was down when the process died, so the watchdog never
// reaped it.
func (m *Manager) healStaleActive(ctx context.Context, record session.Record) {
	if err := m.begin(record.Name); err != nil {
		return
	}
	defer m.end(record.Name)

	m.logger.Warn("reconcile: closing active session with no process",
		"session", record.Name, "healed", "stale_active")

	err := m.registrar.Unregister(ctx, record.UserID)
	if err != nil && !errors.Is(err, messaging.ErrIdentityNotFound) {
		m.logger.Error("reconcile: deactivating stale session's identity failed",
			"session", record.Name, "error", err)
		return
	}
	if err := m.store.MarkClosed(ctx, record.Name); err != nil {
		m.logger.Error("reconcile: closing stale session failed",
			"session", record.Name, "error", err)
		return
	}
	m.exportTranscript(ctx, record.Name)
}

// rebind reattaches message routing for an active session that
// survived a daemon restart.
func (m *Manager) rebind(ctx context.Context, record session.Record) {
	if m.dispatcher == nil {
		return
	}
	credentials, err := m.unsealCredentials(record)
	if err != nil {
		m.logger.Error("reconcile: unsealing credentials failed",
			"session", record.Name, "error", err)
		return
	}
	if err := m.dispatcher.Bind(ctx, record, credentials); err != nil {
		m.logger.Error("reconcile: rebinding session failed",
			"session", record.Name, "error", err)
		return
	}
	m.logger.Info("reconcile: session rebound", "session", record.Name)
}
