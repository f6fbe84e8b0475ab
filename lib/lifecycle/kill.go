// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/switchboard/lib/session"
	"github.com/bureau-foundation/switchboard/messaging"
)

// Kill gracefully closes a session: kill the process, drain the
// dispatcher binding (when one exists), deactivate the identity, mark
// the record closed, export the transcript. The same routine serves the
// daemon and the offline recovery tool — the only difference is
// whether a Dispatcher is present.
//
// Killing an already-closed session is a no-op success; unknown names
// return session.ErrNotFound. Each destructive step is idempotent, so
// a kill that failed partway can simply be run again.
func (m *Manager) Kill(ctx context.Context, name string) error {
	if err := m.begin(name); err != nil {
		return err
	}
	defer m.end(name)
	return m.close(ctx, name, m.goodbye)
}

// ReapDead is the watchdog path for a session whose process exited on
// its own: the same close routine, announced with a process-exit
// notice instead of the goodbye.
func (m *Manager) ReapDead(ctx context.Context, name string) error {
	if err := m.begin(name); err != nil {
		return err
	}
	defer m.end(name)
	return m.close(ctx, name, "Agent process exited.")
}

// close runs the shared teardown sequence. Callers hold the in-flight
// slot for name.
func (m *Manager) close(ctx context.Context, name, notice string) error {
	record, err := m.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if record.Status == session.StatusClosed {
		return nil
	}

	if err := m.retry(ctx, "kill process", func() error {
		return m.host.Kill(ctx, name)
	}); err != nil {
		return fmt.Errorf("lifecycle: kill %q: process: %w", name, err)
	}

	// Drain after the process is confirmed dead: the final sweep of the
	// output pipe then sees every byte the process ever wrote, and the
	// closing notice lands after the last forwarded line. Drain failures
	// are logged, not fatal — a homeserver outage must not keep a kill
	// from completing.
	if m.dispatcher != nil && m.dispatcher.Bound(name) {
		if err := m.dispatcher.Drain(ctx, name, notice); err != nil {
			m.logger.Warn("drain failed, closing anyway",
				"session", name, "error", err)
		}
	}

	if err := m.retry(ctx, "deactivate identity", func() error {
		err := m.registrar.Unregister(ctx, record.UserID)
		if errors.Is(err, messaging.ErrIdentityNotFound) {
			// Already gone — a previous partial kill got this far.
			return nil
		}
		return err
	}); err != nil {
		return fmt.Errorf("lifecycle: kill %q: identity: %w", name, err)
	}

	if err := m.store.MarkClosed(ctx, name); err != nil {
		return fmt.Errorf("lifecycle: kill %q: %w", name, err)
	}

	if m.dispatcher != nil {
		m.dispatcher.Unbind(name)
	}

	m.exportTranscript(ctx, name)

	m.logger.Info("session closed", "session", name, "user_id", record.UserID)
	return nil
}

// exportTranscript archives the session's message log. Best-effort:
// the store keeps the authoritative rows, so export failures are
// logged and never fail the close.
func (m *Manager) exportTranscript(ctx context.Context, name string) {
	if m.transcripts == nil {
		return
	}
	messages, err := m.store.Messages(context.WithoutCancel(ctx), name)
	if err != nil {
		m.logger.Warn("transcript export: loading messages failed",
			"session", name, "error", err)
		return
	}
	if err := m.transcripts.Export(name, messages); err != nil {
		m.logger.Warn("transcript export failed",
			"session", name, "error", err)
	}
}
