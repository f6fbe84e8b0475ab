// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle owns every session lifecycle mutation: creating a
// session (identity registration, roster entry, process spawn, store
// activation), killing one (drain, process kill, identity deactivation,
// store closure, transcript export), and reconciling the three
// subsystems back into agreement after a crash.
//
// The Manager coordinates three independently-failing collaborators —
// the Matrix homeserver, the tmux process host, and the SQLite session
// store — with compensating sequences rather than transactions: each
// create step that fails unwinds the steps before it, and each kill
// step is idempotent so the whole routine can be retried from the top.
//
// Operations on the same session name are serialized by rejection: a
// second concurrent operation fails immediately with
// ErrOperationInProgress instead of queueing behind the first.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/switchboard/lib/agentkind"
	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/ref"
	"github.com/bureau-foundation/switchboard/lib/sealed"
	"github.com/bureau-foundation/switchboard/lib/secret"
	"github.com/bureau-foundation/switchboard/lib/session"
	"github.com/bureau-foundation/switchboard/lib/tmux"
	"github.com/bureau-foundation/switchboard/messaging"
)

// ErrOperationInProgress is returned when a lifecycle operation is
// requested for a session name that already has one in flight.
var ErrOperationInProgress = errors.New("lifecycle: operation already in progress for this session")

// Compile-time checks that the production collaborators satisfy the
// Manager's interfaces.
var (
	_ ProcessHost       = (*tmux.Server)(nil)
	_ IdentityRegistrar = (*messaging.Registrar)(nil)
)

// ProcessHost is the process-management surface the Manager needs.
// Satisfied by *tmux.Server.
type ProcessHost interface {
	// Spawn starts a detached process session.
	Spawn(ctx context.Context, name string, spec tmux.SpawnSpec) error

	// Alive reports whether the named session's process is running.
	Alive(ctx context.Context, name string) bool

	// Kill terminates the named session. Idempotent: killing an
	// already-dead session succeeds.
	Kill(ctx context.Context, name string) error

	// Sessions lists the names of all running sessions.
	Sessions(ctx context.Context) ([]string, error)
}

// IdentityRegistrar provisions and retires protocol identities.
// Satisfied by *messaging.Registrar.
type IdentityRegistrar interface {
	// Register creates a fresh identity for the localpart.
	Register(ctx context.Context, localpart string) (messaging.Credentials, error)

	// Unregister permanently deactivates an identity. Returns
	// messaging.ErrIdentityNotFound when it is already gone.
	Unregister(ctx context.Context, userID ref.UserID) error

	// AddRosterEntry creates the DM room between a new identity and
	// the operator.
	AddRosterEntry(ctx context.Context, credentials messaging.Credentials, operator ref.UserID) (ref.RoomID, error)
}

// Dispatcher is the message-routing surface the Manager notifies about
// session bindings. The daemon provides the real implementation; the
// offline recovery tool runs with a nil Dispatcher and skips drain and
// rebind entirely.
type Dispatcher interface {
	// Bind attaches message routing for an active session.
	Bind(ctx context.Context, record session.Record, credentials messaging.Credentials) error

	// Drain announces a graceful close on the session's room and
	// flushes pending outbound messages.
	Drain(ctx context.Context, name string, notice string) error

	// Unbind tears down routing state for a session. Idempotent.
	Unbind(name string)

	// Bound reports whether the session currently has a binding.
	Bound(name string) bool
}

// Transcriber archives a closed session's message log. Satisfied by a
// thin wrapper over lib/transcript; nil disables export.
type Transcriber interface {
	Export(name string, messages []session.Message) error
}

// Config assembles a Manager.
type Config struct {
	Store     *session.Store
	Host      ProcessHost
	Registrar IdentityRegistrar

	// Dispatcher may be nil (offline recovery context).
	Dispatcher Dispatcher

	// Kinds resolves agent kind names for Create.
	Kinds *agentkind.Registry

	// Clock drives retry backoff. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Operator is the user invited to every session's DM room.
	Operator ref.UserID

	// Server is the homeserver name used to derive session identities.
	Server ref.ServerName

	// IdentityPrefix is prepended to session names when deriving
	// localparts ("agent-" turns session "codex-a1b2" into
	// "@agent-codex-a1b2:<server>"). May be empty.
	IdentityPrefix string

	// Goodbye is the notice sent to a session's room on graceful
	// close.
	Goodbye string

	// SealRecipients are age public keys that credential payloads are
	// encrypted to before storage.
	SealRecipients []string

	// SealKey is the age private key for unsealing stored credentials
	// during reconciliation. Nil disables rebinding (recovery tool).
	SealKey *secret.Buffer

	// Transcripts receives closed-session archives. Nil disables
	// export.
	Transcripts Transcriber
}

// Manager coordinates session lifecycle operations. Safe for
// concurrent use; operations on the same name are rejected while one
// is in flight.
type Manager struct {
	store       *session.Store
	host        ProcessHost
	registrar   IdentityRegistrar
	dispatcher  Dispatcher
	kinds       *agentkind.Registry
	clock       clock.Clock
	logger      *slog.Logger
	operator    ref.UserID
	server      ref.ServerName
	prefix      string
	goodbye     string
	recipients  []string
	sealKey     *secret.Buffer
	transcripts Transcriber

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewManager validates the config and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycle: Store is required")
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("lifecycle: Host is required")
	}
	if cfg.Registrar == nil {
		return nil, fmt.Errorf("lifecycle: Registrar is required")
	}
	if cfg.Operator.IsZero() {
		return nil, fmt.Errorf("lifecycle: Operator is required")
	}
	if cfg.Server.IsZero() {
		return nil, fmt.Errorf("lifecycle: Server is required")
	}
	if len(cfg.SealRecipients) == 0 {
		return nil, fmt.Errorf("lifecycle: at least one seal recipient is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Goodbye == "" {
		cfg.Goodbye = "Session closed. Goodbye!"
	}
	return &Manager{
		store:       cfg.Store,
		host:        cfg.Host,
		registrar:   cfg.Registrar,
		dispatcher:  cfg.Dispatcher,
		kinds:       cfg.Kinds,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		operator:    cfg.Operator,
		server:      cfg.Server,
		prefix:      cfg.IdentityPrefix,
		goodbye:     cfg.Goodbye,
		recipients:  cfg.SealRecipients,
		sealKey:     cfg.SealKey,
		transcripts: cfg.Transcripts,
	}, nil
}

// begin claims the per-name operation slot. Callers must pair a
// successful begin with end.
func (m *Manager) begin(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight == nil {
		m.inFlight = make(map[string]struct{})
	}
	if _, busy := m.inFlight[name]; busy {
		return fmt.Errorf("%w: %q", ErrOperationInProgress, name)
	}
	m.inFlight[name] = struct{}{}
	return nil
}

func (m *Manager) end(name string) {
	m.mu.Lock()
	delete(m.inFlight, name)
	m.mu.Unlock()
}

// localpart derives the protocol identity localpart for a session name.
func (m *Manager) localpart(name string) string {
	return m.prefix + name
}

// sealCredentials encrypts a credential payload to the configured age
// recipients for storage in the session store.
func (m *Manager) sealCredentials(credentials messaging.Credentials) (string, error) {
	payload, err := json.Marshal(credentials)
	if err != nil {
		return "", fmt.Errorf("lifecycle: marshal credentials: %w", err)
	}
	ciphertext, err := sealed.EncryptJSON(payload, m.recipients)
	if err != nil {
		return "", fmt.Errorf("lifecycle: seal credentials: %w", err)
	}
	return ciphertext, nil
}

// unsealCredentials decrypts the credential payload stored on a record.
// Requires SealKey; the recovery tool (which never rebinds) runs
// without one.
func (m *Manager) unsealCredentials(record session.Record) (messaging.Credentials, error) {
	if m.sealKey == nil {
		return messaging.Credentials{}, fmt.Errorf("lifecycle: no seal key configured")
	}
	buffer, err := sealed.DecryptJSON(record.Credentials, m.sealKey)
	if err != nil {
		return messaging.Credentials{}, fmt.Errorf("lifecycle: unseal credentials for %q: %w", record.Name, err)
	}
	defer buffer.Close()

	var credentials messaging.Credentials
	if err := json.Unmarshal(buffer.Bytes(), &credentials); err != nil {
		return messaging.Credentials{}, fmt.Errorf("lifecycle: parse credentials for %q: %w", record.Name, err)
	}
	return credentials, nil
}

// Retry policy for the idempotent steps of the kill path. Create never
// retries: it fails fast and compensates.
const killRetryAttempts = 3

// retry runs fn up to killRetryAttempts times, backing off 1s then 2s
// between attempts via the injected clock. Only transport-level
// failures are retried; rejections fail immediately.
func (m *Manager) retry(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := range killRetryAttempts {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			m.logger.Warn("retrying lifecycle step",
				"operation", operation,
				"attempt", attempt+1,
				"backoff", backoff,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clock.After(backoff):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// retryable reports whether an error is worth another attempt. Homeserver
// rejections and store constraint violations are deterministic; only
// transport-level unavailability can heal on its own.
func retryable(err error) bool {
	return messaging.Unreachable(err)
}
