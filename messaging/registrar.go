// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/switchboard/lib/ref"
	"github.com/bureau-foundation/switchboard/lib/secret"
)

// Registration errors. The session lifecycle manager branches on these
// to decide between compensation (roll back a half-created session) and
// tolerance (an identity already gone during teardown is success).
var (
	// ErrIdentityExists indicates the localpart is already registered
	// on the homeserver (M_USER_IN_USE).
	ErrIdentityExists = errors.New("messaging: identity already registered")

	// ErrRegistrationDenied indicates the homeserver rejected the
	// registration outright — bad registration token, disabled
	// registration, or an invalid localpart. Retrying will not help.
	ErrRegistrationDenied = errors.New("messaging: registration denied")

	// ErrIdentityNotFound indicates the account does not exist on the
	// homeserver. During unregistration this is treated as success.
	ErrIdentityNotFound = errors.New("messaging: identity not found")
)

// Credentials identify an agent's Matrix account. The access token is a
// plain string here because Credentials travel through the session
// store (sealed at rest) and credential files; callers that hold
// long-lived sessions should convert to a DirectSession promptly.
type Credentials struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id,omitempty"`

	// Password is the account's generated password, carried so a
	// binding can re-login when the stored access token has been
	// invalidated (M_UNKNOWN_TOKEN). Present only in sealed storage.
	Password string `json:"password,omitempty"`
}

// IsZero reports whether the credentials are empty.
func (c Credentials) IsZero() bool {
	return c.UserID.IsZero() && c.AccessToken == ""
}

// defaultCallTimeout bounds each individual homeserver call the
// Registrar makes. The lifecycle manager retries around these calls,
// so a single stuck request must not hold an operation forever.
const defaultCallTimeout = 30 * time.Second

// Registrar provisions and retires Matrix identities for agent
// sessions. Each agent session gets its own account on the homeserver,
// registered with a shared registration token and deactivated through
// the admin interface when the session is killed.
//
// Registrar is safe for concurrent use.
type Registrar struct {
	client            *Client
	server            ref.ServerName
	registrationToken *secret.Buffer
	admin             HomeserverAdmin
	callTimeout       time.Duration
	logger            *slog.Logger
}

// NewRegistrar creates a Registrar. The registration token buffer is
// borrowed, not owned — the caller keeps it alive for the Registrar's
// lifetime. admin may be nil, in which case Unregister fails; tools
// that only create identities (setup) can pass nil.
func NewRegistrar(client *Client, server ref.ServerName, registrationToken *secret.Buffer, admin HomeserverAdmin) *Registrar {
	return &Registrar{
		client:            client,
		server:            server,
		registrationToken: registrationToken,
		admin:             admin,
		callTimeout:       defaultCallTimeout,
		logger:            client.logger,
	}
}

// SetCallTimeout overrides the per-call timeout. Zero restores the
// default. Intended for tests that exercise timeout behavior.
func (r *Registrar) SetCallTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	r.callTimeout = timeout
}

// Register creates a new Matrix account for the given localpart with a
// freshly generated random password, and returns its credentials.
//
// Error mapping:
//   - M_USER_IN_USE: ErrIdentityExists
//   - M_FORBIDDEN, M_INVALID_USERNAME: ErrRegistrationDenied
//   - transport failures: *UnreachableError (check with Unreachable)
func (r *Registrar) Register(ctx context.Context, localpart string) (Credentials, error) {
	if err := ref.ValidateLocalpart(localpart); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrRegistrationDenied, err)
	}

	password, err := randomPassword()
	if err != nil {
		return Credentials{}, fmt.Errorf("messaging: generate password: %w", err)
	}
	defer password.Close()

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	session, err := r.client.Register(ctx, RegisterRequest{
		Username:          localpart,
		Password:          password,
		RegistrationToken: r.registrationToken,
	})
	if err != nil {
		return Credentials{}, mapRegisterError(localpart, err)
	}
	defer session.Close()

	credentials := Credentials{
		UserID:      session.UserID(),
		AccessToken: session.AccessToken(),
		DeviceID:    session.DeviceID(),
		Password:    password.String(),
	}
	r.logger.Info("registered agent identity",
		"user_id", credentials.UserID,
		"device_id", credentials.DeviceID,
	)
	return credentials, nil
}

// mapRegisterError translates homeserver rejections into the package
// sentinel errors. Transport failures pass through unchanged so the
// caller can distinguish "rejected" from "unreachable".
func mapRegisterError(localpart string, err error) error {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		switch matrixErr.Code {
		case ErrCodeUserInUse:
			return fmt.Errorf("register %q: %w", localpart, ErrIdentityExists)
		case ErrCodeForbidden, ErrCodeInvalidUsername:
			return fmt.Errorf("register %q: %w: %s", localpart, ErrRegistrationDenied, matrixErr.Message)
		}
	}
	return fmt.Errorf("register %q: %w", localpart, err)
}

// Unregister permanently deactivates the account behind userID. The
// account's access tokens are invalidated and its localpart can never
// be reused. Returns ErrIdentityNotFound when the account does not
// exist — callers tearing down a session treat that as success.
func (r *Registrar) Unregister(ctx context.Context, userID ref.UserID) error {
	if r.admin == nil {
		return fmt.Errorf("messaging: unregister %q: no admin interface configured", userID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	if err := r.admin.DeactivateUser(ctx, userID, true); err != nil {
		var matrixErr *MatrixError
		if errors.As(err, &matrixErr) && matrixErr.Code == ErrCodeNotFound {
			return fmt.Errorf("unregister %q: %w", userID, ErrIdentityNotFound)
		}
		return fmt.Errorf("unregister %q: %w", userID, err)
	}

	r.logger.Info("deactivated agent identity", "user_id", userID)
	return nil
}

// AddRosterEntry creates the direct-message room between a freshly
// registered agent identity and the operator, so the agent appears as a
// contact in the operator's client. The room is a trusted private chat
// (both members get full power) flagged is_direct, which Matrix clients
// render as a DM conversation.
//
// Acts as the agent: a short-lived session is built from the agent's
// credentials, the room is created with the operator invited, and the
// session is torn down again. Returns the new room ID.
func (r *Registrar) AddRosterEntry(ctx context.Context, credentials Credentials, operator ref.UserID) (ref.RoomID, error) {
	session, err := r.client.SessionFromToken(credentials.UserID, credentials.AccessToken)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: roster entry for %q: %w", credentials.UserID, err)
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	response, err := session.CreateRoom(ctx, CreateRoomRequest{
		Name:     credentials.UserID.Localpart(),
		Preset:   "trusted_private_chat",
		IsDirect: true,
		Invite:   []string{operator.String()},
	})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: create DM room for %q: %w", credentials.UserID, err)
	}
	return response.RoomID, nil
}

// Session builds a long-lived DirectSession from stored credentials.
// The caller owns the returned session and must Close it.
func (r *Registrar) Session(credentials Credentials) (*DirectSession, error) {
	return r.client.SessionFromToken(credentials.UserID, credentials.AccessToken)
}

// randomPassword generates a 32-byte random hex password in an
// mmap-backed buffer. The access token from registration is the
// primary credential; the password travels with it (sealed at rest) as
// the fallback for token invalidation.
func randomPassword() (*secret.Buffer, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	encoded := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(encoded, raw)
	return secret.NewFromBytes(encoded)
}
