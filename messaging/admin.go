// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bureau-foundation/switchboard/lib/ref"
)

// HomeserverAdmin abstracts the server-specific administrative operation
// the bridge needs: permanently deactivating the Matrix account behind a
// retired agent identity. Deactivation is not part of the standard
// client-server API, so each homeserver implementation does it
// differently.
//
// Two implementations exist:
//   - SynapseAdmin: uses the Synapse admin HTTP API endpoints
//   - ContinuwuityAdmin: sends !admin commands to the Continuwuity
//     admin room and parses the bot's text responses
//
// Use [NewHomeserverAdmin] to auto-detect the homeserver type and
// return the appropriate implementation.
type HomeserverAdmin interface {
	// DeactivateUser permanently deactivates a user account. All access
	// tokens are invalidated and the account can no longer log in. When
	// erase is true, profile data is also removed.
	DeactivateUser(ctx context.Context, userID ref.UserID, erase bool) error
}

// NewHomeserverAdmin auto-detects the homeserver type and returns the
// appropriate [HomeserverAdmin] implementation.
//
// Detection strategy: probes GET /_synapse/admin/v1/server_version.
// Synapse returns 200 OK. Continuwuity returns M_UNRECOGNIZED.
// Other errors (network, auth) are returned as-is — the function
// does not silently fall back on transient failures.
//
// For Continuwuity, this joins the server's built-in admin room and
// verifies the admin bot is reachable. The room persists as an audit
// trail of admin operations.
func NewHomeserverAdmin(ctx context.Context, session *DirectSession) (HomeserverAdmin, error) {
	logger := session.client.logger
	if probeSynapseAdmin(ctx, session) {
		logger.Info("detected Synapse admin API")
		return &SynapseAdmin{session: session}, nil
	}

	logger.Info("Synapse admin API not available, setting up Continuwuity admin room")
	admin, err := newContinuwuityAdmin(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("set up homeserver admin interface: %w", err)
	}
	return admin, nil
}

// probeSynapseAdmin checks whether the homeserver exposes the Synapse
// admin API by probing the server version endpoint.
func probeSynapseAdmin(ctx context.Context, session *DirectSession) bool {
	_, err := session.client.doRequest(ctx, http.MethodGet,
		"/_synapse/admin/v1/server_version", session.accessToken, nil)
	return err == nil
}

// --- SynapseAdmin ---

// SynapseAdmin implements [HomeserverAdmin] using the Synapse admin
// HTTP API endpoints. All operations are synchronous HTTP calls.
type SynapseAdmin struct {
	session *DirectSession
}

func (a *SynapseAdmin) DeactivateUser(ctx context.Context, userID ref.UserID, erase bool) error {
	return a.session.DeactivateUser(ctx, userID, erase)
}

// --- ContinuwuityAdmin ---

// ContinuwuityAdmin implements [HomeserverAdmin] by sending !admin
// commands to the Continuwuity homeserver's admin bot user in the
// server's admin room. The bot processes the command and responds with
// a text message containing the result.
//
// The admin room is joined once during construction and reused for
// all subsequent commands. The room history serves as an audit trail
// of admin operations.
type ContinuwuityAdmin struct {
	session   *DirectSession
	adminRoom ref.RoomID
	botUserID ref.UserID
	logger    *slog.Logger
}

// newContinuwuityAdmin creates a ContinuwuityAdmin by joining the
// server's built-in admin room (#admins:<server>). The admin room is
// created automatically by Continuwuity at startup, and admin users
// receive an invite. Commands sent in this room are processed by the
// @conduit:<server> bot user.
func newContinuwuityAdmin(ctx context.Context, session *DirectSession) (*ContinuwuityAdmin, error) {
	server, err := ref.ServerFromUserID(session.UserID().String())
	if err != nil {
		return nil, fmt.Errorf("determine server name from admin session: %w", err)
	}

	botUserID, err := ref.ParseUserID("@conduit:" + server.String())
	if err != nil {
		return nil, fmt.Errorf("construct bot user ID: %w", err)
	}

	// The admin room has a well-known alias #admins:<server>.
	adminAlias, err := ref.ParseRoomAlias("#admins:" + server.String())
	if err != nil {
		return nil, fmt.Errorf("construct admin room alias: %w", err)
	}

	adminRoomID, err := session.ResolveAlias(ctx, adminAlias)
	if err != nil {
		return nil, fmt.Errorf("resolve admin room alias %s: %w", adminAlias, err)
	}

	// Accept the pending invite if we haven't joined yet. JoinRoom
	// is idempotent — it succeeds for rooms we already belong to.
	if _, err := session.JoinRoom(ctx, adminRoomID); err != nil {
		return nil, fmt.Errorf("join admin room %s: %w", adminRoomID, err)
	}

	session.client.logger.Info("connected to Continuwuity admin room",
		"room_id", adminRoomID,
		"bot_user", botUserID,
		"alias", adminAlias,
	)

	return &ContinuwuityAdmin{
		session:   session,
		adminRoom: adminRoomID,
		botUserID: botUserID,
		logger:    session.client.logger,
	}, nil
}

func (a *ContinuwuityAdmin) DeactivateUser(ctx context.Context, userID ref.UserID, erase bool) error {
	// Continuwuity's deactivate command does not support a granular
	// erase flag. The erase parameter is accepted for interface
	// compatibility but has no effect on the admin room command.
	command := fmt.Sprintf("!admin users deactivate %s", userID)
	return a.sendCommand(ctx, command, "deactivate")
}

// sendCommand sends an admin command to the Continuwuity bot and waits
// for the response. Returns nil on success, or an error containing the
// bot's response text on failure.
func (a *ContinuwuityAdmin) sendCommand(ctx context.Context, command string, operationName string) error {
	// Create a watcher BEFORE sending the command so we don't miss
	// the bot's response.
	watcher, err := WatchRoom(ctx, a.session, a.adminRoom, &SyncFilter{
		TimelineTypes: []string{"m.room.message"},
	})
	if err != nil {
		return fmt.Errorf("watch admin room for %s response: %w", operationName, err)
	}

	// Send the command as a plain text message.
	if _, err := a.session.SendMessage(ctx, a.adminRoom, NewTextMessage(command)); err != nil {
		return fmt.Errorf("send %s command to admin room: %w", operationName, err)
	}

	// Wait for the bot's response.
	event, err := watcher.WaitForEvent(ctx, func(event Event) bool {
		if event.Sender != a.botUserID {
			return false
		}
		// Accept any message from the bot (m.text, m.notice, etc.).
		return event.Type == "m.room.message"
	})
	if err != nil {
		return fmt.Errorf("waiting for %s response from admin bot: %w", operationName, err)
	}

	body, err := parseAdminResponse(event, operationName)
	if err != nil {
		return err
	}
	a.logger.Info("admin command succeeded",
		"operation", operationName,
		"response", body,
	)
	return nil
}

// parseAdminResponse extracts the plain text body from a bot response
// event and checks for error indicators. Returns the body on success.
func parseAdminResponse(event Event, operationName string) (string, error) {
	contentBytes, err := json.Marshal(event.Content)
	if err != nil {
		return "", fmt.Errorf("marshal admin response content: %w", err)
	}

	var content struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(contentBytes, &content); err != nil {
		return "", fmt.Errorf("parse admin response content: %w", err)
	}

	body := content.Body
	if body == "" {
		return "", fmt.Errorf("admin bot returned empty response for %s", operationName)
	}

	// Check for error indicators in the response text.
	bodyLower := strings.ToLower(body)
	errorIndicators := []string{
		"failed",
		"error",
		"invalid",
		"not found",
		"no such user",
		"could not",
		"unable to",
		"unknown command",
	}
	for _, indicator := range errorIndicators {
		if strings.Contains(bodyLower, indicator) {
			return "", fmt.Errorf("admin %s failed: %s", operationName, body)
		}
	}

	return body, nil
}
