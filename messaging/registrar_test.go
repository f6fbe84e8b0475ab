// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/switchboard/lib/ref"
)

// newTestRegistrar builds a Registrar against a mock homeserver. The
// Synapse admin path is wired through a DirectSession on the same
// server so Unregister exercises the real request flow.
func newTestRegistrar(t *testing.T, handler http.Handler) *Registrar {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	adminSession, err := client.SessionFromToken(testUserID(t, "@admin:test.local"), "admin-token")
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { adminSession.Close() })

	serverName := ref.MustParseServerName("test.local")
	return NewRegistrar(client, serverName, testBuffer(t, "reg-token"), &SynapseAdmin{session: adminSession})
}

// mockRegisterHandler implements the UIAA registration flow for a
// single account, capturing the submitted registration token.
func mockRegisterHandler(t *testing.T, localpart string) http.Handler {
	t.Helper()
	uiaaIssued := false
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/register" {
			t.Errorf("unexpected path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
			return
		}

		var body map[string]any
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decode register body: %v", err)
		}

		if !uiaaIssued {
			uiaaIssued = true
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(writer).Encode(map[string]any{
				"session": "uiaa-1",
				"flows": []map[string]any{
					{"stages": []string{"m.login.registration_token"}},
				},
			})
			return
		}

		auth, _ := body["auth"].(map[string]any)
		if auth["token"] != "reg-token" {
			t.Errorf("unexpected registration token: %v", auth["token"])
		}
		if body["username"] != localpart {
			t.Errorf("unexpected username: %v", body["username"])
		}
		password, _ := body["password"].(string)
		if len(password) != 64 {
			t.Errorf("expected 64-char hex password, got %d chars", len(password))
		}

		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{
			"user_id":      "@" + localpart + ":test.local",
			"access_token": "syt_" + localpart,
			"device_id":    "DEV_" + localpart,
		})
	})
}

func TestRegistrarRegister(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		registrar := newTestRegistrar(t, mockRegisterHandler(t, "codex-a1b2"))

		credentials, err := registrar.Register(context.Background(), "codex-a1b2")
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if credentials.UserID.String() != "@codex-a1b2:test.local" {
			t.Errorf("unexpected user ID: %s", credentials.UserID)
		}
		if credentials.AccessToken != "syt_codex-a1b2" {
			t.Errorf("unexpected access token: %s", credentials.AccessToken)
		}
		if credentials.DeviceID != "DEV_codex-a1b2" {
			t.Errorf("unexpected device ID: %s", credentials.DeviceID)
		}
		if len(credentials.Password) != 64 {
			t.Errorf("expected the generated password in the credentials, got %d chars", len(credentials.Password))
		}
	})

	t.Run("identity exists", func(t *testing.T) {
		registrar := newTestRegistrar(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(writer).Encode(MatrixError{Code: ErrCodeUserInUse, Message: "taken"})
		}))

		_, err := registrar.Register(context.Background(), "codex-a1b2")
		if !errors.Is(err, ErrIdentityExists) {
			t.Errorf("expected ErrIdentityExists, got: %v", err)
		}
	})

	t.Run("registration denied", func(t *testing.T) {
		registrar := newTestRegistrar(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusForbidden)
			json.NewEncoder(writer).Encode(MatrixError{Code: ErrCodeForbidden, Message: "registration disabled"})
		}))

		_, err := registrar.Register(context.Background(), "codex-a1b2")
		if !errors.Is(err, ErrRegistrationDenied) {
			t.Errorf("expected ErrRegistrationDenied, got: %v", err)
		}
	})

	t.Run("invalid localpart rejected locally", func(t *testing.T) {
		registrar := newTestRegistrar(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("homeserver should not be called for an invalid localpart")
		}))

		_, err := registrar.Register(context.Background(), "Not Valid!")
		if !errors.Is(err, ErrRegistrationDenied) {
			t.Errorf("expected ErrRegistrationDenied, got: %v", err)
		}
	})

	t.Run("unreachable homeserver passes through", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		serverURL := server.URL
		server.Close()

		client, err := NewClient(ClientConfig{HomeserverURL: serverURL})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		registrar := NewRegistrar(client, ref.MustParseServerName("test.local"), testBuffer(t, "reg-token"), nil)

		_, err = registrar.Register(context.Background(), "codex-a1b2")
		if err == nil {
			t.Fatal("expected transport error")
		}
		if !Unreachable(err) {
			t.Errorf("expected unreachable error, got: %v", err)
		}
		if errors.Is(err, ErrRegistrationDenied) || errors.Is(err, ErrIdentityExists) {
			t.Errorf("transport failure must not map to a rejection: %v", err)
		}
	})
}

func TestRegistrarLogsToClientLogger(t *testing.T) {
	server := httptest.NewServer(mockRegisterHandler(t, "codex-a1b2"))
	t.Cleanup(server.Close)

	var logBuf bytes.Buffer
	client, err := NewClient(ClientConfig{
		HomeserverURL: server.URL,
		Logger:        slog.New(slog.NewTextHandler(&logBuf, nil)),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	registrar := NewRegistrar(client, ref.MustParseServerName("test.local"), testBuffer(t, "reg-token"), nil)

	if _, err := registrar.Register(context.Background(), "codex-a1b2"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !strings.Contains(logBuf.String(), "registered agent identity") {
		t.Error("registration did not log through the client's injected logger")
	}
}

func TestRegistrarUnregister(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		deactivated := false
		registrar := newTestRegistrar(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_synapse/admin/v1/deactivate/@codex-a1b2:test.local" {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}
			deactivated = true
			writeJSON(writer, map[string]any{})
		}))

		err := registrar.Unregister(context.Background(), testUserID(t, "@codex-a1b2:test.local"))
		if err != nil {
			t.Fatalf("Unregister failed: %v", err)
		}
		if !deactivated {
			t.Error("deactivate endpoint was not called")
		}
	})

	t.Run("identity not found", func(t *testing.T) {
		registrar := newTestRegistrar(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusNotFound)
			json.NewEncoder(writer).Encode(MatrixError{Code: ErrCodeNotFound, Message: "no such user"})
		}))

		err := registrar.Unregister(context.Background(), testUserID(t, "@ghost:test.local"))
		if !errors.Is(err, ErrIdentityNotFound) {
			t.Errorf("expected ErrIdentityNotFound, got: %v", err)
		}
	})

	t.Run("no admin interface", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:1"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		registrar := NewRegistrar(client, ref.MustParseServerName("test.local"), testBuffer(t, "reg-token"), nil)

		err = registrar.Unregister(context.Background(), testUserID(t, "@codex-a1b2:test.local"))
		if err == nil {
			t.Fatal("expected error when no admin interface is configured")
		}
	})
}

func TestRegistrarAddRosterEntry(t *testing.T) {
	registrar := newTestRegistrar(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/_matrix/client/v3/createRoom" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		// The room must be created AS the agent, with the agent's token.
		assertAuth(t, request, "syt_codex-a1b2")

		var body map[string]any
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("decode createRoom body: %v", err)
		}
		if body["preset"] != "trusted_private_chat" {
			t.Errorf("unexpected preset: %v", body["preset"])
		}
		if body["is_direct"] != true {
			t.Errorf("expected is_direct=true, got %v", body["is_direct"])
		}
		invite, ok := body["invite"].([]any)
		if !ok || len(invite) != 1 || invite[0] != "@operator:test.local" {
			t.Errorf("unexpected invite list: %v", body["invite"])
		}
		if body["name"] != "codex-a1b2" {
			t.Errorf("unexpected room name: %v", body["name"])
		}

		writeJSON(writer, map[string]any{"room_id": "!dm1:test.local"})
	}))

	credentials := Credentials{
		UserID:      testUserID(t, "@codex-a1b2:test.local"),
		AccessToken: "syt_codex-a1b2",
	}
	roomID, err := registrar.AddRosterEntry(context.Background(), credentials, testUserID(t, "@operator:test.local"))
	if err != nil {
		t.Fatalf("AddRosterEntry failed: %v", err)
	}
	if roomID.String() != "!dm1:test.local" {
		t.Errorf("unexpected room ID: %s", roomID)
	}
}
