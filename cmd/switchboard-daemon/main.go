// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Switchboard-daemon is the long-running message bridge. It connects
// the operator's Matrix account to a fleet of agent processes running
// under a private tmux server: each agent session gets its own Matrix
// identity and DM room, and the daemon relays text both ways.
//
// On startup:
//  1. Loads configuration and opens the session store.
//  2. Loads the control and admin Matrix sessions written by
//     switchboard-setup, waiting for the homeserver if needed.
//  3. Ensures the operator's control DM room exists.
//  4. Reconciles stored session records against reality: half-created
//     sessions are rolled back, records whose process died are closed,
//     orphan processes are killed, and healthy sessions are re-bound.
//  5. Watches the control room for commands and sweeps bound sessions
//     for dead processes.
//
// Shutdown leaves agent processes running: sessions survive daemon
// restarts and are picked up again by the next startup's reconcile.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bureau-foundation/switchboard/lib/agentkind"
	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/lifecycle"
	"github.com/bureau-foundation/switchboard/lib/ref"
	"github.com/bureau-foundation/switchboard/lib/secret"
	"github.com/bureau-foundation/switchboard/lib/session"
	"github.com/bureau-foundation/switchboard/lib/tmux"
	"github.com/bureau-foundation/switchboard/lib/transcript"
	"github.com/bureau-foundation/switchboard/lib/version"
	"github.com/bureau-foundation/switchboard/messaging"
)

const (
	// whoAmIAttempts bounds how long startup waits for the homeserver.
	// The homeserver often boots alongside the daemon (same host, same
	// supervisor), so transport errors here are expected for a while.
	whoAmIAttempts = 30
	whoAmIInterval = 2 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to switchboard.yaml (default: $SWITCHBOARD_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("switchboard-daemon %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing state directories: %w", err)
	}

	operator, err := ref.ParseUserID(cfg.Operator)
	if err != nil {
		return fmt.Errorf("operator: %w", err)
	}
	serverName, err := ref.ParseServerName(cfg.Homeserver.ServerName)
	if err != nil {
		return fmt.Errorf("server name: %w", err)
	}

	realClock := clock.Real()

	store, err := session.Open(session.Config{
		Path:   cfg.Paths.Database,
		Clock:  realClock,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	host := tmux.NewServer(cfg.Tmux.Socket, cfg.Tmux.Config, cfg.Paths.Pipes)

	kinds, err := agentkind.LoadDir(cfg.Paths.AgentKinds)
	if err != nil {
		return fmt.Errorf("loading agent kinds: %w", err)
	}
	logger.Info("agent kinds loaded", "kinds", strings.Join(kinds.Names(), ", "))

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	// Matrix sessions for the two service accounts provisioned by
	// switchboard-setup.
	controlSession, err := loadSession(client, cfg.ControlCredentialsPath())
	if err != nil {
		return fmt.Errorf("control account: %w", err)
	}
	adminSession, err := loadSession(client, cfg.AdminCredentialsPath())
	if err != nil {
		return fmt.Errorf("admin account: %w", err)
	}

	// The homeserver may still be booting; wait for it within reason.
	controlUserID, err := whoAmIRetry(ctx, controlSession, realClock, logger)
	if err != nil {
		return fmt.Errorf("validating control session: %w", err)
	}
	logger.Info("control session valid", "user_id", controlUserID)

	admin, err := messaging.NewHomeserverAdmin(ctx, adminSession)
	if err != nil {
		return fmt.Errorf("probing homeserver admin API: %w", err)
	}

	registrationToken, err := secret.ReadFromPath(cfg.RegistrationTokenPath())
	if err != nil {
		return fmt.Errorf("registration token: %w", err)
	}
	defer registrationToken.Close()

	sealKey, err := secret.ReadFromPath(cfg.SealingKeyPath())
	if err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}
	defer sealKey.Close()
	sealPublicKey, err := os.ReadFile(cfg.SealingPublicKeyPath())
	if err != nil {
		return fmt.Errorf("sealing public key: %w", err)
	}

	registrar := messaging.NewRegistrar(client, serverName, registrationToken, admin)

	disp := newDispatcher(client, host, store, operator, realClock, logger)
	defer disp.closeAll()

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Store:          store,
		Host:           host,
		Registrar:      registrar,
		Dispatcher:     disp,
		Kinds:          kinds,
		Clock:          realClock,
		Logger:         logger,
		Operator:       operator,
		Server:         serverName,
		IdentityPrefix: cfg.Identity.Prefix,
		Goodbye:        cfg.Bridge.Goodbye,
		SealRecipients: []string{strings.TrimSpace(string(sealPublicKey))},
		SealKey:        sealKey,
		Transcripts:    transcript.Archiver{Dir: cfg.Paths.Transcripts},
	})
	if err != nil {
		return fmt.Errorf("building lifecycle manager: %w", err)
	}
	disp.setKiller(manager.Kill)

	controlRoomID, err := ensureControlRoom(ctx, controlSession, operator, cfg.ControlRoomPath(), logger)
	if err != nil {
		return fmt.Errorf("ensuring control room: %w", err)
	}

	if err := manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	control := &controlChannel{
		session:  controlSession,
		roomID:   controlRoomID,
		operator: operator,
		manager:  manager,
		store:    store,
		kinds:    kinds,
		host:     host,
		logger:   logger,
	}
	controlErr := make(chan error, 1)
	go func() { controlErr <- control.run(ctx) }()

	logger.Info("switchboard daemon running",
		"control_room", controlRoomID,
		"operator", operator,
		"watchdog_interval", cfg.WatchdogInterval())

	// Liveness watchdog: a bound session whose process is gone gets
	// reaped, which drains its room and closes the record.
	ticker := realClock.NewTicker(cfg.WatchdogInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down; agent processes stay running")
			return nil
		case err := <-controlErr:
			if err != nil {
				return fmt.Errorf("control channel failed: %w", err)
			}
			return nil
		case <-ticker.C:
			sweepDead(ctx, disp, host, manager, logger)
		}
	}
}

func loadConfig(flagPath string) (*config.Config, error) {
	if flagPath != "" {
		return config.LoadFile(flagPath)
	}
	return config.Load()
}

// loadSession builds an authenticated Matrix session from a
// credentials file written by switchboard-setup.
func loadSession(client *messaging.Client, path string) (*messaging.DirectSession, error) {
	credentials, err := messaging.ReadCredentialsFile(path)
	if err != nil {
		return nil, err
	}
	return client.SessionFromToken(credentials.UserID, credentials.AccessToken)
}

// whoAmIRetry validates a session against the homeserver, retrying
// transport failures while the homeserver boots. A rejected token
// fails immediately: retrying cannot fix bad credentials.
func whoAmIRetry(ctx context.Context, matrixSession *messaging.DirectSession, clk clock.Clock, logger *slog.Logger) (ref.UserID, error) {
	var lastErr error
	for attempt := 1; attempt <= whoAmIAttempts; attempt++ {
		userID, err := matrixSession.WhoAmI(ctx)
		if err == nil {
			return userID, nil
		}
		if !messaging.Unreachable(err) {
			return ref.UserID{}, err
		}
		lastErr = err
		logger.Info("homeserver not reachable yet, retrying",
			"attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ref.UserID{}, ctx.Err()
		case <-clk.After(whoAmIInterval):
		}
	}
	return ref.UserID{}, fmt.Errorf("homeserver unreachable after %d attempts: %w", whoAmIAttempts, lastErr)
}

// ensureControlRoom returns the operator's control DM room, creating
// it on first run and persisting its ID so restarts reuse the same
// conversation.
func ensureControlRoom(ctx context.Context, controlSession *messaging.DirectSession, operator ref.UserID, path string, logger *slog.Logger) (ref.RoomID, error) {
	if data, err := os.ReadFile(path); err == nil {
		roomID, err := ref.ParseRoomID(strings.TrimSpace(string(data)))
		if err != nil {
			return ref.RoomID{}, fmt.Errorf("control room file %s: %w", path, err)
		}
		return roomID, nil
	} else if !os.IsNotExist(err) {
		return ref.RoomID{}, fmt.Errorf("control room file: %w", err)
	}

	response, err := controlSession.CreateRoom(ctx, messaging.CreateRoomRequest{
		Name:     "Switchboard",
		Topic:    "Session control. Say \"help\" for commands.",
		Preset:   "trusted_private_chat",
		IsDirect: true,
		Invite:   []string{operator.String()},
	})
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("creating control room: %w", err)
	}
	if err := os.WriteFile(path, []byte(response.RoomID.String()+"\n"), 0o600); err != nil {
		return ref.RoomID{}, fmt.Errorf("persisting control room: %w", err)
	}
	logger.Info("control room created", "room_id", response.RoomID)
	return response.RoomID, nil
}

// sweepDead reaps bound sessions whose agent process exited.
func sweepDead(ctx context.Context, disp *dispatcher, host agentHost, manager *lifecycle.Manager, logger *slog.Logger) {
	for _, name := range disp.boundNames() {
		if host.Alive(ctx, name) {
			continue
		}
		logger.Info("agent process exited, reaping", "session", name)
		if err := manager.ReapDead(ctx, name); err != nil {
			logger.Error("reaping dead session failed",
				"session", name, "error", err)
		}
	}
}
