// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Switchboard-recover closes sessions while the daemon is down. It
// runs the same close sequence the daemon uses (kill the process,
// deactivate the Matrix identity, mark the record closed, export the
// transcript), minus the message routing teardown: with no daemon
// there are no bindings to drain.
//
// Exit codes:
//
//	0  the session is closed (or was never there)
//	1  the record exists but closure could not be confirmed
//	2  usage or configuration error
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

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
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	flagSet := pflag.NewFlagSet("switchboard-recover", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to switchboard.yaml (default: $SWITCHBOARD_CONFIG)")
	sweep := flagSet.Bool("sweep", false, "reconcile every stored session instead of closing one")
	timeout := flagSet.Duration("timeout", 2*time.Minute, "overall time budget")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: switchboard-recover [flags] <session-name>\n       switchboard-recover [flags] --sweep\n\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}
	if *showVersion {
		fmt.Printf("switchboard-recover %s\n", version.Info())
		return exitOK
	}

	args := flagSet.Args()
	switch {
	case *sweep && len(args) != 0:
		fmt.Fprintln(os.Stderr, "error: --sweep takes no session name")
		flagSet.Usage()
		return exitUsage
	case !*sweep && len(args) != 1:
		flagSet.Usage()
		return exitUsage
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	manager, cleanup, err := buildManager(ctx, *configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}
	defer cleanup()

	if *sweep {
		if err := manager.Reconcile(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "error: sweep: %v\n", err)
			return exitFailed
		}
		fmt.Println("sweep complete")
		return exitOK
	}

	name := args[0]
	err = manager.Kill(ctx, name)
	switch {
	case errors.Is(err, session.ErrNotFound):
		fmt.Printf("session not found: %s\n", name)
		return exitOK
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: closing %s could not be confirmed: %v\n", name, err)
		fmt.Fprintln(os.Stderr, "run switchboard-recover again once the homeserver is reachable")
		return exitFailed
	default:
		fmt.Printf("closed %s\n", name)
		return exitOK
	}
}

// buildManager assembles a lifecycle manager with no dispatcher: the
// daemon is down, so there is nothing to drain or unbind.
func buildManager(ctx context.Context, configPath string, logger *slog.Logger) (*lifecycle.Manager, func(), error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}

	operator, err := ref.ParseUserID(cfg.Operator)
	if err != nil {
		return nil, nil, fmt.Errorf("operator: %w", err)
	}
	serverName, err := ref.ParseServerName(cfg.Homeserver.ServerName)
	if err != nil {
		return nil, nil, fmt.Errorf("server name: %w", err)
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*lifecycle.Manager, func(), error) {
		cleanup()
		return nil, nil, err
	}

	store, err := session.Open(session.Config{
		Path:   cfg.Paths.Database,
		Clock:  clock.Real(),
		Logger: logger,
	})
	if err != nil {
		return fail(fmt.Errorf("opening session store: %w", err))
	}
	closers = append(closers, func() { store.Close() })

	host := tmux.NewServer(cfg.Tmux.Socket, cfg.Tmux.Config, cfg.Paths.Pipes)

	kinds, err := agentkind.LoadDir(cfg.Paths.AgentKinds)
	if err != nil {
		return fail(fmt.Errorf("loading agent kinds: %w", err))
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger,
	})
	if err != nil {
		return fail(fmt.Errorf("creating matrix client: %w", err))
	}

	adminCredentials, err := messaging.ReadCredentialsFile(cfg.AdminCredentialsPath())
	if err != nil {
		return fail(fmt.Errorf("admin account: %w", err))
	}
	adminSession, err := client.SessionFromToken(adminCredentials.UserID, adminCredentials.AccessToken)
	if err != nil {
		return fail(fmt.Errorf("admin account: %w", err))
	}
	admin, err := messaging.NewHomeserverAdmin(ctx, adminSession)
	if err != nil {
		return fail(fmt.Errorf("probing homeserver admin API: %w", err))
	}

	registrationToken, err := secret.ReadFromPath(cfg.RegistrationTokenPath())
	if err != nil {
		return fail(fmt.Errorf("registration token: %w", err))
	}
	closers = append(closers, func() { registrationToken.Close() })

	sealPublicKey, err := os.ReadFile(cfg.SealingPublicKeyPath())
	if err != nil {
		return fail(fmt.Errorf("sealing public key: %w", err))
	}

	registrar := messaging.NewRegistrar(client, serverName, registrationToken, admin)

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Store:          store,
		Host:           host,
		Registrar:      registrar,
		Kinds:          kinds,
		Clock:          clock.Real(),
		Logger:         logger,
		Operator:       operator,
		Server:         serverName,
		IdentityPrefix: cfg.Identity.Prefix,
		Goodbye:        cfg.Bridge.Goodbye,
		SealRecipients: []string{strings.TrimSpace(string(sealPublicKey))},
		Transcripts:    transcript.Archiver{Dir: cfg.Paths.Transcripts},
	})
	if err != nil {
		return fail(fmt.Errorf("building lifecycle manager: %w", err))
	}
	return manager, cleanup, nil
}
