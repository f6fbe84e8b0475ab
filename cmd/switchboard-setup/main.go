// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Switchboard-setup provisions the homeserver accounts and local key
// material the daemon needs. It registers (or logs back into) the
// control and admin accounts, writes their credentials into the state
// directory, and generates the age keypair that seals stored session
// credentials. Safe to re-run: passwords are derived deterministically
// from the registration token, and existing key material is kept.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/bureau-foundation/switchboard/lib/config"
	"github.com/bureau-foundation/switchboard/lib/sealed"
	"github.com/bureau-foundation/switchboard/lib/secret"
	"github.com/bureau-foundation/switchboard/lib/version"
	"github.com/bureau-foundation/switchboard/messaging"
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
		tokenFile   string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to switchboard.yaml (default: $SWITCHBOARD_CONFIG)")
	flag.StringVar(&tokenFile, "registration-token-file", "", "path to the homeserver registration token, or - for stdin (prompted on a TTY when omitted)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("switchboard-setup %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing state directories: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	registrationToken, err := readRegistrationToken(tokenFile)
	if err != nil {
		return err
	}
	defer registrationToken.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	// Service accounts. Passwords derive from the registration token
	// so a re-run logs back into the accounts it created last time.
	controlSession, err := registerOrLogin(ctx, client, cfg.Identity.Control, registrationToken, logger)
	if err != nil {
		return fmt.Errorf("control account: %w", err)
	}
	logger.Info("control account ready", "user_id", controlSession.UserID())

	adminSession, err := registerOrLogin(ctx, client, cfg.Homeserver.Admin, registrationToken, logger)
	if err != nil {
		return fmt.Errorf("admin account: %w", err)
	}
	logger.Info("admin account ready", "user_id", adminSession.UserID())

	if err := writeSession(cfg.ControlCredentialsPath(), controlSession); err != nil {
		return err
	}
	if err := writeSession(cfg.AdminCredentialsPath(), adminSession); err != nil {
		return err
	}

	// The daemon registers a fresh identity per session, so it needs
	// the token at runtime.
	if err := os.WriteFile(cfg.RegistrationTokenPath(), append(registrationToken.Bytes(), '\n'), 0o600); err != nil {
		return fmt.Errorf("writing registration token: %w", err)
	}

	if err := ensureSealingKeys(cfg, logger); err != nil {
		return err
	}

	logger.Info("setup complete",
		"state_dir", cfg.Paths.State,
		"control", controlSession.UserID(),
		"admin", adminSession.UserID())
	fmt.Printf("Switchboard is provisioned. Start the daemon with:\n  switchboard-daemon --config %s\n", configPath)
	return nil
}

// readRegistrationToken reads the token from the given file, stdin
// ("-"), or an interactive prompt.
func readRegistrationToken(path string) (*secret.Buffer, error) {
	switch {
	case path != "":
		// secret.ReadFromPath handles both files and "-" for stdin.
		token, err := secret.ReadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		return token, nil
	default:
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("--registration-token-file is required when stdin is not a terminal (use - for stdin)")
		}
		fmt.Fprint(os.Stderr, "Registration token: ")
		data, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		return tokenBuffer(data)
	}
}

func tokenBuffer(data []byte) (*secret.Buffer, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("registration token is empty")
	}
	return secret.NewFromBytes([]byte(trimmed))
}

// registerOrLogin registers the account, or logs in when it already
// exists. The password derives from the registration token with a
// per-account domain separator: the token is high-entropy material and
// homeserver logins are rate-limited, so a salted hash is enough here.
func registerOrLogin(ctx context.Context, client *messaging.Client, localpart string, registrationToken *secret.Buffer, logger *slog.Logger) (*messaging.DirectSession, error) {
	password, err := derivePassword(localpart, registrationToken)
	if err != nil {
		return nil, err
	}
	defer password.Close()

	matrixSession, err := client.Register(ctx, messaging.RegisterRequest{
		Username:          localpart,
		Password:          password,
		RegistrationToken: registrationToken,
	})
	if err == nil {
		return matrixSession, nil
	}
	if messaging.IsMatrixError(err, messaging.ErrCodeUserInUse) {
		logger.Info("account already exists, logging in", "localpart", localpart)
		return client.Login(ctx, localpart, password)
	}
	return nil, err
}

func derivePassword(localpart string, registrationToken *secret.Buffer) (*secret.Buffer, error) {
	hash := sha256.New()
	hash.Write([]byte("switchboard-account-password:" + localpart + ":"))
	hash.Write(registrationToken.Bytes())
	return secret.NewFromBytes([]byte(hex.EncodeToString(hash.Sum(nil))))
}

func writeSession(path string, matrixSession *messaging.DirectSession) error {
	err := messaging.WriteCredentialsFile(path, messaging.Credentials{
		UserID:      matrixSession.UserID(),
		AccessToken: matrixSession.AccessToken(),
		DeviceID:    matrixSession.DeviceID(),
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ensureSealingKeys generates the age keypair on first run. An
// existing private key is never overwritten: sealed credentials in
// the session store would become unreadable.
func ensureSealingKeys(cfg *config.Config, logger *slog.Logger) error {
	if _, err := os.Stat(cfg.SealingKeyPath()); err == nil {
		logger.Info("sealing key already present", "path", cfg.SealingKeyPath())
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking sealing key: %w", err)
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating sealing keypair: %w", err)
	}
	defer keypair.Close()

	if err := os.WriteFile(cfg.SealingKeyPath(), append(keypair.PrivateKey.Bytes(), '\n'), 0o600); err != nil {
		return fmt.Errorf("writing sealing key: %w", err)
	}
	if err := os.WriteFile(cfg.SealingPublicKeyPath(), []byte(keypair.PublicKey+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing sealing public key: %w", err)
	}
	logger.Info("sealing keypair generated",
		"private_key", cfg.SealingKeyPath(),
		"public_key", keypair.PublicKey)
	return nil
}
