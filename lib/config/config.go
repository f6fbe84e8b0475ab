// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Switchboard
// components.
//
// Configuration is loaded from a single file specified by:
//   - SWITCHBOARD_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections (development,
// staging, production) that override base values when the environment matches.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Switchboard.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Operator is the Matrix user ID of the human operator
	// (e.g. "@operator:switchboard.local"). Only messages from this
	// user are honored on the control and session channels. Required.
	Operator string `yaml:"operator"`

	// Homeserver configures the Matrix homeserver connection.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Identity configures the bridge's Matrix account naming.
	Identity IdentityConfig `yaml:"identity"`

	// Paths configures directory and file locations.
	Paths PathsConfig `yaml:"paths"`

	// Tmux configures the dedicated tmux server hosting agent processes.
	Tmux TmuxConfig `yaml:"tmux"`

	// Bridge configures daemon runtime behavior.
	Bridge BridgeConfig `yaml:"bridge"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Homeserver *HomeserverConfig `yaml:"homeserver,omitempty"`
	Identity   *IdentityConfig   `yaml:"identity,omitempty"`
	Paths      *PathsConfig      `yaml:"paths,omitempty"`
	Tmux       *TmuxConfig       `yaml:"tmux,omitempty"`
	Bridge     *BridgeConfig     `yaml:"bridge,omitempty"`
}

// HomeserverConfig configures the Matrix homeserver connection.
type HomeserverConfig struct {
	// URL is the base URL of the homeserver's client-server API.
	// Default: http://localhost:8008
	URL string `yaml:"url"`

	// ServerName is the Matrix server name that appears after the
	// colon in user IDs (@localpart:server_name). Often differs from
	// the URL host. Default: switchboard.local
	ServerName string `yaml:"server_name"`

	// Admin is the localpart of the administrative account used to
	// deactivate session identities. Provisioned by switchboard-setup.
	// Default: switchboard-admin
	Admin string `yaml:"admin"`
}

// IdentityConfig configures how the bridge names its Matrix accounts.
type IdentityConfig struct {
	// Control is the localpart of the well-known control identity the
	// operator converses with to manage sessions.
	// Default: switchboard
	Control string `yaml:"control"`

	// Prefix is prepended to session names when deriving session
	// identity localparts: session "alpha" with prefix "sb/" becomes
	// "@sb/alpha:server". Default: "" (session name is the localpart).
	Prefix string `yaml:"prefix"`
}

// PathsConfig configures directory and file locations.
type PathsConfig struct {
	// State is the base directory for Switchboard runtime state:
	// credential files, the session database, output FIFOs, and
	// transcripts. Created 0700 — it holds secrets.
	State string `yaml:"state"`

	// Database is the SQLite session store path.
	// Default: ${SWITCHBOARD_STATE}/sessions.db
	Database string `yaml:"database"`

	// Pipes is the directory for per-session output FIFOs.
	// Default: ${SWITCHBOARD_STATE}/pipes
	Pipes string `yaml:"pipes"`

	// Transcripts is where closed-session transcripts are archived.
	// Default: ${SWITCHBOARD_STATE}/transcripts
	Transcripts string `yaml:"transcripts"`

	// AgentKinds is the directory containing agent kind manifests
	// (JSONC, one file per kind).
	// Default: ${SWITCHBOARD_STATE}/agent-kinds
	AgentKinds string `yaml:"agent_kinds"`
}

// TmuxConfig configures the dedicated tmux server.
type TmuxConfig struct {
	// Socket is the Unix socket path for the bridge's private tmux
	// server. Every session on this socket belongs to the bridge.
	// Default: ${SWITCHBOARD_STATE}/tmux.sock
	Socket string `yaml:"socket"`

	// Config is an optional tmux configuration file applied when the
	// server starts. Empty means tmux defaults.
	Config string `yaml:"config"`
}

// BridgeConfig configures daemon runtime behavior.
type BridgeConfig struct {
	// Goodbye is the notice sent to a session's room when the session
	// is closed gracefully. Default: "Session closed. Goodbye!"
	Goodbye string `yaml:"goodbye"`

	// LogLevel sets the slog level: debug, info, warn, error.
	// Default: info
	LogLevel string `yaml:"log_level"`

	// WatchdogInterval is how often the daemon sweeps bound sessions
	// for dead agent processes, as a Go duration string.
	// Default: 5s
	WatchdogInterval string `yaml:"watchdog_interval"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultState := filepath.Join(homeDir, ".local", "state", "switchboard")

	return &Config{
		Environment: Development,
		Homeserver: HomeserverConfig{
			URL:        "http://localhost:8008",
			ServerName: "switchboard.local",
			Admin:      "switchboard-admin",
		},
		Identity: IdentityConfig{
			Control: "switchboard",
			Prefix:  "",
		},
		Paths: PathsConfig{
			State:       defaultState,
			Database:    filepath.Join(defaultState, "sessions.db"),
			Pipes:       filepath.Join(defaultState, "pipes"),
			Transcripts: filepath.Join(defaultState, "transcripts"),
			AgentKinds:  filepath.Join(defaultState, "agent-kinds"),
		},
		Tmux: TmuxConfig{
			Socket: filepath.Join(defaultState, "tmux.sock"),
			Config: "",
		},
		Bridge: BridgeConfig{
			Goodbye:          "Session closed. Goodbye!",
			LogLevel:         "info",
			WatchdogInterval: "5s",
		},
	}
}

// Load loads configuration from the SWITCHBOARD_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if SWITCHBOARD_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("SWITCHBOARD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SWITCHBOARD_CONFIG environment variable not set; " +
			"set it to the path of your switchboard.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Homeserver != nil {
		if overrides.Homeserver.URL != "" {
			c.Homeserver.URL = overrides.Homeserver.URL
		}
		if overrides.Homeserver.ServerName != "" {
			c.Homeserver.ServerName = overrides.Homeserver.ServerName
		}
		if overrides.Homeserver.Admin != "" {
			c.Homeserver.Admin = overrides.Homeserver.Admin
		}
	}

	if overrides.Identity != nil {
		if overrides.Identity.Control != "" {
			c.Identity.Control = overrides.Identity.Control
		}
		if overrides.Identity.Prefix != "" {
			c.Identity.Prefix = overrides.Identity.Prefix
		}
	}

	if overrides.Paths != nil {
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
		if overrides.Paths.Database != "" {
			c.Paths.Database = overrides.Paths.Database
		}
		if overrides.Paths.Pipes != "" {
			c.Paths.Pipes = overrides.Paths.Pipes
		}
		if overrides.Paths.Transcripts != "" {
			c.Paths.Transcripts = overrides.Paths.Transcripts
		}
		if overrides.Paths.AgentKinds != "" {
			c.Paths.AgentKinds = overrides.Paths.AgentKinds
		}
	}

	if overrides.Tmux != nil {
		if overrides.Tmux.Socket != "" {
			c.Tmux.Socket = overrides.Tmux.Socket
		}
		if overrides.Tmux.Config != "" {
			c.Tmux.Config = overrides.Tmux.Config
		}
	}

	if overrides.Bridge != nil {
		if overrides.Bridge.Goodbye != "" {
			c.Bridge.Goodbye = overrides.Bridge.Goodbye
		}
		if overrides.Bridge.LogLevel != "" {
			c.Bridge.LogLevel = overrides.Bridge.LogLevel
		}
		if overrides.Bridge.WatchdogInterval != "" {
			c.Bridge.WatchdogInterval = overrides.Bridge.WatchdogInterval
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"SWITCHBOARD_STATE": c.Paths.State,
		"HOME":              os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["SWITCHBOARD_STATE"] = c.Paths.State // Update for dependent paths.

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Pipes = expandVars(c.Paths.Pipes, vars)
	c.Paths.Transcripts = expandVars(c.Paths.Transcripts, vars)
	c.Paths.AgentKinds = expandVars(c.Paths.AgentKinds, vars)
	c.Tmux.Socket = expandVars(c.Tmux.Socket, vars)
	c.Tmux.Config = expandVars(c.Tmux.Config, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Operator == "" {
		errs = append(errs, fmt.Errorf("operator is required"))
	} else if !strings.HasPrefix(c.Operator, "@") || !strings.Contains(c.Operator, ":") {
		errs = append(errs, fmt.Errorf("operator must be a full Matrix user ID (@localpart:server), got %q", c.Operator))
	}

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	}
	if c.Homeserver.ServerName == "" {
		errs = append(errs, fmt.Errorf("homeserver.server_name is required"))
	}
	if c.Homeserver.Admin == "" {
		errs = append(errs, fmt.Errorf("homeserver.admin is required"))
	}

	if c.Identity.Control == "" {
		errs = append(errs, fmt.Errorf("identity.control is required"))
	}

	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}

	if c.Tmux.Socket == "" {
		errs = append(errs, fmt.Errorf("tmux.socket is required"))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !contains(levels, c.Bridge.LogLevel) {
		errs = append(errs, fmt.Errorf("bridge.log_level must be one of: %v", levels))
	}

	if _, err := time.ParseDuration(c.Bridge.WatchdogInterval); err != nil {
		errs = append(errs, fmt.Errorf("bridge.watchdog_interval: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel translates the configured log level string into a slog.Level.
// Call Validate first; unknown strings fall back to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Bridge.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WatchdogInterval parses the configured watchdog sweep interval.
// Call Validate first; a malformed value falls back to 5 seconds.
func (c *Config) WatchdogInterval() time.Duration {
	interval, err := time.ParseDuration(c.Bridge.WatchdogInterval)
	if err != nil {
		return 5 * time.Second
	}
	return interval
}

// EnsurePaths creates all configured directories if they don't exist.
// The state directory tree is created 0700: it holds credential files,
// the session database, and output FIFOs.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.State,
		filepath.Dir(c.Paths.Database),
		c.Paths.Pipes,
		c.Paths.Transcripts,
		c.Paths.AgentKinds,
		filepath.Dir(c.Tmux.Socket),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
