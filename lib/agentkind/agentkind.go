// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentkind provides the registry of agent kinds the bridge can
// spawn. A kind is a named process template: the argv to run, an
// optional working directory, and optional environment additions.
//
// Kinds are authored on disk as JSONC files (JSON extended with
// comments and trailing commas), one file per kind, in the directory
// named by paths.agent_kinds in the bridge configuration:
//
//	// echo.jsonc — a trivial agent for smoke tests
//	{
//	    "name": "echo",
//	    "description": "repeats operator input back",
//	    "command": ["/usr/local/bin/echo-agent", "--interactive"],
//	}
//
// The registry is loaded once at daemon startup. The "new <kind>"
// control command resolves kinds here; "kinds" prints the registry.
package agentkind

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// ErrUnknownKind is returned by [Registry.Get] for a kind name that is
// not in the registry. The error text lists what is available so it can
// be surfaced to the operator verbatim.
var ErrUnknownKind = errors.New("unknown agent kind")

// Kind is a named process template.
type Kind struct {
	// Name identifies the kind in control commands and is used as the
	// prefix for generated session names ("echo" → "echo-a1b2c3d4").
	// Lowercase letters, digits, and hyphens; defaults to the manifest
	// file stem when omitted.
	Name string `json:"name"`

	// Description is a one-line summary shown by the "kinds" command.
	Description string `json:"description"`

	// Command is the argv to run inside the session's tmux pane.
	// Required, at least one element.
	Command []string `json:"command"`

	// Workdir is the working directory for the process. Empty means
	// the host default.
	Workdir string `json:"workdir,omitempty"`

	// Env is extra environment variables for the process, merged over
	// the host environment.
	Env map[string]string `json:"env,omitempty"`
}

// Validate checks the kind for structural problems. Returns nil when
// the kind is usable.
func (k *Kind) Validate() error {
	var errs []error

	if k.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	} else if err := validateKindName(k.Name); err != nil {
		errs = append(errs, err)
	}

	if len(k.Command) == 0 {
		errs = append(errs, fmt.Errorf("command is required"))
	} else if k.Command[0] == "" {
		errs = append(errs, fmt.Errorf("command[0] is empty"))
	}

	for key := range k.Env {
		if key == "" || strings.Contains(key, "=") {
			errs = append(errs, fmt.Errorf("invalid env key %q", key))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateKindName enforces the kind naming rule: lowercase letters,
// digits, and hyphens, starting with a letter or digit. Kind names feed
// into session names and therefore into Matrix localparts and tmux
// session names, so the charset is deliberately narrow.
func validateKindName(name string) error {
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' && i > 0:
		default:
			return fmt.Errorf("kind name %q: invalid character %q at position %d (allowed: a-z, 0-9, -)", name, c, i)
		}
	}
	return nil
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Kind. The kind is not yet validated;
// callers run [Kind.Validate] (LoadDir does this for every manifest).
func Parse(data []byte) (*Kind, error) {
	stripped := jsonc.ToJSON(data)

	var kind Kind
	if err := json.Unmarshal(stripped, &kind); err != nil {
		return nil, fmt.Errorf("parsing agent kind: %w", err)
	}

	return &kind, nil
}

// ReadFile reads a JSONC kind manifest from disk and parses it. The
// manifest's name defaults to the file stem ("echo.jsonc" → "echo")
// when the name field is omitted.
func ReadFile(path string) (*Kind, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	kind, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if kind.Name == "" {
		kind.Name = nameFromPath(path)
	}

	return kind, nil
}

// nameFromPath extracts a kind name from a manifest path by stripping
// the directory prefix and the file extension.
func nameFromPath(path string) string {
	base := filepath.Base(path)
	extension := filepath.Ext(base)
	return strings.TrimSuffix(base, extension)
}

// Registry holds the loaded agent kinds, keyed by name.
type Registry struct {
	kinds map[string]*Kind
}

// LoadDir loads every *.jsonc and *.json manifest in dir into a
// Registry. A missing directory yields an empty registry (the bridge
// runs fine with no kinds installed; "new" will say so). Malformed or
// invalid manifests fail the whole load — a broken registry should stop
// the daemon at startup, not surface per-command.
func LoadDir(dir string) (*Registry, error) {
	registry := &Registry{kinds: make(map[string]*Kind)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return registry, nil
		}
		return nil, fmt.Errorf("reading agent kind directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		extension := filepath.Ext(entry.Name())
		if extension != ".jsonc" && extension != ".json" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		kind, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := kind.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		if existing, ok := registry.kinds[kind.Name]; ok {
			return nil, fmt.Errorf("%s: duplicate agent kind %q (already defined with command %v)", path, kind.Name, existing.Command)
		}
		registry.kinds[kind.Name] = kind
	}

	return registry, nil
}

// Get resolves a kind by name. The error for an unknown kind lists the
// available kinds and is safe to show to the operator.
func (r *Registry) Get(name string) (*Kind, error) {
	kind, ok := r.kinds[name]
	if !ok {
		if len(r.kinds) == 0 {
			return nil, fmt.Errorf("%w %q: no agent kinds installed", ErrUnknownKind, name)
		}
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownKind, name, strings.Join(r.Names(), ", "))
	}
	return kind, nil
}

// Names returns the registered kind names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kinds returns the registered kinds sorted by name, for listing.
func (r *Registry) Kinds() []*Kind {
	kinds := make([]*Kind, 0, len(r.kinds))
	for _, name := range r.Names() {
		kinds = append(kinds, r.kinds[name])
	}
	return kinds
}

// Len reports the number of registered kinds.
func (r *Registry) Len() int { return len(r.kinds) }
