// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tmux provides a typed interface to a dedicated tmux server.
// Switchboard runs its own tmux server (distinct from the user's
// personal tmux) as the process host for agent sessions. All operations
// target a specific server socket — there is no default server, and the
// user's ~/.tmux.conf is never loaded unless explicitly requested.
//
// The central type is Server, which represents a connection to a tmux
// server identified by its Unix socket path. All tmux commands go
// through Server, which injects the -S flag automatically. This makes
// it structurally impossible to accidentally target the wrong server or
// forget to specify a socket.
//
// Each spawned session gets a named FIFO that receives everything the
// session's pane writes, armed with pipe-pane. The daemon opens the
// FIFO non-blocking and polls it for agent output to relay. Sessions
// run without remain-on-exit, so a session existing on the server is
// equivalent to its process being alive.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// Session state errors. Callers branch on these to distinguish "the
// name is taken" from "the process is already gone".
var (
	// ErrSessionExists indicates a session with the requested name is
	// already running on the server.
	ErrSessionExists = errors.New("tmux: session already exists")

	// ErrSessionNotFound indicates no session with the given name is
	// running on the server.
	ErrSessionNotFound = errors.New("tmux: session not found")
)

// Server represents a tmux server identified by its Unix socket path.
// All operations target this specific server — there is no way to run a
// tmux command without specifying which server it applies to.
//
// Switchboard never uses the operator's personal tmux server. The
// daemon creates a dedicated server with -f /dev/null (or a custom
// config) to prevent loading ~/.tmux.conf.
type Server struct {
	socketPath string
	configFile string // passed as "-f <path>" on new-session; empty = tmux default
	pipeDir    string // directory for per-session output FIFOs
}

// NewServer returns a Server that targets the given socket path.
//
// configFile controls which configuration file tmux loads when the
// server starts (which happens on the first new-session call). Pass
// "/dev/null" to prevent loading the user's ~/.tmux.conf — this is
// what production and all tests use.
//
// pipeDir is where per-session output FIFOs are created. It must exist
// before Spawn is called.
func NewServer(socketPath, configFile, pipeDir string) *Server {
	return &Server{
		socketPath: socketPath,
		configFile: configFile,
		pipeDir:    pipeDir,
	}
}

// SocketPath returns the Unix socket path that identifies this server.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// PipePath returns the path of the output FIFO for the named session.
// The FIFO exists only after Spawn has run for that session.
func (s *Server) PipePath(sessionName string) string {
	return filepath.Join(s.pipeDir, sessionName+".out")
}

// SpawnSpec describes the process to run inside a new session.
type SpawnSpec struct {
	// Command is the argv to execute. Must be non-empty — agent
	// sessions never run a bare interactive shell.
	Command []string

	// Workdir is the working directory for the process. Empty means
	// the tmux server's own working directory.
	Workdir string

	// Env holds extra environment variables for the process, applied
	// as an `env KEY=VALUE` prefix on the command line.
	Env map[string]string
}

// Spawn creates a detached session running the given command and arms
// its output FIFO. The -f flag (config file) is passed on new-session
// because this command may start the server if it isn't already
// running. Returns ErrSessionExists when the name is taken.
//
// Output capture uses pipe-pane -o with a cat process appending to the
// session's FIFO. The FIFO is created before the session so a reader
// opened immediately after Spawn returns cannot miss output.
func (s *Server) Spawn(ctx context.Context, sessionName string, spec SpawnSpec) error {
	if len(spec.Command) == 0 {
		return fmt.Errorf("tmux: spawn %q: empty command", sessionName)
	}
	if s.Alive(ctx, sessionName) {
		return fmt.Errorf("spawn %q: %w", sessionName, ErrSessionExists)
	}

	pipePath := s.PipePath(sessionName)
	if err := unix.Mkfifo(pipePath, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("tmux: create output pipe %q: %w", pipePath, err)
	}

	args := s.newSessionArgs(sessionName, spec.Workdir)
	args = append(args, commandWithEnv(spec)...)
	cmd := exec.CommandContext(ctx, "tmux", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(pipePath)
		outputString := strings.TrimSpace(string(output))
		if strings.Contains(outputString, "duplicate session") {
			return fmt.Errorf("spawn %q: %w", sessionName, ErrSessionExists)
		}
		return fmt.Errorf("tmux new-session %q: %w (%s)", sessionName, err, outputString)
	}

	// -o appends pane output to the pipe command's stdin for the whole
	// session lifetime, including output produced before any reader
	// opens the FIFO (the FIFO buffers it).
	pipeCommand := fmt.Sprintf("exec cat >> %q", pipePath)
	if _, err := s.run(ctx, "pipe-pane", "-o", "-t", sessionName, pipeCommand); err != nil {
		s.Kill(context.WithoutCancel(ctx), sessionName)
		return fmt.Errorf("tmux: arm output pipe for %q: %w", sessionName, err)
	}
	return nil
}

// newSessionArgs builds the argument list for a new-session command,
// including -f (config), -S (socket), and -d -s (detached, named).
func (s *Server) newSessionArgs(sessionName, workdir string) []string {
	var args []string
	if s.configFile != "" {
		args = append(args, "-f", s.configFile)
	}
	args = append(args, "-S", s.socketPath, "new-session", "-d", "-s", sessionName)
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	return args
}

// commandWithEnv returns the session's command argv, prefixed with an
// `env KEY=VALUE` wrapper when the spec carries environment variables.
// Keys are emitted in sorted order so spawn commands are reproducible.
func commandWithEnv(spec SpawnSpec) []string {
	if len(spec.Env) == 0 {
		return spec.Command
	}
	argv := []string{"env"}
	for _, key := range slices.Sorted(maps.Keys(spec.Env)) {
		argv = append(argv, key+"="+spec.Env[key])
	}
	return append(argv, spec.Command...)
}

// Alive reports whether a session with the given name exists on this
// server. Returns false if the server is not running. Sessions run
// without remain-on-exit, so a live session implies a live process.
func (s *Server) Alive(ctx context.Context, sessionName string) bool {
	cmd := exec.CommandContext(ctx, "tmux", "-S", s.socketPath, "has-session", "-t", "="+sessionName)
	return cmd.Run() == nil
}

// Send delivers a line of text to the named session's stdin, followed
// by a carriage return. Uses send-keys -l so the text is passed
// literally — tmux key-name expansion never mangles message content.
// Returns ErrSessionNotFound when the session is gone.
func (s *Server) Send(ctx context.Context, sessionName, text string) error {
	if _, err := s.run(ctx, "send-keys", "-t", "="+sessionName, "-l", text); err != nil {
		return mapSessionError(sessionName, err)
	}
	if _, err := s.run(ctx, "send-keys", "-t", "="+sessionName, "Enter"); err != nil {
		return mapSessionError(sessionName, err)
	}
	return nil
}

// Kill terminates a specific session and removes its output FIFO.
// Returns nil if the session was already gone or the server was not
// running — these are normal conditions during teardown, not errors.
func (s *Server) Kill(ctx context.Context, sessionName string) error {
	cmd := exec.CommandContext(ctx, "tmux", "-S", s.socketPath, "kill-session", "-t", "="+sessionName)
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		// "can't find session" and "no server running" are benign during
		// teardown — the session was already gone.
		if !strings.Contains(outputString, "can't find session") &&
			!strings.Contains(outputString, "no server running") {
			return fmt.Errorf("tmux kill-session %q: %w (%s)", sessionName, err, outputString)
		}
	}
	os.Remove(s.PipePath(sessionName))
	return nil
}

// KillServer terminates the entire tmux server, stopping all sessions.
// Returns nil if the server was already stopped — this is a normal
// condition during teardown, not an error.
func (s *Server) KillServer(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "tmux", "-S", s.socketPath, "kill-server")
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		// "no server running" and "server exited unexpectedly" are benign
		// during teardown: the server is already gone, which is what we
		// wanted. The "server exited unexpectedly" message appears when the
		// socket file lingers briefly after the server process has exited.
		if strings.Contains(outputString, "no server running") ||
			strings.Contains(outputString, "server exited unexpectedly") {
			return nil
		}
		return fmt.Errorf("tmux kill-server: %w (%s)", err, outputString)
	}
	return nil
}

// Sessions returns the names of all sessions running on this server.
// A stopped server yields an empty list, not an error — startup
// reconciliation runs before any session has been spawned.
func (s *Server) Sessions(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "tmux", "-S", s.socketPath, "list-sessions", "-F", "#{session_name}")
	output, err := cmd.CombinedOutput()
	if err != nil {
		outputString := strings.TrimSpace(string(output))
		if strings.Contains(outputString, "no server running") ||
			strings.Contains(outputString, "error connecting") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w (%s)", err, outputString)
	}

	var names []string
	for line := range strings.Lines(string(output)) {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Capture returns the full scrollback and visible content of the named
// session's pane. maxLines limits the output to the last N lines; pass
// 0 for no limit. Returns ErrSessionNotFound when the session is gone.
//
// Uses capture-pane with -p (print to stdout), -S - (start of history),
// and -E - (end of visible area) to get the complete pane content.
func (s *Server) Capture(ctx context.Context, sessionName string, maxLines int) (string, error) {
	output, err := s.run(ctx, "capture-pane", "-t", "="+sessionName, "-p", "-S", "-", "-E", "-")
	if err != nil {
		return "", mapSessionError(sessionName, err)
	}
	if maxLines <= 0 {
		return output, nil
	}
	return tailString(output, maxLines), nil
}

// OpenOutput opens the named session's output FIFO for reading.
//
// The FIFO is opened O_RDWR so the open never blocks waiting for a
// writer and the FIFO never reports EOF when the pipe-pane cat process
// restarts. O_NONBLOCK registers the descriptor with the runtime
// poller: a plain Read on an empty pipe parks the goroutine, so
// callers with a poll loop must bound reads with SetReadDeadline.
// The caller owns the file and must Close it.
func (s *Server) OpenOutput(sessionName string) (*os.File, error) {
	pipePath := s.PipePath(sessionName)
	file, err := os.OpenFile(pipePath, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open output for %q: %w", sessionName, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("tmux: open output pipe %q: %w", pipePath, err)
	}
	return file, nil
}

// run executes an arbitrary tmux subcommand on this server and returns
// the combined output. The -S flag is automatically prepended.
func (s *Server) run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-S", s.socketPath}, args...)
	cmd := exec.CommandContext(ctx, "tmux", fullArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// mapSessionError converts tmux "can't find session" failures into
// ErrSessionNotFound, leaving other errors untouched.
func mapSessionError(sessionName string, err error) error {
	message := err.Error()
	if strings.Contains(message, "can't find session") ||
		strings.Contains(message, "no server running") {
		return fmt.Errorf("session %q: %w", sessionName, ErrSessionNotFound)
	}
	return err
}

// tailString returns the last n lines of s, matching tail -n semantics:
// a trailing newline terminates the last line (does not start a new one).
// If s has n or fewer lines, it is returned unchanged.
func tailString(s string, n int) string {
	if len(s) == 0 {
		return s
	}

	// A trailing newline terminates the last line — search from before it
	// so it doesn't count as an extra line separator.
	searchFrom := len(s) - 1
	if s[searchFrom] == '\n' {
		searchFrom--
	}

	// Walk backwards counting newline separators. For n lines we need
	// n-1 separators between them, plus one more newline to find the
	// cut point (the newline before the first of our n lines).
	count := 0
	for i := searchFrom; i >= 0; i-- {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[i+1:]
			}
		}
	}
	return s
}
