// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tmux_test

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/switchboard/lib/tmux"
)

func requireTmux(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}
}

func TestSpawn(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	err := server.Spawn(ctx, "test-session", tmux.SpawnSpec{
		Command: []string{"sleep", "infinity"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if !server.Alive(ctx, "test-session") {
		t.Fatal("Alive returned false for a session that was just created")
	}

	// The output FIFO must exist and actually be a FIFO.
	info, err := os.Stat(server.PipePath("test-session"))
	if err != nil {
		t.Fatalf("stat output pipe: %v", err)
	}
	if info.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("output pipe is not a FIFO: mode %v", info.Mode())
	}
}

func TestSpawnDuplicateName(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	spec := tmux.SpawnSpec{Command: []string{"sleep", "infinity"}}
	if err := server.Spawn(ctx, "dup", spec); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	err := server.Spawn(ctx, "dup", spec)
	if !errors.Is(err, tmux.ErrSessionExists) {
		t.Fatalf("second Spawn = %v, want ErrSessionExists", err)
	}
}

func TestSpawnEmptyCommand(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)

	if err := server.Spawn(t.Context(), "no-command", tmux.SpawnSpec{}); err == nil {
		t.Fatal("Spawn with empty command should fail")
	}
}

func TestSessionDisappearsWhenProcessExits(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	// Run a command that exits immediately. Without remain-on-exit the
	// session disappears once the command completes, which is how the
	// daemon detects a dead agent.
	if err := server.Spawn(ctx, "ephemeral", tmux.SpawnSpec{
		Command: []string{"true"},
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	for server.Alive(ctx, "ephemeral") {
		if ctx.Err() != nil {
			break
		}
		runtime.Gosched()
	}

	if server.Alive(ctx, "ephemeral") {
		t.Fatal("session still exists after command exited")
	}
}

func TestAliveReturnsFalseForMissing(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)

	if server.Alive(t.Context(), "nonexistent") {
		t.Fatal("Alive returned true for a session that does not exist")
	}
}

func TestKill(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	if err := server.Spawn(ctx, "doomed", tmux.SpawnSpec{
		Command: []string{"sleep", "infinity"},
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pipePath := server.PipePath("doomed")

	if err := server.Kill(ctx, "doomed"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if server.Alive(ctx, "doomed") {
		t.Fatal("session still exists after Kill")
	}
	if _, err := os.Stat(pipePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("output pipe still exists after Kill: %v", err)
	}
}

func TestKillBenignWhenMissing(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)

	// Killing a nonexistent session should not return an error: the
	// recovery tool kills sessions that may already be gone.
	if err := server.Kill(t.Context(), "never-existed"); err != nil {
		t.Fatalf("Kill on missing session returned error: %v", err)
	}
}

func TestSend(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	// cat echoes stdin to stdout, so sent text shows up in the pane.
	if err := server.Spawn(ctx, "echo-test", tmux.SpawnSpec{
		Command: []string{"cat"},
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := server.Send(ctx, "echo-test", "hello agent"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		captured, err := server.Capture(ctx, "echo-test", 0)
		if err != nil {
			t.Fatalf("Capture: %v", err)
		}
		if strings.Contains(captured, "hello agent") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent text never appeared in pane, captured: %q", captured)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendToMissingSession(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)

	err := server.Send(t.Context(), "ghost", "hello")
	if !errors.Is(err, tmux.ErrSessionNotFound) {
		t.Fatalf("Send to missing session = %v, want ErrSessionNotFound", err)
	}
}

func TestSessions(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	spec := tmux.SpawnSpec{Command: []string{"sleep", "infinity"}}
	if err := server.Spawn(ctx, "session-a", spec); err != nil {
		t.Fatalf("Spawn a: %v", err)
	}
	if err := server.Spawn(ctx, "session-b", spec); err != nil {
		t.Fatalf("Spawn b: %v", err)
	}

	names, err := server.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	found := make(map[string]bool)
	for _, name := range names {
		found[name] = true
	}
	if !found["session-a"] || !found["session-b"] {
		t.Fatalf("Sessions missing spawned names, got %v", names)
	}
}

func TestSessionsEmptyWhenServerStopped(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	if err := server.KillServer(ctx); err != nil {
		t.Fatalf("KillServer: %v", err)
	}

	names, err := server.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions on stopped server: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no sessions from stopped server, got %v", names)
	}
}

func TestKillServerBenignWhenStopped(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	server.KillServer(ctx)

	// Kill again — should not error.
	if err := server.KillServer(ctx); err != nil {
		t.Fatalf("KillServer on stopped server returned error: %v", err)
	}
}

func TestCapture(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	// Print known output, then sleep so the session stays alive for
	// the capture.
	if err := server.Spawn(ctx, "capture-test", tmux.SpawnSpec{
		Command: []string{"sh", "-c", "echo 'hello from agent'; echo 'error: something broke' >&2; sleep infinity"},
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		captured, err := server.Capture(ctx, "capture-test", 0)
		if err != nil {
			t.Fatalf("Capture: %v", err)
		}
		if strings.Contains(captured, "hello from agent") &&
			strings.Contains(captured, "error: something broke") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected output never appeared, captured: %q", captured)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCaptureWithMaxLines(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	if err := server.Spawn(ctx, "capture-limit", tmux.SpawnSpec{
		Command: []string{"sh", "-c", "for i in 1 2 3 4 5 6 7 8 9 10; do echo \"line $i\"; done; sleep infinity"},
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		full, err := server.Capture(ctx, "capture-limit", 0)
		if err != nil {
			t.Fatalf("Capture: %v", err)
		}
		if strings.Contains(full, "line 10") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("output never finished printing")
		}
		time.Sleep(10 * time.Millisecond)
	}

	captured, err := server.Capture(ctx, "capture-limit", 3)
	if err != nil {
		t.Fatalf("Capture with limit: %v", err)
	}
	lines := strings.Split(strings.TrimRight(captured, "\n"), "\n")
	if len(lines) > 3 {
		t.Errorf("expected at most 3 lines, got %d: %v", len(lines), lines)
	}
}

func TestCaptureMissingSession(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)

	_, err := server.Capture(t.Context(), "ghost", 0)
	if !errors.Is(err, tmux.ErrSessionNotFound) {
		t.Fatalf("Capture of missing session = %v, want ErrSessionNotFound", err)
	}
}

func TestOpenOutputReceivesPaneOutput(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	if err := server.Spawn(ctx, "pipe-test", tmux.SpawnSpec{
		Command: []string{"sh", "-c", "echo 'piped output'; sleep infinity"},
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	output, err := server.OpenOutput("pipe-test")
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	defer output.Close()

	// Poll the FIFO until the pane output arrives. The fd is poller
	// registered, so reads must be bounded with a deadline or an empty
	// pipe parks the test.
	var collected strings.Builder
	buffer := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := output.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			t.Fatalf("SetReadDeadline: %v", err)
		}
		n, readErr := output.Read(buffer)
		if n > 0 {
			collected.Write(buffer[:n])
		}
		if strings.Contains(collected.String(), "piped output") {
			break
		}
		if readErr != nil && !errors.Is(readErr, os.ErrDeadlineExceeded) {
			t.Fatalf("reading output pipe: %v", readErr)
		}
		if time.Now().After(deadline) {
			t.Fatalf("piped output never arrived, collected: %q", collected.String())
		}
	}
}

func TestOpenOutputMissingSession(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)

	_, err := server.OpenOutput("ghost")
	if !errors.Is(err, tmux.ErrSessionNotFound) {
		t.Fatalf("OpenOutput for missing session = %v, want ErrSessionNotFound", err)
	}
}

func TestSpawnWithEnvAndWorkdir(t *testing.T) {
	requireTmux(t)
	server := tmux.NewTestServer(t)
	ctx := t.Context()

	workdir := t.TempDir()
	if err := server.Spawn(ctx, "env-test", tmux.SpawnSpec{
		Command: []string{"sh", "-c", "echo \"dir=$PWD token=$AGENT_TOKEN\"; sleep infinity"},
		Workdir: workdir,
		Env:     map[string]string{"AGENT_TOKEN": "tok-123"},
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		captured, err := server.Capture(ctx, "env-test", 0)
		if err != nil {
			t.Fatalf("Capture: %v", err)
		}
		if strings.Contains(captured, "dir="+workdir) && strings.Contains(captured, "token=tok-123") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("env/workdir output never appeared, captured: %q", captured)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewTestServerIsolation(t *testing.T) {
	requireTmux(t)
	serverA := tmux.NewTestServer(t)
	serverB := tmux.NewTestServer(t)
	ctx := t.Context()

	if err := serverA.Spawn(ctx, "only-on-a", tmux.SpawnSpec{
		Command: []string{"sleep", "infinity"},
	}); err != nil {
		t.Fatalf("Spawn on A: %v", err)
	}

	if serverB.Alive(ctx, "only-on-a") {
		t.Fatal("server B can see a session from server A — servers are not isolated")
	}
}

func TestSocketPath(t *testing.T) {
	socketPath := "/tmp/test-tmux.sock"
	server := tmux.NewServer(socketPath, "/dev/null", "/tmp")

	if got := server.SocketPath(); got != socketPath {
		t.Fatalf("SocketPath() = %q, want %q", got, socketPath)
	}
}
