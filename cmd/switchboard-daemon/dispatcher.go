// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/lifecycle"
	"github.com/bureau-foundation/switchboard/lib/ref"
	"github.com/bureau-foundation/switchboard/lib/secret"
	"github.com/bureau-foundation/switchboard/lib/session"
	"github.com/bureau-foundation/switchboard/lib/tmux"
	"github.com/bureau-foundation/switchboard/messaging"
)

const (
	// outputPollInterval is how often an idle output reader re-checks
	// the session's FIFO for new bytes.
	outputPollInterval = 200 * time.Millisecond

	// sendAttempts bounds outbound delivery retries per message.
	sendAttempts = 3

	// sendTimeout bounds a single outbound SendMessage call.
	sendTimeout = 30 * time.Second

	// defaultPeekLines is how much pane history /peek shows when the
	// operator doesn't ask for a specific amount.
	defaultPeekLines = 40
)

// agentHost is the slice of the tmux server the dispatcher uses:
// keystroke injection, pane capture, and the output FIFO.
type agentHost interface {
	Send(ctx context.Context, sessionName, text string) error
	Capture(ctx context.Context, sessionName string, maxLines int) (string, error)
	OpenOutput(sessionName string) (*os.File, error)
	Alive(ctx context.Context, sessionName string) bool
}

var _ agentHost = (*tmux.Server)(nil)

// dispatcher routes messages between Matrix DM rooms and agent
// processes. Each active session gets one binding: an authenticated
// Matrix session for the agent's identity, a room watcher pumping
// operator messages to the process, and an output pump relaying
// process output back to the room.
//
// Bindings are a cache rebuilt from the session store on startup,
// never persisted. Every binding runs its own goroutines; a slow
// homeserver call for one session never delays another.
type dispatcher struct {
	client   *messaging.Client
	host     agentHost
	store    *session.Store
	operator ref.UserID
	clock    clock.Clock
	logger   *slog.Logger

	// kill closes a session in response to the /kill room command.
	// Set via setKiller once the lifecycle manager exists (the manager
	// holds the dispatcher, so this reference goes the other way
	// after construction).
	kill func(ctx context.Context, name string) error

	mu       sync.Mutex
	bindings map[string]*binding
}

var _ lifecycle.Dispatcher = (*dispatcher)(nil)

func newDispatcher(client *messaging.Client, host agentHost, store *session.Store, operator ref.UserID, clk clock.Clock, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		client:   client,
		host:     host,
		store:    store,
		operator: operator,
		clock:    clk,
		logger:   logger,
		bindings: make(map[string]*binding),
	}
}

func (d *dispatcher) setKiller(kill func(ctx context.Context, name string) error) {
	d.kill = kill
}

// binding is the live routing state for one session.
type binding struct {
	name    string
	roomID  ref.RoomID
	session *messaging.DirectSession
	watcher *messaging.RoomWatcher
	output  *os.File

	// queue carries complete output lines from the reader to the
	// sender, preserving arrival order. Closed by the reader.
	queue chan string

	cancelInbound context.CancelFunc
	cancelReader  context.CancelFunc
	inboundDone   chan struct{}
	readerDone    chan struct{}
	senderDone    chan struct{}

	// draining makes the inbound pump drop new operator text while a
	// close is in flight. A kill always wins over in-flight sends.
	draining atomic.Bool
}

// Bind attaches message routing to an active session. The context
// covers only the setup calls (initial sync, FIFO open); the binding's
// pumps run on their own contexts until Drain/Unbind.
func (d *dispatcher) Bind(ctx context.Context, record session.Record, credentials messaging.Credentials) error {
	d.mu.Lock()
	if _, exists := d.bindings[record.Name]; exists {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: session %q already bound", record.Name)
	}
	d.mu.Unlock()

	agentSession, err := d.client.SessionFromToken(credentials.UserID, credentials.AccessToken)
	if err != nil {
		return fmt.Errorf("dispatcher: bind %q: %w", record.Name, err)
	}

	filter := &messaging.SyncFilter{
		TimelineTypes: []string{"m.room.message"},
		ExcludeState:  true,
	}
	watcher, err := messaging.WatchRoom(ctx, agentSession, record.RoomID, filter)
	if err != nil && messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) && credentials.Password != "" {
		// The stored token was invalidated (homeserver restore, token
		// rotation). Fall back to a fresh password login; the new token
		// lives only in this binding and the next kill deactivates the
		// account regardless.
		agentSession.Close()
		agentSession, err = d.relogin(ctx, credentials)
		if err != nil {
			return fmt.Errorf("dispatcher: bind %q: %w", record.Name, err)
		}
		watcher, err = messaging.WatchRoom(ctx, agentSession, record.RoomID, filter)
	}
	if err != nil {
		return fmt.Errorf("dispatcher: bind %q: watch room: %w", record.Name, err)
	}

	output, err := d.host.OpenOutput(record.Name)
	if err != nil {
		return fmt.Errorf("dispatcher: bind %q: open output: %w", record.Name, err)
	}

	inboundCtx, cancelInbound := context.WithCancel(context.Background())
	readerCtx, cancelReader := context.WithCancel(context.Background())
	b := &binding{
		name:          record.Name,
		roomID:        record.RoomID,
		session:       agentSession,
		watcher:       watcher,
		output:        output,
		queue:         make(chan string, 256),
		cancelInbound: cancelInbound,
		cancelReader:  cancelReader,
		inboundDone:   make(chan struct{}),
		readerDone:    make(chan struct{}),
		senderDone:    make(chan struct{}),
	}

	d.mu.Lock()
	d.bindings[record.Name] = b
	d.mu.Unlock()

	go d.pumpInbound(inboundCtx, b)
	go d.pumpOutput(readerCtx, b)
	go d.pumpOutbound(b)

	d.logger.Info("session bound",
		"session", record.Name,
		"room_id", record.RoomID,
		"user_id", credentials.UserID)
	return nil
}

// relogin authenticates the agent account with its stored password
// after the access token was rejected.
func (d *dispatcher) relogin(ctx context.Context, credentials messaging.Credentials) (*messaging.DirectSession, error) {
	password, err := secret.NewFromBytes([]byte(credentials.Password))
	if err != nil {
		return nil, fmt.Errorf("relogin %q: %w", credentials.UserID, err)
	}
	defer password.Close()

	d.logger.Warn("stored access token rejected, re-logging in",
		"user_id", credentials.UserID)
	agentSession, err := d.client.Login(ctx, credentials.UserID.Localpart(), password)
	if err != nil {
		return nil, fmt.Errorf("relogin %q: %w", credentials.UserID, err)
	}
	return agentSession, nil
}

// Drain stops inbound routing, flushes queued output, and posts the
// closing notice. The binding itself stays registered until Unbind so
// the lifecycle manager's Bound check remains true during teardown.
func (d *dispatcher) Drain(ctx context.Context, name, notice string) error {
	b := d.lookup(name)
	if b == nil {
		return nil
	}
	if !b.draining.CompareAndSwap(false, true) {
		return nil
	}

	b.cancelInbound()
	<-b.inboundDone

	// Let the reader take a final sweep of the FIFO, then wait for the
	// sender to flush everything it collected.
	b.cancelReader()
	<-b.readerDone
	<-b.senderDone

	if _, err := b.session.SendMessage(ctx, b.roomID, messaging.NewNoticeMessage(notice)); err != nil {
		return fmt.Errorf("dispatcher: drain %q: closing notice: %w", name, err)
	}
	return nil
}

// Unbind tears down a session's routing state. Idempotent.
func (d *dispatcher) Unbind(name string) {
	d.mu.Lock()
	b := d.bindings[name]
	delete(d.bindings, name)
	d.mu.Unlock()
	if b == nil {
		return
	}

	b.cancelInbound()
	b.cancelReader()
	<-b.readerDone
	<-b.senderDone
	b.output.Close()
	b.session.CloseIdleConnections()
	d.logger.Info("session unbound", "session", name)
}

// Bound reports whether the session currently has routing attached.
func (d *dispatcher) Bound(name string) bool {
	return d.lookup(name) != nil
}

// boundNames returns the sessions with live bindings, for the
// liveness watchdog.
func (d *dispatcher) boundNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.bindings))
	for name := range d.bindings {
		names = append(names, name)
	}
	return names
}

// closeAll unbinds every session on daemon shutdown. Agent processes
// keep running; the next startup's reconcile rebinds them.
func (d *dispatcher) closeAll() {
	for _, name := range d.boundNames() {
		d.Unbind(name)
	}
}

func (d *dispatcher) lookup(name string) *binding {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindings[name]
}

// pumpInbound long-polls the DM room and forwards operator text to
// the agent process. A homeserver outage must not leave the binding
// half-dead, so sync failures are retried forever with capped backoff
// rather than stopping the pump; only cancellation ends it.
func (d *dispatcher) pumpInbound(ctx context.Context, b *binding) {
	defer close(b.inboundDone)
	self := b.session.UserID()
	backoff := time.Second
	for {
		event, err := b.watcher.WaitForEvent(ctx, func(event messaging.Event) bool {
			return event.Type == "m.room.message" && event.Sender != self
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("inbound sync failed, retrying",
				"session", b.name, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		d.handleInbound(ctx, b, event)
	}
}

func (d *dispatcher) handleInbound(ctx context.Context, b *binding, event messaging.Event) {
	if b.draining.Load() {
		d.logger.Debug("dropping inbound message for draining session",
			"session", b.name)
		return
	}
	if event.Sender != d.operator {
		d.logger.Warn("ignoring message from non-operator",
			"session", b.name, "sender", event.Sender)
		return
	}
	body, ok := event.Content["body"].(string)
	if !ok || body == "" {
		return
	}

	if strings.HasPrefix(body, "/") {
		d.sessionCommand(ctx, b, body)
		return
	}

	if err := d.store.RecordMessage(ctx, b.name, session.DirectionInbound, body); err != nil {
		d.logger.Error("recording inbound message failed",
			"session", b.name, "error", err)
	}
	if err := d.store.Touch(ctx, b.name); err != nil {
		d.logger.Error("touching session failed",
			"session", b.name, "error", err)
	}

	if err := d.host.Send(ctx, b.name, body); err != nil {
		d.logger.Error("delivering to agent failed",
			"session", b.name, "error", err)
		d.reply(ctx, b, fmt.Sprintf("Delivery to the agent failed: %v", err))
	}
}

// sessionCommand handles slash commands sent in a session's own room.
func (d *dispatcher) sessionCommand(ctx context.Context, b *binding, body string) {
	fields := strings.Fields(body)
	switch fields[0] {
	case "/kill":
		if d.kill == nil {
			d.reply(ctx, b, "Kill is not available.")
			return
		}
		// The kill drains this very binding; it must not run on the
		// inbound pump's goroutine.
		go func() {
			if err := d.kill(context.Background(), b.name); err != nil {
				d.logger.Error("kill via room command failed",
					"session", b.name, "error", err)
			}
		}()
	case "/peek":
		lines := defaultPeekLines
		if len(fields) > 1 {
			parsed, err := strconv.Atoi(fields[1])
			if err != nil || parsed < 1 {
				d.reply(ctx, b, "Usage: /peek [lines]")
				return
			}
			lines = parsed
		}
		pane, err := d.host.Capture(ctx, b.name, lines)
		if err != nil {
			d.reply(ctx, b, fmt.Sprintf("Capture failed: %v", err))
			return
		}
		if strings.TrimSpace(pane) == "" {
			pane = "(pane is empty)"
		}
		d.reply(ctx, b, pane)
	default:
		d.reply(ctx, b, fmt.Sprintf("Unknown command %q. Available: /kill, /peek [lines].", fields[0]))
	}
}

func (d *dispatcher) reply(ctx context.Context, b *binding, text string) {
	if _, err := b.session.SendMessage(ctx, b.roomID, messaging.NewNoticeMessage(text)); err != nil {
		d.logger.Error("reply failed", "session", b.name, "error", err)
	}
}

// pumpOutput reads the session's FIFO and splits it into lines for
// the sender. The fd is registered with the runtime poller, so a plain
// Read on an empty pipe parks the goroutine indefinitely; a read
// deadline per lap turns that park into a poll tick where cancellation
// is checked. On cancellation it takes one final sweep so queued
// process output isn't lost.
func (d *dispatcher) pumpOutput(ctx context.Context, b *binding) {
	defer close(b.queue)
	defer close(b.readerDone)

	buf := make([]byte, 32*1024)
	var pending []byte

	enqueue := func(data []byte) {
		pending = append(pending, data...)
		for {
			newline := bytes.IndexByte(pending, '\n')
			if newline < 0 {
				return
			}
			line := strings.TrimRight(string(pending[:newline]), "\r")
			pending = pending[newline+1:]
			if line != "" {
				b.queue <- line
			}
		}
	}
	flushPartial := func() {
		if line := strings.TrimRight(string(pending), "\r"); line != "" {
			b.queue <- line
		}
		pending = nil
	}
	// finalSweep empties the pipe after cancellation. The deadline must
	// stay slightly in the future: an already-expired deadline fails the
	// read before the kernel is asked for buffered data.
	finalSweep := func() {
		for {
			if err := b.output.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
				break
			}
			n, err := b.output.Read(buf)
			if n > 0 {
				enqueue(buf[:n])
				continue
			}
			if err != nil {
				break
			}
		}
		flushPartial()
	}

	for {
		if ctx.Err() != nil {
			finalSweep()
			return
		}
		if err := b.output.SetReadDeadline(time.Now().Add(outputPollInterval)); err != nil {
			d.logger.Error("output pump stopped: pipe does not support deadlines",
				"session", b.name, "error", err)
			flushPartial()
			return
		}
		n, err := b.output.Read(buf)
		if n > 0 {
			enqueue(buf[:n])
			continue
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			if ctx.Err() == nil {
				d.logger.Error("output pump stopped",
					"session", b.name, "error", err)
			}
			finalSweep()
			return
		}
	}
}

// pumpOutbound delivers queued output lines to the DM room in order.
// Runs until the reader closes the queue.
func (d *dispatcher) pumpOutbound(b *binding) {
	defer close(b.senderDone)
	for line := range b.queue {
		if err := d.deliver(b, line); err != nil {
			d.logger.Error("outbound delivery failed",
				"session", b.name, "error", err)
		}
	}
}

// deliver sends one line with bounded retries. Only transport-level
// failures are retried; a homeserver rejection is final.
func (d *dispatcher) deliver(b *binding, line string) error {
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_, err := b.session.SendMessage(ctx, b.roomID, messaging.NewTextMessage(line))
		cancel()
		if err == nil {
			recordCtx := context.Background()
			if err := d.store.RecordMessage(recordCtx, b.name, session.DirectionOutbound, line); err != nil {
				d.logger.Error("recording outbound message failed",
					"session", b.name, "error", err)
			}
			if err := d.store.Touch(recordCtx, b.name); err != nil {
				d.logger.Error("touching session failed",
					"session", b.name, "error", err)
			}
			return nil
		}
		lastErr = err
		if !messaging.Unreachable(err) {
			break
		}
		if attempt < sendAttempts {
			<-d.clock.After(time.Duration(1<<(attempt-1)) * time.Second)
		}
	}
	return lastErr
}
