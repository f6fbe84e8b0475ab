// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bureau-foundation/switchboard/lib/agentkind"
	"github.com/bureau-foundation/switchboard/lib/lifecycle"
	"github.com/bureau-foundation/switchboard/lib/ref"
	"github.com/bureau-foundation/switchboard/lib/session"
	"github.com/bureau-foundation/switchboard/messaging"
)

const controlHelp = `Commands:
  new <kind> [name]     start an agent session (name is generated when omitted)
  kill <name>           close a session
  list                  show all sessions, most recently active first
  peek <name> [lines]   show the last lines of a session's pane
  kinds                 show available agent kinds
  help                  this text`

// controlChannel is the operator's management conversation: the DM
// room between the control identity and the operator, where sessions
// are created, listed, inspected, and killed.
type controlChannel struct {
	session  *messaging.DirectSession
	roomID   ref.RoomID
	operator ref.UserID
	manager  *lifecycle.Manager
	store    *session.Store
	kinds    *agentkind.Registry
	host     agentHost
	logger   *slog.Logger
}

// run watches the control room until the context is cancelled. Each
// command runs in its own goroutine: a slow create must not block the
// operator from issuing a kill (per-name serialization happens in the
// lifecycle manager, not here).
func (c *controlChannel) run(ctx context.Context) error {
	watcher, err := messaging.WatchRoom(ctx, c.session, c.roomID, &messaging.SyncFilter{
		TimelineTypes: []string{"m.room.message"},
		ExcludeState:  true,
	})
	if err != nil {
		return fmt.Errorf("control channel: watch room: %w", err)
	}
	c.logger.Info("control channel ready", "room_id", c.roomID)

	self := c.session.UserID()
	for {
		event, err := watcher.WaitForEvent(ctx, func(event messaging.Event) bool {
			return event.Type == "m.room.message" && event.Sender != self
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control channel: %w", err)
		}
		if event.Sender != c.operator {
			c.logger.Warn("ignoring control message from non-operator",
				"sender", event.Sender)
			continue
		}
		body, ok := event.Content["body"].(string)
		if !ok || strings.TrimSpace(body) == "" {
			continue
		}
		go c.handle(ctx, strings.Fields(body))
	}
}

func (c *controlChannel) handle(ctx context.Context, fields []string) {
	switch fields[0] {
	case "new":
		c.cmdNew(ctx, fields[1:])
	case "kill":
		c.cmdKill(ctx, fields[1:])
	case "list":
		c.cmdList(ctx)
	case "peek":
		c.cmdPeek(ctx, fields[1:])
	case "kinds":
		c.cmdKinds(ctx)
	case "help":
		c.reply(ctx, controlHelp)
	default:
		c.reply(ctx, fmt.Sprintf("Unknown command %q.\n%s", fields[0], controlHelp))
	}
}

func (c *controlChannel) cmdNew(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		c.reply(ctx, "Usage: new <kind> [name]")
		return
	}
	request := lifecycle.CreateRequest{Kind: args[0]}
	if len(args) == 2 {
		request.Name = args[1]
	}
	record, err := c.manager.Create(ctx, request)
	switch {
	case errors.Is(err, agentkind.ErrUnknownKind):
		c.reply(ctx, fmt.Sprintf("Unknown kind %q. Available: %s.",
			args[0], strings.Join(c.kinds.Names(), ", ")))
	case errors.Is(err, session.ErrNameTaken):
		c.reply(ctx, fmt.Sprintf("The name %q is already in use.", request.Name))
	case errors.Is(err, lifecycle.ErrOperationInProgress):
		c.reply(ctx, fmt.Sprintf("Another operation on %q is in progress.", request.Name))
	case err != nil:
		c.logger.Error("create failed", "kind", args[0], "error", err)
		c.reply(ctx, fmt.Sprintf("Creating the session failed: %v", err))
	default:
		c.reply(ctx, fmt.Sprintf("Created %s (%s). Talk to it in its own room.",
			record.Name, record.UserID))
	}
}

func (c *controlChannel) cmdKill(ctx context.Context, args []string) {
	if len(args) != 1 {
		c.reply(ctx, "Usage: kill <name>")
		return
	}
	err := c.manager.Kill(ctx, args[0])
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.reply(ctx, fmt.Sprintf("session not found: %q", args[0]))
	case errors.Is(err, lifecycle.ErrOperationInProgress):
		c.reply(ctx, fmt.Sprintf("Another operation on %q is in progress.", args[0]))
	case err != nil:
		c.logger.Error("kill failed", "session", args[0], "error", err)
		c.reply(ctx, fmt.Sprintf("Closing %q failed: %v. Run kill again to retry.", args[0], err))
	default:
		c.reply(ctx, fmt.Sprintf("Closed %s.", args[0]))
	}
}

func (c *controlChannel) cmdList(ctx context.Context) {
	records, err := c.store.List(ctx, session.StatusFilter{})
	if err != nil {
		c.logger.Error("list failed", "error", err)
		c.reply(ctx, fmt.Sprintf("Listing sessions failed: %v", err))
		return
	}
	if len(records) == 0 {
		c.reply(ctx, "No sessions.")
		return
	}
	var lines []string
	for _, record := range records {
		lines = append(lines, fmt.Sprintf("%s  %s  %s  last active %s",
			record.Name, record.Status, record.UserID,
			record.LastActive.UTC().Format("2006-01-02 15:04:05")))
	}
	c.reply(ctx, strings.Join(lines, "\n"))
}

func (c *controlChannel) cmdPeek(ctx context.Context, args []string) {
	if len(args) < 1 || len(args) > 2 {
		c.reply(ctx, "Usage: peek <name> [lines]")
		return
	}
	lines := defaultPeekLines
	if len(args) == 2 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil || parsed < 1 {
			c.reply(ctx, "Usage: peek <name> [lines]")
			return
		}
		lines = parsed
	}
	name := args[0]
	if !c.host.Alive(ctx, name) {
		c.reply(ctx, fmt.Sprintf("No running process for %q.", name))
		return
	}
	pane, err := c.host.Capture(ctx, name, lines)
	if err != nil {
		c.reply(ctx, fmt.Sprintf("Capture failed: %v", err))
		return
	}
	if strings.TrimSpace(pane) == "" {
		pane = "(pane is empty)"
	}
	c.reply(ctx, pane)
}

func (c *controlChannel) cmdKinds(ctx context.Context) {
	kinds := c.kinds.Kinds()
	if len(kinds) == 0 {
		c.reply(ctx, "No agent kinds installed.")
		return
	}
	var lines []string
	for _, kind := range kinds {
		lines = append(lines, fmt.Sprintf("%s - %s", kind.Name, kind.Description))
	}
	c.reply(ctx, strings.Join(lines, "\n"))
}

func (c *controlChannel) reply(ctx context.Context, text string) {
	if _, err := c.session.SendMessage(ctx, c.roomID, messaging.NewNoticeMessage(text)); err != nil {
		c.logger.Error("control reply failed", "error", err)
	}
}
