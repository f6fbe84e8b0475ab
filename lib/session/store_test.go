// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/switchboard/lib/clock"
	"github.com/bureau-foundation/switchboard/lib/ref"
)

var storeTestClockEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUserID(t *testing.T, localpart string) ref.UserID {
	t.Helper()
	userID, err := ref.ParseUserID("@" + localpart + ":switchboard.local")
	if err != nil {
		t.Fatal(err)
	}
	return userID
}

func testRoomID(t *testing.T, localpart string) ref.RoomID {
	t.Helper()
	roomID, err := ref.ParseRoomID("!" + localpart + ":switchboard.local")
	if err != nil {
		t.Fatal(err)
	}
	return roomID
}

func openTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()

	fakeClock := clock.Fake(storeTestClockEpoch)

	store, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "sessions_test.db"),
		PoolSize: 2,
		Clock:    fakeClock,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})
	return store, fakeClock
}

func TestOpenRequiresClockAndLogger(t *testing.T) {
	_, err := Open(Config{Path: "x.db", Logger: testLogger()})
	if err == nil || err.Error() != "session store: Clock is required" {
		t.Errorf("missing clock: got %v", err)
	}
	_, err = Open(Config{Path: "x.db", Clock: clock.Fake(storeTestClockEpoch)})
	if err == nil || err.Error() != "session store: Logger is required" {
		t.Errorf("missing logger: got %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	userID := testUserID(t, "alpha")
	created, err := store.Create(ctx, "alpha", userID, "echo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != StatusPending {
		t.Errorf("created status = %q, want %q", created.Status, StatusPending)
	}
	if !created.CreatedAt.Equal(storeTestClockEpoch) {
		t.Errorf("CreatedAt = %v, want %v", created.CreatedAt, storeTestClockEpoch)
	}

	got, err := store.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "alpha" {
		t.Errorf("Name = %q, want alpha", got.Name)
	}
	if got.UserID != userID {
		t.Errorf("UserID = %v, want %v", got.UserID, userID)
	}
	if got.AgentKind != "echo" {
		t.Errorf("AgentKind = %q, want echo", got.AgentKind)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if !got.RoomID.IsZero() {
		t.Errorf("RoomID = %v, want zero for pending record", got.RoomID)
	}
	if got.Credentials != "" {
		t.Errorf("Credentials = %q, want empty for pending record", got.Credentials)
	}
	if !got.LastActive.Equal(storeTestClockEpoch) {
		t.Errorf("LastActive = %v, want %v", got.LastActive, storeTestClockEpoch)
	}
}

func TestGetNotFound(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Get(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown: got %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicateName(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := store.Create(ctx, "alpha", testUserID(t, "alpha2"), "echo")
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("duplicate create: got %v, want ErrNameTaken", err)
	}
}

func TestClosedNameStaysTaken(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.MarkActive(ctx, "alpha", testRoomID(t, "room1"), "sealed"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := store.MarkClosed(ctx, "alpha"); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}

	// The closed record keeps the name reserved forever.
	_, err := store.Create(ctx, "alpha", testUserID(t, "alpha2"), "echo")
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("create over closed record: got %v, want ErrNameTaken", err)
	}
}

func TestListOrdering(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		if _, err := store.Create(ctx, name, testUserID(t, name), "echo"); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
		fakeClock.Advance(time.Minute)
	}

	// Touch "first" so it becomes the most recently active.
	if err := store.Touch(ctx, "first"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	records, err := store.List(ctx, StatusFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	wantOrder := []string{"first", "third", "second"}
	for i, want := range wantOrder {
		if records[i].Name != want {
			t.Errorf("records[%d].Name = %q, want %q", i, records[i].Name, want)
		}
	}
}

func TestListStatusFilter(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"pend", "act", "done"} {
		if _, err := store.Create(ctx, name, testUserID(t, name), "echo"); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}
	if err := store.MarkActive(ctx, "act", testRoomID(t, "ract"), "sealed"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := store.MarkActive(ctx, "done", testRoomID(t, "rdone"), "sealed"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := store.MarkClosed(ctx, "done"); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}

	tests := []struct {
		status Status
		want   []string
	}{
		{StatusPending, []string{"pend"}},
		{StatusActive, []string{"act"}},
		{StatusClosed, []string{"done"}},
	}
	for _, test := range tests {
		records, err := store.List(ctx, StatusFilter{Status: test.status})
		if err != nil {
			t.Fatalf("List(%s): %v", test.status, err)
		}
		if len(records) != len(test.want) {
			t.Fatalf("List(%s): got %d records, want %d", test.status, len(records), len(test.want))
		}
		for i, want := range test.want {
			if records[i].Name != want {
				t.Errorf("List(%s)[%d] = %q, want %q", test.status, i, records[i].Name, want)
			}
		}
	}

	all, err := store.List(ctx, StatusFilter{})
	if err != nil {
		t.Fatalf("List(all): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(all): got %d records, want 3", len(all))
	}
}

func TestMarkActive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	roomID := testRoomID(t, "room1")
	if err := store.MarkActive(ctx, "alpha", roomID, "sealed-blob"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	got, err := store.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want %q", got.Status, StatusActive)
	}
	if got.RoomID != roomID {
		t.Errorf("RoomID = %v, want %v", got.RoomID, roomID)
	}
	if got.Credentials != "sealed-blob" {
		t.Errorf("Credentials = %q, want sealed-blob", got.Credentials)
	}

	// A second MarkActive must fail: the record is no longer pending.
	err = store.MarkActive(ctx, "alpha", roomID, "other")
	if err == nil {
		t.Fatal("MarkActive on active record succeeded, want error")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("MarkActive on active record: got ErrNotFound, want status error")
	}

	if err := store.MarkActive(ctx, "ghost", roomID, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkActive unknown: got %v, want ErrNotFound", err)
	}
}

func TestMarkClosedIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.MarkActive(ctx, "alpha", testRoomID(t, "room1"), "sealed"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	if err := store.MarkClosed(ctx, "alpha"); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}
	// Closing again is a no-op success.
	if err := store.MarkClosed(ctx, "alpha"); err != nil {
		t.Errorf("MarkClosed (second): %v, want nil", err)
	}

	got, err := store.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusClosed {
		t.Errorf("Status = %q, want %q", got.Status, StatusClosed)
	}

	if err := store.MarkClosed(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkClosed unknown: got %v, want ErrNotFound", err)
	}
}

func TestTouch(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	fakeClock.Advance(5 * time.Minute)
	if err := store.Touch(ctx, "alpha"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := store.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := storeTestClockEpoch.Add(5 * time.Minute)
	if !got.LastActive.Equal(want) {
		t.Errorf("LastActive = %v, want %v", got.LastActive, want)
	}
	if !got.CreatedAt.Equal(storeTestClockEpoch) {
		t.Errorf("CreatedAt = %v, want unchanged %v", got.CreatedAt, storeTestClockEpoch)
	}

	if err := store.Touch(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Touch unknown: got %v, want ErrNotFound", err)
	}
}

func TestDeletePending(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.DeletePending(ctx, "alpha"); err != nil {
		t.Fatalf("DeletePending: %v", err)
	}
	if _, err := store.Get(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: got %v, want ErrNotFound", err)
	}

	// The name becomes available again once the reservation is gone.
	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Errorf("Create after DeletePending: %v", err)
	}
}

func TestDeletePendingRefusesNonPending(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.MarkActive(ctx, "alpha", testRoomID(t, "room1"), "sealed"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	if err := store.DeletePending(ctx, "alpha"); err == nil {
		t.Error("DeletePending on active record succeeded, want error")
	}

	if err := store.MarkClosed(ctx, "alpha"); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}
	if err := store.DeletePending(ctx, "alpha"); err == nil {
		t.Error("DeletePending on closed record succeeded, want error")
	}

	// The record survives both refusals.
	if _, err := store.Get(ctx, "alpha"); err != nil {
		t.Errorf("Get after refused deletes: %v", err)
	}

	if err := store.DeletePending(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeletePending unknown: got %v, want ErrNotFound", err)
	}
}

func TestRecordMessageAndMessages(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.RecordMessage(ctx, "alpha", DirectionInbound, "hello"); err != nil {
		t.Fatalf("RecordMessage (inbound): %v", err)
	}
	fakeClock.Advance(time.Second)
	if err := store.RecordMessage(ctx, "alpha", DirectionOutbound, "hello back"); err != nil {
		t.Fatalf("RecordMessage (outbound): %v", err)
	}

	messages, err := store.Messages(ctx, "alpha")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Direction != DirectionInbound || messages[0].Body != "hello" {
		t.Errorf("messages[0] = %+v, want inbound hello", messages[0])
	}
	if messages[1].Direction != DirectionOutbound || messages[1].Body != "hello back" {
		t.Errorf("messages[1] = %+v, want outbound hello back", messages[1])
	}
	if !messages[1].RecordedAt.After(messages[0].RecordedAt) {
		t.Errorf("messages out of time order: %v then %v", messages[0].RecordedAt, messages[1].RecordedAt)
	}

	// Recording a message bumps the session's activity.
	got, err := store.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := storeTestClockEpoch.Add(time.Second)
	if !got.LastActive.Equal(want) {
		t.Errorf("LastActive = %v, want %v", got.LastActive, want)
	}

	if err := store.RecordMessage(ctx, "ghost", DirectionInbound, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordMessage unknown: got %v, want ErrNotFound", err)
	}
}

func TestMessagesEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	messages, err := store.Messages(ctx, "alpha")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("got %d messages, want 0", len(messages))
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions_reopen.db")
	fakeClock := clock.Fake(storeTestClockEpoch)
	ctx := context.Background()

	store1, err := Open(Config{
		Path: dbPath, PoolSize: 2, Clock: fakeClock, Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("Open (1): %v", err)
	}

	if _, err := store1.Create(ctx, "alpha", testUserID(t, "alpha"), "echo"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store1.MarkActive(ctx, "alpha", testRoomID(t, "room1"), "sealed-blob"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := store1.RecordMessage(ctx, "alpha", DirectionInbound, "persisted"); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("Close (1): %v", err)
	}

	store2, err := Open(Config{
		Path: dbPath, PoolSize: 2, Clock: fakeClock, Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("Open (2): %v", err)
	}
	defer store2.Close()

	got, err := store2.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want %q", got.Status, StatusActive)
	}
	if got.Credentials != "sealed-blob" {
		t.Errorf("Credentials = %q, want sealed-blob", got.Credentials)
	}

	messages, err := store2.Messages(ctx, "alpha")
	if err != nil {
		t.Fatalf("Messages after reopen: %v", err)
	}
	if len(messages) != 1 || messages[0].Body != "persisted" {
		t.Errorf("messages after reopen = %+v, want one persisted message", messages)
	}
}
