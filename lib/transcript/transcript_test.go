// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/switchboard/lib/session"
	"github.com/bureau-foundation/switchboard/lib/transcript"
)

func TestExportAndRead(t *testing.T) {
	dir := t.TempDir()
	recorded := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	messages := []session.Message{
		{ID: 1, SessionName: "codex-a1b2", Direction: session.DirectionInbound, Body: "write a haiku", RecordedAt: recorded},
		{ID: 2, SessionName: "codex-a1b2", Direction: session.DirectionOutbound, Body: "old pond / frog leaps in", RecordedAt: recorded.Add(3 * time.Second)},
	}

	if err := transcript.Export(dir, "codex-a1b2", messages); err != nil {
		t.Fatalf("Export: %v", err)
	}

	path := transcript.Path(dir, "codex-a1b2")
	if !strings.HasSuffix(path, "codex-a1b2.jsonl.zst") {
		t.Fatalf("unexpected transcript path: %s", path)
	}

	entries, err := transcript.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Direction != "inbound" || entries[0].Body != "write a haiku" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if !entries[0].Timestamp.Equal(recorded) {
		t.Errorf("timestamp = %v, want %v", entries[0].Timestamp, recorded)
	}
	if entries[1].Direction != "outbound" {
		t.Errorf("unexpected second entry direction: %s", entries[1].Direction)
	}
}

func TestExportEmptySession(t *testing.T) {
	dir := t.TempDir()

	if err := transcript.Export(dir, "silent", nil); err != nil {
		t.Fatalf("Export with no messages: %v", err)
	}

	entries, err := transcript.Read(transcript.Path(dir, "silent"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty transcript, got %d entries", len(entries))
	}
}

func TestExportReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()

	first := []session.Message{{ID: 1, Direction: session.DirectionInbound, Body: "partial", RecordedAt: now}}
	if err := transcript.Export(dir, "retry", first); err != nil {
		t.Fatalf("first Export: %v", err)
	}

	second := []session.Message{
		{ID: 1, Direction: session.DirectionInbound, Body: "partial", RecordedAt: now},
		{ID: 2, Direction: session.DirectionOutbound, Body: "complete", RecordedAt: now},
	}
	if err := transcript.Export(dir, "retry", second); err != nil {
		t.Fatalf("second Export: %v", err)
	}

	entries, err := transcript.Read(transcript.Path(dir, "retry"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected replaced transcript with 2 entries, got %d", len(entries))
	}
}

func TestExportLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()

	if err := transcript.Export(dir, "tidy", []session.Message{
		{ID: 1, Direction: session.DirectionOutbound, Body: "done", RecordedAt: time.Now()},
	}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	listing, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range listing {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("leftover temp file: %s", entry.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "tidy.jsonl.zst")); err != nil {
		t.Errorf("transcript file missing: %v", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := transcript.Read(filepath.Join(t.TempDir(), "absent.jsonl.zst"))
	if err == nil {
		t.Fatal("expected error reading a missing transcript")
	}
}
