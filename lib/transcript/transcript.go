// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript exports session message logs as compressed JSONL
// files. When a session is killed, its recorded conversation is written
// to <dir>/<name>.jsonl.zst — one JSON object per message, zstd
// compressed. Transcripts are an audit artifact: the session store
// keeps the authoritative rows, the export is what operators archive
// or grep offline.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/switchboard/lib/session"
)

// Entry is one exported message line.
type Entry struct {
	// Timestamp is when the message was recorded, RFC 3339 UTC.
	Timestamp time.Time `json:"ts"`

	// Direction is "inbound" (operator to agent) or "outbound"
	// (agent to operator).
	Direction string `json:"direction"`

	// Body is the message text.
	Body string `json:"body"`
}

// Path returns the transcript file path for a session name under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".jsonl.zst")
}

// Archiver exports every transcript into one directory. It exists so
// callers can hand "export into my transcript dir" around as a value.
type Archiver struct {
	Dir string
}

func (a Archiver) Export(name string, messages []session.Message) error {
	return Export(a.Dir, name, messages)
}

// Export writes the messages of the named session to Path(dir, name).
// The write is atomic: data goes to a temp file in dir which is
// renamed into place, so a crash mid-export never leaves a truncated
// transcript behind. An existing transcript for the name is replaced —
// session names are never reused, so this only happens when a kill is
// retried after a partial failure.
func Export(dir, name string, messages []session.Message) error {
	finalPath := Path(dir, name)

	temp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("transcript: create temp file: %w", err)
	}
	tempPath := temp.Name()
	defer os.Remove(tempPath)

	if err := writeEntries(temp, messages); err != nil {
		temp.Close()
		return fmt.Errorf("transcript: export %q: %w", name, err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("transcript: close temp file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("transcript: publish %q: %w", name, err)
	}
	return nil
}

func writeEntries(file *os.File, messages []session.Message) error {
	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	writer := bufio.NewWriter(encoder)
	for _, message := range messages {
		line, err := json.Marshal(Entry{
			Timestamp: message.RecordedAt.UTC(),
			Direction: string(message.Direction),
			Body:      message.Body,
		})
		if err != nil {
			encoder.Close()
			return fmt.Errorf("marshal message %d: %w", message.ID, err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			encoder.Close()
			return fmt.Errorf("write message %d: %w", message.ID, err)
		}
	}
	if err := writer.Flush(); err != nil {
		encoder.Close()
		return fmt.Errorf("flush transcript: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("finish zstd stream: %w", err)
	}
	return file.Sync()
}

// Read loads a transcript file back into entries. Used by tests and
// offline tooling; the daemon never reads transcripts.
func Read(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %q: %w", path, err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("transcript: create zstd reader: %w", err)
	}
	defer decoder.Close()

	var entries []Entry
	scanner := bufio.NewScanner(decoder)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("transcript: parse line %d of %q: %w", len(entries)+1, path, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read %q: %w", path, err)
	}
	return entries, nil
}
