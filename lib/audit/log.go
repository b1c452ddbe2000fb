// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit appends one JSON object per line for every action that
// changes a mirror node's disk or state: clone, fetch, archive,
// cleanup, export, and state load failures. The file is append-only;
// Tail reads it back for diagnostics.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/forgemirror/lib/clock"
)

// Result values used in records.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Timestamp formats record times as RFC 3339 UTC with a Z suffix.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// Appender is the write side of a Log, accepted by components that
// record audit events.
type Appender interface {
	Append(action, repo string, fields Fields) error
}

// Fields holds action-specific record fields such as "result",
// "stderr", "archived_to", or "age_days".
type Fields map[string]any

// Record is one decoded audit line.
type Record map[string]any

// Log appends records to a file. It is safe for concurrent use.
type Log struct {
	path  string
	clock clock.Clock

	mu sync.Mutex
}

// Open prepares the log at path, creating the file and its parent
// directory if missing.
func Open(path string, clk clock.Clock) (*Log, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("closing audit log: %w", err)
	}
	return &Log{path: path, clock: clk}, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one record. The ts, action, and repo keys are set from
// the arguments and override any of the same name in fields.
func (l *Log) Append(action, repo string, fields Fields) error {
	record := make(map[string]any, len(fields)+3)
	for key, value := range fields {
		record[key] = value
	}
	record["ts"] = Timestamp(l.clock.Now())
	record["action"] = action
	record["repo"] = repo

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	if _, err := file.Write(line); err != nil {
		file.Close()
		return fmt.Errorf("writing audit record: %w", err)
	}
	return file.Close()
}

// Line count bounds for Tail.
const (
	DefaultTail = 100
	MaxTail     = 1000
)

// ClampLines maps a requested line count into [1, MaxTail].
func ClampLines(lines int) int {
	return max(1, min(lines, MaxTail))
}

// Tail returns up to lines most recent records, oldest first. lines is
// clamped with ClampLines. Lines that are not valid JSON objects are
// skipped. A missing file yields no records.
func (l *Log) Tail(lines int) ([]Record, error) {
	lines = ClampLines(lines)

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer file.Close()

	ring := make([][]byte, 0, lines)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		if len(ring) == lines {
			ring = ring[1:]
		}
		ring = append(ring, append([]byte(nil), text...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	records := make([]Record, 0, len(ring))
	for _, text := range ring {
		var record Record
		if err := json.Unmarshal(text, &record); err != nil || record == nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
