// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package build

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Result event kinds, in the order they appear in a result stream.
const (
	// EventStart opens the stream: the executor has loaded the spec
	// and is about to run the first command.
	EventStart = "start"

	// EventCommand records one finished (or skipped) command.
	EventCommand = "command"

	// EventComplete closes the stream and carries the final JobResult.
	// A stream without it means the executor died mid-job.
	EventComplete = "complete"
)

// ResultEvent is one line of the executor's result stream. The stream
// is JSONL, appended and synced event by event, so a crash at any
// point leaves a prefix the runner can reconstruct the job's fate
// from.
type ResultEvent struct {
	// Time is when the event was emitted.
	Time time.Time `json:"time"`

	// Kind is one of the Event* constants.
	Kind string `json:"kind"`

	// Command is the finished command, for EventCommand.
	Command *CommandResult `json:"command,omitempty"`

	// Result is the final job result, for EventComplete.
	Result *JobResult `json:"result,omitempty"`
}

// ResultLog appends result events to a file, one JSON object per line,
// fsynced per event. A nil ResultLog discards appends, so callers can
// run without a result path in development.
type ResultLog struct {
	file *os.File
}

// CreateResultLog creates (truncating) the result stream at path.
func CreateResultLog(path string) (*ResultLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating result log: %w", err)
	}
	return &ResultLog{file: file}, nil
}

// Append writes one event and syncs it to disk.
func (l *ResultLog) Append(event ResultEvent) error {
	if l == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding result event: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing result event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing result log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *ResultLog) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

// ReadResultEvents parses a result stream. A torn final line, the
// trace of an executor killed mid-append, is dropped; a malformed line
// anywhere else is an error.
func ReadResultEvents(path string) ([]ResultEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening result log: %w", err)
	}
	defer file.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading result log: %w", err)
	}

	events := make([]ResultEvent, 0, len(lines))
	for i, line := range lines {
		var event ResultEvent
		if err := json.Unmarshal(line, &event); err != nil {
			if i == len(lines)-1 {
				break
			}
			return nil, fmt.Errorf("result log line %d: %w", i+1, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// FinalResult extracts the completed job result from a stream, or nil
// when the stream never reached EventComplete.
func FinalResult(events []ResultEvent) *JobResult {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == EventComplete && events[i].Result != nil {
			return events[i].Result
		}
	}
	return nil
}
