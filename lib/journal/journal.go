// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal records accepted trigger deliveries in an
// append-only CBOR stream.
//
// GitHub redelivers webhooks after timeouts and on operator request,
// and the runner's in-memory dedup state dies with the process. The
// journal is the durable side of replay protection: every accepted
// delivery is appended and fsynced before the build is scheduled, and
// on startup the stream is replayed to rebuild the set of delivery IDs
// already turned into builds.
//
// The file is a CBOR sequence: one deterministically encoded Entry per
// accepted delivery, no framing (CBOR items are self-delimiting). A
// crash mid-append leaves a torn final record; Open truncates the file
// back to the last complete entry and continues.
package journal

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gantry-ci/gantry/lib/codec"
	"github.com/gantry-ci/gantry/lib/trigger"
)

// Entry is one accepted trigger delivery.
type Entry struct {
	// Event is the accepted trigger.
	Event trigger.Event `cbor:"event"`

	// BuildNumber is the build the event became.
	BuildNumber int64 `cbor:"build_number"`

	// AcceptedAt is when the runner accepted the delivery.
	AcceptedAt time.Time `cbor:"accepted_at"`
}

// Config holds the parameters for opening a journal.
type Config struct {
	// Path is the journal file. Created if missing; the parent
	// directory must exist. Required.
	Path string

	// Logger receives replay and recovery messages. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// Journal is an append-only stream of accepted deliveries plus the
// in-memory index of delivery IDs rebuilt from it. Safe for concurrent
// use.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger

	// seen holds the delivery IDs of every journaled entry. Cron and
	// manual entries carry no delivery ID and are not indexed.
	seen  map[string]struct{}
	count int
}

// Open replays the journal at cfg.Path (creating it when missing) and
// returns a handle ready for appends. A torn final record, the trace
// of a crash mid-append, is truncated away.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	j := &Journal{
		logger: logger,
		seen:   make(map[string]struct{}),
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("journal: reading %s: %w", cfg.Path, err)
	}

	remaining := data
	goodLength := 0
	torn := false
	for len(remaining) > 0 {
		var entry Entry
		rest, err := codec.UnmarshalFirst(remaining, &entry)
		if err != nil {
			torn = true
			break
		}
		goodLength = len(data) - len(rest)
		remaining = rest
		j.index(entry)
	}

	if torn {
		if err := os.Truncate(cfg.Path, int64(goodLength)); err != nil {
			return nil, fmt.Errorf("journal: truncating torn tail of %s: %w", cfg.Path, err)
		}
		logger.Warn("journal tail truncated",
			"path", cfg.Path,
			"kept_bytes", goodLength,
			"dropped_bytes", len(data)-goodLength,
		)
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", cfg.Path, err)
	}
	j.file = file

	if j.count > 0 {
		logger.Info("journal replayed",
			"path", cfg.Path,
			"entries", j.count,
		)
	}

	return j, nil
}

// Append journals one accepted delivery. The entry is fsynced before
// Append returns, so a delivery is never accepted twice across a
// crash. Uniqueness is the caller's concern: check Seen before
// accepting.
func (j *Journal) Append(entry Entry) error {
	if entry.BuildNumber < 1 {
		return fmt.Errorf("journal: build number must be >= 1, got %d", entry.BuildNumber)
	}

	data, err := codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("journal: encoding entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal: closed")
	}
	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("journal: appending entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: syncing: %w", err)
	}

	j.index(entry)
	return nil
}

// Seen reports whether a delivery ID was already journaled. The empty
// ID is never seen: cron and manual triggers carry no delivery ID and
// are exempt from replay protection.
func (j *Journal) Seen(deliveryID string) bool {
	if deliveryID == "" {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.seen[deliveryID]
	return ok
}

// Count returns the number of journaled entries, replayed plus
// appended.
func (j *Journal) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Close closes the journal file. Appends after Close fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("journal: closing: %w", err)
	}
	return nil
}

// index records an entry in the in-memory state. Callers hold the
// mutex or have exclusive ownership (Open).
func (j *Journal) index(entry Entry) {
	if id := entry.Event.DeliveryID; id != "" {
		j.seen[id] = struct{}{}
	}
	j.count++
}
