// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog tracks in-flight builds across runner crashes.
//
// The runner writes a marker file when a build starts running and
// removes it when the build reaches a terminal conclusion. A crash
// leaves the markers behind; on the next startup the runner lists
// them, records each build as interrupted in history, and clears the
// marker only after history has the interruption. Recovery that itself
// crashes midway simply repeats.
//
// Markers are written atomically (temporary file, fsync, rename,
// parent directory sync) so a reader never sees a partial marker, and
// a power loss between rename and metadata flush cannot resurrect a
// half-written file.
package watchdog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gantry-ci/gantry/lib/codec"
)

// markerExtension distinguishes marker files from anything else an
// operator drops into the directory.
const markerExtension = ".marker"

// Marker records one running build. The identifying fields beyond
// BuildNumber exist so recovery logs read without a history lookup.
type Marker struct {
	BuildNumber int64     `cbor:"build_number"`
	Pipeline    string    `cbor:"pipeline"`
	Repo        string    `cbor:"repo"`
	Branch      string    `cbor:"branch"`
	StartedAt   time.Time `cbor:"started_at"`

	// PID is the runner process that wrote the marker, for post-mortem
	// correlation with process logs.
	PID int `cbor:"pid"`
}

// Store is a directory of per-build marker files.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. The directory is created on
// first Write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Write atomically records a running build. An existing marker for the
// same build is replaced.
func (s *Store) Write(marker Marker) error {
	if marker.BuildNumber < 1 {
		return fmt.Errorf("watchdog: build number must be >= 1, got %d", marker.BuildNumber)
	}
	data, err := codec.Marshal(marker)
	if err != nil {
		return fmt.Errorf("watchdog: encoding marker for build %d: %w", marker.BuildNumber, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("watchdog: creating marker directory: %w", err)
	}

	path := s.path(marker.BuildNumber)
	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("watchdog: creating temporary marker: %w", err)
	}

	// Write, sync, close, in that order. Any failure removes the
	// temporary file and reports the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("watchdog: writing temporary marker: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("watchdog: syncing temporary marker: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("watchdog: closing temporary marker: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("watchdog: renaming marker into place: %w", err)
	}

	// Sync the directory so the rename survives power loss before the
	// OS flushes directory metadata.
	if directory, err := os.Open(s.dir); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// Clear removes a build's marker. Idempotent: a missing marker is not
// an error, so repeated recovery passes converge.
func (s *Store) Clear(buildNumber int64) error {
	if err := os.Remove(s.path(buildNumber)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("watchdog: removing marker for build %d: %w", buildNumber, err)
	}
	return nil
}

// List returns every decodable marker in the directory, ordered by
// build number. Files that fail to decode are left in place and
// reported through the joined error; the returned markers are valid
// regardless, so recovery proceeds past damage instead of wedging on
// it.
func (s *Store) List() ([]Marker, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("watchdog: reading marker directory: %w", err)
	}

	var markers []Marker
	var failures []error
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != markerExtension {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			failures = append(failures, fmt.Errorf("watchdog: reading %s: %w", entry.Name(), err))
			continue
		}
		var marker Marker
		if err := codec.Unmarshal(data, &marker); err != nil {
			failures = append(failures, fmt.Errorf("watchdog: decoding %s: %w", entry.Name(), err))
			continue
		}
		markers = append(markers, marker)
	}

	// ReadDir yields lexical order, which misorders numbers past nine.
	sort.Slice(markers, func(i, j int) bool {
		return markers[i].BuildNumber < markers[j].BuildNumber
	})
	return markers, errors.Join(failures...)
}

func (s *Store) path(buildNumber int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d%s", buildNumber, markerExtension))
}
