// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store persists build summaries, one Markdown source and one rendered
// HTML page per build, in a flat directory beside the log store.
// Missing summaries surface as fs.ErrNotExist; not every build writes
// one.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. The directory is created on
// first Write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Write renders markdown into a standalone page titled title and stores
// both forms for the build. An empty document removes nothing and
// stores nothing.
func (s *Store) Write(buildNumber int64, title string, markdown []byte) error {
	if buildNumber < 1 {
		return fmt.Errorf("report: build number must be >= 1, got %d", buildNumber)
	}
	if len(markdown) == 0 {
		return nil
	}

	fragment, err := RenderHTML(markdown)
	if err != nil {
		return err
	}
	page := Page(title, fragment)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	if err := writeAtomic(s.markdownPath(buildNumber), markdown); err != nil {
		return fmt.Errorf("storing summary source for build %d: %w", buildNumber, err)
	}
	if err := writeAtomic(s.htmlPath(buildNumber), page); err != nil {
		return fmt.Errorf("storing summary page for build %d: %w", buildNumber, err)
	}
	return nil
}

// Markdown returns the stored summary source for a build.
func (s *Store) Markdown(buildNumber int64) ([]byte, error) {
	data, err := os.ReadFile(s.markdownPath(buildNumber))
	if err != nil {
		return nil, fmt.Errorf("reading summary for build %d: %w", buildNumber, err)
	}
	return data, nil
}

// HTML returns the stored summary page for a build.
func (s *Store) HTML(buildNumber int64) ([]byte, error) {
	data, err := os.ReadFile(s.htmlPath(buildNumber))
	if err != nil {
		return nil, fmt.Errorf("reading summary page for build %d: %w", buildNumber, err)
	}
	return data, nil
}

func (s *Store) markdownPath(buildNumber int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.md", buildNumber))
}

func (s *Store) htmlPath(buildNumber int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d.html", buildNumber))
}

// writeAtomic writes via a temporary file and rename so a reader never
// sees a partial summary.
func writeAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"
	if err := os.WriteFile(temporaryPath, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	return nil
}
