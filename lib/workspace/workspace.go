// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace manages per-job working directories.
//
// Every job gets a directory under the runner's workspace root, laid out as
// <root>/<repo>/<build>-<index>/ with two subdirectories: build/ receives
// the repository checkout and is the working directory for all job commands,
// and gantry/ holds the control files exchanged with the executor (the job
// spec and the result log). The whole job directory is bind-mounted
// read-write into the sandbox, so the same paths are valid on both sides.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager creates and removes job workspaces under a fixed root.
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at the given directory.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Workspace is a created job directory.
type Workspace struct {
	// Dir is the job's root directory.
	Dir string

	// BuildDir receives the repository checkout and is the working
	// directory for job commands.
	BuildDir string

	// ControlDir holds the job spec and the executor's result log.
	ControlDir string
}

// SpecPath returns the path the job spec is written to.
func (w *Workspace) SpecPath() string {
	return filepath.Join(w.ControlDir, "job-spec.json")
}

// ResultPath returns the path the executor writes its result log to.
func (w *Workspace) ResultPath() string {
	return filepath.Join(w.ControlDir, "result.jsonl")
}

// JobDir returns the directory for a job without creating it.
func (m *Manager) JobDir(repo string, buildNumber int64, jobIndex int) (string, error) {
	if err := validateRepoName(repo); err != nil {
		return "", err
	}
	return filepath.Join(m.root, filepath.FromSlash(repo), fmt.Sprintf("%d-%d", buildNumber, jobIndex)), nil
}

// Create makes the job directory and its build/ and gantry/ subdirectories.
// A leftover directory from an earlier run of the same job is removed first.
func (m *Manager) Create(repo string, buildNumber int64, jobIndex int) (*Workspace, error) {
	dir, err := m.JobDir(repo, buildNumber, jobIndex)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing stale workspace %s: %w", dir, err)
	}

	ws := &Workspace{
		Dir:        dir,
		BuildDir:   filepath.Join(dir, "build"),
		ControlDir: filepath.Join(dir, "gantry"),
	}
	for _, d := range []string{ws.BuildDir, ws.ControlDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace %s: %w", d, err)
		}
	}
	return ws, nil
}

// Remove deletes a job's workspace.
func (m *Manager) Remove(repo string, buildNumber int64, jobIndex int) error {
	dir, err := m.JobDir(repo, buildNumber, jobIndex)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", dir, err)
	}
	return nil
}

// RemoveBuild deletes the workspaces of every job in a build.
func (m *Manager) RemoveBuild(repo string, buildNumber int64) error {
	if err := validateRepoName(repo); err != nil {
		return err
	}
	repoDir := filepath.Join(m.root, filepath.FromSlash(repo))

	entries, err := os.ReadDir(repoDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", repoDir, err)
	}

	prefix := fmt.Sprintf("%d-", buildNumber)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(repoDir, entry.Name())); err != nil {
			return fmt.Errorf("removing workspace %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// validateRepoName checks that a repository name is safe to use as a path
// fragment under the workspace root. Names are owner/name pairs from the
// forge; each element must be a plain path component.
func validateRepoName(repo string) error {
	if repo == "" {
		return fmt.Errorf("repository name is empty")
	}
	if strings.HasPrefix(repo, "/") || strings.HasSuffix(repo, "/") {
		return fmt.Errorf("invalid repository name %q", repo)
	}
	for _, element := range strings.Split(repo, "/") {
		if element == "" || element == "." || element == ".." {
			return fmt.Errorf("invalid repository name %q", repo)
		}
		for _, char := range element {
			if !isRepoNameChar(char) {
				return fmt.Errorf("invalid character %q in repository name %q", char, repo)
			}
		}
	}
	return nil
}

func isRepoNameChar(char rune) bool {
	switch {
	case char >= 'a' && char <= 'z':
		return true
	case char >= 'A' && char <= 'Z':
		return true
	case char >= '0' && char <= '9':
		return true
	case char == '-' || char == '_' || char == '.':
		return true
	}
	return false
}
