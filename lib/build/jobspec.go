// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package build

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// JobSpec is a fully-resolved job handed to the executor. The runner
// expands the matrix slot, resolves the environment (runner variables,
// declared env, decrypted secrets), synthesizes the provision phase,
// and writes the spec as JSON to a file named by GANTRY_JOB_SPEC. The
// executor receives a complete, self-contained description: no
// declaration parsing, no secret material handling, no toolchain
// lookup.
type JobSpec struct {
	// BuildNumber and JobIndex identify the job slot for result
	// reporting.
	BuildNumber int64 `json:"build_number"`
	JobIndex    int   `json:"job_index"`

	// Repo, Branch, Commit describe what is checked out into the
	// workspace before the executor starts.
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit,omitempty"`

	// Language and Version name the toolchain slot, for display only;
	// activation commands are already part of Provision.
	Language string `json:"language"`
	Version  string `json:"version"`

	// WorkspaceDir is the job's working directory. Every command runs
	// with this as its cwd.
	WorkspaceDir string `json:"workspace_dir"`

	// Env is the complete environment for all commands: runner
	// variables, expanded declared env, decrypted secrets. The
	// executor passes exactly this set; nothing of the runner's own
	// environment leaks through.
	Env map[string]string `json:"env,omitempty"`

	// Provision is the runner-synthesized phase: system package
	// installation and toolchain activation. Fail-fast like Install
	// and Script.
	Provision []string `json:"provision,omitempty"`

	// Install and Script are the declaration's phases after ${NAME}
	// expansion. The first nonzero exit in either terminates the
	// remaining required commands.
	Install []string `json:"install,omitempty"`
	Script  []string `json:"script"`

	// AfterSuccess runs only when every Provision, Install, and
	// Script command exited zero. A nonzero exit still fails the job.
	AfterSuccess []string `json:"after_success,omitempty"`

	// AfterFailure runs, best-effort, when a required command failed.
	AfterFailure []string `json:"after_failure,omitempty"`

	// CacheStoreDir is the host cache directory bound into the
	// sandbox. Empty disables caching for this job.
	CacheStoreDir string `json:"cache_store_dir,omitempty"`

	// CacheKey selects the archive within the cache store.
	CacheKey string `json:"cache_key,omitempty"`

	// CacheDirs lists the declared directories (workspace-relative or
	// ~-prefixed) to restore before Install and save after a fully
	// successful Script phase.
	CacheDirs []string `json:"cache_dirs,omitempty"`

	// SummaryPath, when set, is exported to every command as
	// GANTRY_SUMMARY. The executor creates the file before the first
	// phase; commands append Markdown to it, and the runner renders
	// whatever is present after the job into the build's summary page.
	SummaryPath string `json:"summary_path,omitempty"`

	// Timeout bounds each command's execution, as a Go duration
	// string. Empty means the executor default.
	Timeout string `json:"timeout,omitempty"`

	// GracePeriod is the SIGTERM-to-SIGKILL window on timeout, as a
	// Go duration string. Empty means immediate SIGKILL.
	GracePeriod string `json:"grace_period,omitempty"`
}

// Validate checks that the spec is complete enough to execute.
func (s *JobSpec) Validate() error {
	if s.BuildNumber < 1 {
		return fmt.Errorf("job spec: build_number must be >= 1, got %d", s.BuildNumber)
	}
	if s.JobIndex < 0 {
		return fmt.Errorf("job spec: job_index must be >= 0, got %d", s.JobIndex)
	}
	if s.Repo == "" {
		return errors.New("job spec: repo is required")
	}
	if s.Version == "" {
		return errors.New("job spec: version is required")
	}
	if s.WorkspaceDir == "" {
		return errors.New("job spec: workspace_dir is required")
	}
	if len(s.Script) == 0 {
		return errors.New("job spec: script phase must have at least one command")
	}
	for _, phase := range [][]string{s.Provision, s.Install, s.Script, s.AfterSuccess, s.AfterFailure} {
		for _, command := range phase {
			if command == "" {
				return errors.New("job spec: empty command string")
			}
		}
	}
	return nil
}

// LoadJobSpec reads and validates a JobSpec from a JSON file.
func LoadJobSpec(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job spec: %w", err)
	}
	var spec JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing job spec %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// WriteFile validates and writes the spec as JSON, mode 0600: the env
// map may carry decrypted secret values.
func (s *JobSpec) WriteFile(path string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job spec: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing job spec: %w", err)
	}
	return nil
}
