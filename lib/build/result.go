// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package build

import (
	"encoding/json"
	"errors"
	"fmt"
)

// BuildResultVersion is the current schema version for BuildResult
// records. Increment when adding fields that older readers would lose
// in a read-modify-write cycle.
const BuildResultVersion = 1

// CommandStatus is the per-command outcome recorded in job results.
type CommandStatus string

const (
	// CommandOK: the command exited zero.
	CommandOK CommandStatus = "ok"

	// CommandFailed: a required command exited nonzero, failing the
	// job and skipping the rest of its sequence.
	CommandFailed CommandStatus = "failed"

	// CommandFailedBestEffort: an after_failure command exited
	// nonzero; recorded but without effect on the job conclusion.
	CommandFailedBestEffort CommandStatus = "failed (best-effort)"

	// CommandSkipped: the command was never reached because an
	// earlier required command failed.
	CommandSkipped CommandStatus = "skipped"
)

// CommandResult records the outcome of one command in one phase.
type CommandResult struct {
	// Phase is the phase the command belongs to (pipeline.Phase*).
	Phase string `json:"phase"`

	// Command is the shell command as executed (after expansion).
	Command string `json:"command"`

	// Status is the outcome.
	Status CommandStatus `json:"status"`

	// ExitCode is the command's exit status. Zero for "ok", -1 when
	// the command never ran or died on a signal.
	ExitCode int `json:"exit_code"`

	// DurationMS is wall-clock execution time in milliseconds. Zero
	// for skipped commands.
	DurationMS int64 `json:"duration_ms"`

	// Error is the failure text, empty for "ok" and "skipped".
	Error string `json:"error,omitempty"`
}

// Validate checks the command result's required fields.
func (c *CommandResult) Validate() error {
	if c.Phase == "" {
		return errors.New("command result: phase is required")
	}
	if c.Command == "" {
		return errors.New("command result: command is required")
	}
	switch c.Status {
	case CommandOK, CommandFailed, CommandFailedBestEffort, CommandSkipped:
	case "":
		return errors.New("command result: status is required")
	default:
		return fmt.Errorf("command result: unknown status %q", c.Status)
	}
	return nil
}

// JobResult is the stored record of one finished job.
type JobResult struct {
	// Version is the schema version (see BuildResultVersion). Call
	// CanModify before any read-modify-write cycle.
	Version int `json:"version"`

	// BuildNumber and JobIndex identify the job slot.
	BuildNumber int64 `json:"build_number"`
	JobIndex    int   `json:"job_index"`

	// ToolchainVersion is the matrix version the job ran against.
	ToolchainVersion string `json:"toolchain_version"`

	// Conclusion is the terminal outcome: success, failure, or
	// interrupted.
	Conclusion Conclusion `json:"conclusion"`

	// StartedAt and CompletedAt are ISO 8601 timestamps.
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`

	// DurationMS is total wall-clock time in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Commands records every command slot of the job, including
	// skipped ones, in execution order.
	Commands []CommandResult `json:"commands,omitempty"`

	// FailedCommand is the command whose failure decided the job.
	// Empty when Conclusion is success.
	FailedCommand string `json:"failed_command,omitempty"`

	// ErrorMessage is the failure text. Empty when Conclusion is
	// success.
	ErrorMessage string `json:"error_message,omitempty"`

	// LogID is the content address of the job's stored log, when one
	// was captured.
	LogID string `json:"log_id,omitempty"`
}

// Validate checks that all required fields are present and that every
// command result is well-formed.
func (j *JobResult) Validate() error {
	if j.Version < 1 {
		return fmt.Errorf("job result: version must be >= 1, got %d", j.Version)
	}
	if j.BuildNumber < 1 {
		return fmt.Errorf("job result: build_number must be >= 1, got %d", j.BuildNumber)
	}
	if j.JobIndex < 0 {
		return fmt.Errorf("job result: job_index must be >= 0, got %d", j.JobIndex)
	}
	if j.ToolchainVersion == "" {
		return errors.New("job result: toolchain_version is required")
	}
	switch j.Conclusion {
	case ConclusionSuccess, ConclusionFailure, ConclusionInterrupted:
	case "":
		return errors.New("job result: conclusion is required")
	default:
		return fmt.Errorf("job result: unknown conclusion %q", j.Conclusion)
	}
	if j.StartedAt == "" {
		return errors.New("job result: started_at is required")
	}
	if j.CompletedAt == "" {
		return errors.New("job result: completed_at is required")
	}
	for i := range j.Commands {
		if err := j.Commands[i].Validate(); err != nil {
			return fmt.Errorf("job result: commands[%d]: %w", i, err)
		}
	}
	return nil
}

// CanModify checks whether this code version can safely perform a
// read-modify-write cycle on the record without dropping fields a
// newer writer added.
func (j *JobResult) CanModify() error {
	if j.Version > BuildResultVersion {
		return fmt.Errorf(
			"job result version %d exceeds supported version %d: "+
				"modification would lose fields added in newer versions; "+
				"upgrade the runner before modifying this record",
			j.Version, BuildResultVersion,
		)
	}
	return nil
}

// BuildResult is the stored record of one finished build.
type BuildResult struct {
	// Version is the schema version (see BuildResultVersion).
	Version int `json:"version"`

	// BuildNumber is the runner-wide build number.
	BuildNumber int64 `json:"build_number"`

	// Pipeline is the declaration name.
	Pipeline string `json:"pipeline"`

	// Repo, Branch, Commit, Event identify the trigger.
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
	Event  string `json:"event"`

	// Conclusion is the terminal outcome of the whole build.
	Conclusion Conclusion `json:"conclusion"`

	// StartedAt and CompletedAt are ISO 8601 timestamps.
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`

	// DurationMS is total wall-clock time in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Jobs holds one result per matrix job, ordered by job index.
	Jobs []JobResult `json:"jobs,omitempty"`

	// Extra is a documented extension namespace for experimental
	// fields before promotion to top-level schema fields in a version
	// bump.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// Validate checks that all required fields are present and well-formed.
func (b *BuildResult) Validate() error {
	if b.Version < 1 {
		return fmt.Errorf("build result: version must be >= 1, got %d", b.Version)
	}
	if b.BuildNumber < 1 {
		return fmt.Errorf("build result: build_number must be >= 1, got %d", b.BuildNumber)
	}
	if b.Pipeline == "" {
		return errors.New("build result: pipeline is required")
	}
	if b.Repo == "" {
		return errors.New("build result: repo is required")
	}
	switch b.Conclusion {
	case ConclusionSuccess, ConclusionFailure, ConclusionInterrupted:
	case "":
		return errors.New("build result: conclusion is required")
	default:
		return fmt.Errorf("build result: unknown conclusion %q", b.Conclusion)
	}
	if b.StartedAt == "" {
		return errors.New("build result: started_at is required")
	}
	if b.CompletedAt == "" {
		return errors.New("build result: completed_at is required")
	}
	for i := range b.Jobs {
		if err := b.Jobs[i].Validate(); err != nil {
			return fmt.Errorf("build result: jobs[%d]: %w", i, err)
		}
	}
	return nil
}

// CanModify checks whether this code version can safely perform a
// read-modify-write cycle on the record.
func (b *BuildResult) CanModify() error {
	if b.Version > BuildResultVersion {
		return fmt.Errorf(
			"build result version %d exceeds supported version %d: "+
				"modification would lose fields added in newer versions; "+
				"upgrade the runner before modifying this record",
			b.Version, BuildResultVersion,
		)
	}
	return nil
}
