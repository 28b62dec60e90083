// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package build defines the build model: one accepted trigger becomes
// one Build, and the declaration's version matrix expands into one Job
// per version. The package also carries the versioned result records
// the runner stores and the JobSpec contract handed to the executor.
package build

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gantry-ci/gantry/lib/pipeline"
	"github.com/gantry-ci/gantry/lib/trigger"
)

// Status is the lifecycle state of a build or job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Conclusion is the terminal outcome of a build or job.
type Conclusion string

const (
	ConclusionSuccess     Conclusion = "success"
	ConclusionFailure     Conclusion = "failure"
	ConclusionInterrupted Conclusion = "interrupted"
)

// Build is one accepted trigger applied to one pipeline declaration.
type Build struct {
	// Number is the runner-wide monotonic build number.
	Number int64 `json:"number"`

	// Pipeline is the declaration name (NameFromPath of the file).
	Pipeline string `json:"pipeline"`

	// Repo, Branch, Commit identify what is being built.
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`

	// CloneURL is where the checkout fetches from.
	CloneURL string `json:"clone_url,omitempty"`

	// Event is the trigger kind that created this build.
	Event trigger.Kind `json:"event"`

	// PullRequest is the PR number for pull_request builds, zero
	// otherwise.
	PullRequest int `json:"pull_request,omitempty"`

	// HeadRef is the PR source branch, empty otherwise.
	HeadRef string `json:"head_ref,omitempty"`

	// Sender is the login that caused the trigger, when known.
	Sender string `json:"sender,omitempty"`

	// CreatedAt is when the runner accepted the trigger.
	CreatedAt time.Time `json:"created_at"`

	// Jobs holds one entry per declared version, in declaration
	// order. Jobs are independent: no shared state, no ordering
	// between siblings, and one job's failure never cancels another.
	Jobs []*Job `json:"jobs"`
}

// Job is one independent execution unit of a build: the declaration's
// command sequences run against a single toolchain version.
type Job struct {
	// BuildNumber is the owning build's number.
	BuildNumber int64 `json:"build_number"`

	// Index is the job's position in the matrix, from 0, in
	// declaration order of the versions list.
	Index int `json:"index"`

	// Version is the toolchain version this job tests against.
	Version string `json:"version"`

	// Status is the job's lifecycle state.
	Status Status `json:"status"`

	// StartedAt and FinishedAt bound the job's execution. Zero until
	// the corresponding transition happens.
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// New expands a declaration against an accepted trigger event: one
// Build carrying one pending Job per entry of the versions list, in
// declaration order.
func New(number int64, name string, declaration *pipeline.Pipeline, event *trigger.Event, now time.Time) *Build {
	b := &Build{
		Number:      number,
		Pipeline:    name,
		Repo:        event.Repo,
		Branch:      event.Branch,
		Commit:      event.Commit,
		CloneURL:    event.CloneURL,
		Event:       event.Kind,
		PullRequest: event.Number,
		HeadRef:     event.HeadRef,
		Sender:      event.Sender,
		CreatedAt:   now,
		Jobs:        make([]*Job, 0, len(declaration.Versions)),
	}
	for index, version := range declaration.Versions {
		b.Jobs = append(b.Jobs, &Job{
			BuildNumber: number,
			Index:       index,
			Version:     version,
			Status:      StatusPending,
		})
	}
	return b
}

// Status derives the build's lifecycle state from its jobs: pending
// until any job starts, running while any is unfinished, then the
// terminal state per Conclusion.
func (b *Build) Status() Status {
	started := false
	finished := true
	for _, job := range b.Jobs {
		if job.Status != StatusPending {
			started = true
		}
		if !job.Status.Terminal() {
			finished = false
		}
	}
	if !started {
		return StatusPending
	}
	if !finished {
		return StatusRunning
	}
	switch b.Conclusion() {
	case ConclusionFailure:
		return StatusFailed
	case ConclusionInterrupted:
		return StatusInterrupted
	default:
		return StatusSucceeded
	}
}

// Conclusion derives the terminal outcome: success only when every
// job succeeded, failure when any job failed, interrupted when the
// runner died mid-build and no job outright failed. Empty while any
// job is still pending or running.
func (b *Build) Conclusion() Conclusion {
	interrupted := false
	for _, job := range b.Jobs {
		switch job.Status {
		case StatusFailed:
			return ConclusionFailure
		case StatusInterrupted:
			interrupted = true
		case StatusSucceeded:
		default:
			return ""
		}
	}
	if interrupted {
		return ConclusionInterrupted
	}
	return ConclusionSuccess
}

// Env computes the runner-provided environment for a job. These
// variables describe the trigger and the matrix slot; they take
// precedence over same-named variables in the declaration's env block,
// so a declaration cannot spoof its own build identity.
func (b *Build) Env(job *Job) map[string]string {
	env := map[string]string{
		"CI":                  "true",
		"GANTRY":              "true",
		"GANTRY_BUILD_NUMBER": strconv.FormatInt(b.Number, 10),
		"GANTRY_JOB_INDEX":    strconv.Itoa(job.Index),
		"GANTRY_PIPELINE":     b.Pipeline,
		"GANTRY_REPO":         b.Repo,
		"GANTRY_BRANCH":       b.Branch,
		"GANTRY_COMMIT":       b.Commit,
		"GANTRY_EVENT":        string(b.Event),
		"GANTRY_VERSION":      job.Version,
	}
	if b.PullRequest > 0 {
		env["GANTRY_PULL_REQUEST"] = strconv.Itoa(b.PullRequest)
		env["GANTRY_PR_BRANCH"] = b.HeadRef
	} else {
		env["GANTRY_PULL_REQUEST"] = "false"
	}
	return env
}

// JobName renders the conventional display name for a job slot, e.g.
// "142.2 (python 3.11)".
func JobName(b *Build, job *Job, language string) string {
	return fmt.Sprintf("%d.%d (%s %s)", b.Number, job.Index, language, job.Version)
}
