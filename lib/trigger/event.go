// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package trigger turns external stimuli into build candidates. A
// trigger Event names the repository, the branch the event refers to,
// and the commit to build. Events come from GitHub webhooks (push and
// pull_request payloads, HMAC-verified), from the cron scheduler, or
// from manual CLI invocation.
//
// Evaluate applies a declaration's branch filter to an event and
// returns the gate decision. A rejected event produces no build and
// therefore no jobs.
package trigger

import (
	"fmt"
	"time"
)

// Kind classifies the origin of an event.
type Kind string

const (
	// KindPush is a branch push to the watched repository.
	KindPush Kind = "push"

	// KindPullRequest is an actionable pull request change (opened,
	// synchronize, reopened).
	KindPullRequest Kind = "pull_request"

	// KindCron is a scheduled build from the pipeline's cron field.
	KindCron Kind = "cron"

	// KindManual is an operator-initiated build (CLI or API).
	KindManual Kind = "manual"
)

// Event is one build candidate. Immutable once constructed.
type Event struct {
	// Kind classifies the origin.
	Kind Kind `json:"kind"`

	// Repo is the owner/name pair, e.g. "se-sic/VaRA-Tool-Suite".
	Repo string `json:"repo"`

	// Branch is the branch the event refers to: the pushed branch
	// for pushes, the base branch (merge target) for pull requests,
	// the declared branch for cron and manual events. The branch
	// filter tests this field.
	Branch string `json:"branch"`

	// Commit is the head SHA to build.
	Commit string `json:"commit"`

	// CloneURL is where the repository is fetched from.
	CloneURL string `json:"clone_url"`

	// HeadRef is the source branch of a pull request. Empty for
	// other kinds.
	HeadRef string `json:"head_ref,omitempty"`

	// Number is the pull request number. Zero for other kinds.
	Number int `json:"number,omitempty"`

	// Sender is the login that caused the event, when known.
	Sender string `json:"sender,omitempty"`

	// DeliveryID is the webhook delivery identifier for replay
	// protection. Empty for cron and manual events.
	DeliveryID string `json:"delivery_id,omitempty"`

	// ReceivedAt is when the runner accepted the event.
	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks an Event for structural issues. Returns a list of
// human-readable issue descriptions; an empty list means the event is
// well-formed.
func (e *Event) Validate() []string {
	var issues []string

	switch e.Kind {
	case KindPush, KindPullRequest, KindCron, KindManual:
	case "":
		issues = append(issues, "kind is required")
	default:
		issues = append(issues, fmt.Sprintf("unknown kind %q", e.Kind))
	}

	if e.Repo == "" {
		issues = append(issues, "repo is required")
	}
	if e.Branch == "" {
		issues = append(issues, "branch is required")
	}
	if e.Kind == KindPullRequest && e.Number <= 0 {
		issues = append(issues, "pull_request events require a positive number")
	}

	return issues
}

// String renders a short description for logs.
func (e *Event) String() string {
	switch e.Kind {
	case KindPullRequest:
		return fmt.Sprintf("%s PR #%d (%s → %s)", e.Repo, e.Number, e.HeadRef, e.Branch)
	default:
		return fmt.Sprintf("%s %s on %s", e.Repo, e.Kind, e.Branch)
	}
}
