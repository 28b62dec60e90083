// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
	"time"
)

// Commit status states accepted by the GitHub statuses API.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
	StateError   = "error"
)

// CreateStatusRequest contains the fields for creating a commit
// status.
type CreateStatusRequest struct {
	// State is one of StatePending, StateSuccess, StateFailure, or
	// StateError.
	State string `json:"state"`

	// TargetURL is shown as the "Details" link in the GitHub UI.
	TargetURL string `json:"target_url,omitempty"`

	// Description is a short human-readable summary. GitHub caps it
	// at 140 characters.
	Description string `json:"description,omitempty"`

	// Context is the status check name. Multiple statuses can exist
	// for the same SHA with different contexts; a runner reuses one
	// context so successive states replace each other on the commit.
	Context string `json:"context,omitempty"`
}

// CommitStatus is one status on a commit, as returned by the statuses
// API.
type CommitStatus struct {
	ID          int64     `json:"id"`
	State       string    `json:"state"`
	TargetURL   string    `json:"target_url"`
	Description string    `json:"description"`
	Context     string    `json:"context"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CombinedStatus is the rollup of all statuses on a commit. State is
// "success" only when every context reports success, "failure" when
// any reports failure or error, and "pending" otherwise.
type CombinedStatus struct {
	State      string         `json:"state"`
	SHA        string         `json:"sha"`
	TotalCount int            `json:"total_count"`
	Statuses   []CommitStatus `json:"statuses"`
}

// CreateCommitStatus creates a status on a commit. The sha is the full
// 40-character commit SHA.
func (client *Client) CreateCommitStatus(ctx context.Context, owner, repo, sha string, request CreateStatusRequest) (*CommitStatus, error) {
	var status CommitStatus
	path := fmt.Sprintf("/repos/%s/%s/statuses/%s", owner, repo, sha)
	if err := client.post(ctx, path, request, &status); err != nil {
		return nil, fmt.Errorf("creating status on %s/%s@%s: %w", owner, repo, sha[:min(len(sha), 8)], err)
	}
	return &status, nil
}

// GetCombinedStatus returns the combined status for a commit. The ref
// may be a SHA, branch name, or tag name.
func (client *Client) GetCombinedStatus(ctx context.Context, owner, repo, ref string) (*CombinedStatus, error) {
	var combined CombinedStatus
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", owner, repo, ref)
	if err := client.get(ctx, path, &combined); err != nil {
		return nil, fmt.Errorf("combined status for %s/%s@%s: %w", owner, repo, ref, err)
	}
	return &combined, nil
}
