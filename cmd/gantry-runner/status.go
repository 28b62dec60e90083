// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gantry-ci/gantry/lib/github"
	"github.com/gantry-ci/gantry/lib/runner"
)

// commitStatusReporter publishes build state transitions as GitHub
// commit statuses. The runner logs and swallows report errors, so a
// forge outage degrades to missing checkmarks rather than failed
// builds.
type commitStatusReporter struct {
	client        *github.Client
	statusContext string
}

func (r *commitStatusReporter) ReportCommitStatus(ctx context.Context, status runner.CommitStatus) error {
	owner, name, ok := strings.Cut(status.Repo, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("malformed repo %q: want owner/name", status.Repo)
	}
	_, err := r.client.CreateCommitStatus(ctx, owner, name, status.Commit, github.CreateStatusRequest{
		State:       status.State,
		TargetURL:   status.TargetURL,
		Description: status.Description,
		Context:     r.statusContext,
	})
	return err
}
