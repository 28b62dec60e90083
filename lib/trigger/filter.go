// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

import (
	"fmt"

	"github.com/gantry-ci/gantry/lib/pipeline"
)

// Decision is the outcome of gating an event against a branch filter.
type Decision struct {
	// Run reports whether a build should be created.
	Run bool

	// Reason is a human-readable explanation, suitable for logs and
	// for the build history record of skipped events.
	Reason string
}

// Evaluate gates an event against a declaration's branch filter.
//
// Cron and manual events name their target branch explicitly, so the
// filter does not apply to them. Push events are tested against the
// pushed branch. Pull request events are tested against the base
// branch: a PR targeting a watched branch builds even when its source
// branch is not on the list.
func Evaluate(filter *pipeline.BranchFilter, event *Event) Decision {
	switch event.Kind {
	case KindCron, KindManual:
		return Decision{
			Run:    true,
			Reason: fmt.Sprintf("%s events target %q directly", event.Kind, event.Branch),
		}
	}

	if filter == nil {
		return Decision{
			Run:    true,
			Reason: "no branch filter declared",
		}
	}

	if filter.Admits(event.Branch) {
		return Decision{
			Run:    true,
			Reason: fmt.Sprintf("branch %q admitted by filter", event.Branch),
		}
	}
	return Decision{
		Run:    false,
		Reason: fmt.Sprintf("branch %q excluded by filter", event.Branch),
	}
}
