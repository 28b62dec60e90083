// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

import (
	"strings"
	"testing"

	"github.com/gantry-ci/gantry/lib/pipeline"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	watched := &pipeline.BranchFilter{Only: []string{"vara", "vara-dev"}}
	denied := &pipeline.BranchFilter{Except: []string{"wip", "throwaway"}}

	tests := []struct {
		name       string
		filter     *pipeline.BranchFilter
		event      *Event
		wantRun    bool
		wantReason string
	}{
		{
			name:       "push to listed branch runs",
			filter:     watched,
			event:      &Event{Kind: KindPush, Repo: "se-sic/VaRA-Tool-Suite", Branch: "vara"},
			wantRun:    true,
			wantReason: "admitted",
		},
		{
			name:       "push to second listed branch runs",
			filter:     watched,
			event:      &Event{Kind: KindPush, Repo: "se-sic/VaRA-Tool-Suite", Branch: "vara-dev"},
			wantRun:    true,
			wantReason: "admitted",
		},
		{
			name:       "push to unlisted branch is skipped",
			filter:     watched,
			event:      &Event{Kind: KindPush, Repo: "se-sic/VaRA-Tool-Suite", Branch: "main"},
			wantRun:    false,
			wantReason: "excluded",
		},
		{
			name:       "branch name match is exact not prefix",
			filter:     watched,
			event:      &Event{Kind: KindPush, Branch: "vara-dev-experimental"},
			wantRun:    false,
			wantReason: "excluded",
		},
		{
			name:       "pull request gates on base branch",
			filter:     watched,
			event:      &Event{Kind: KindPullRequest, Branch: "vara", HeadRef: "feature/thing", Number: 7},
			wantRun:    true,
			wantReason: "admitted",
		},
		{
			name:       "pull request into unlisted base is skipped",
			filter:     watched,
			event:      &Event{Kind: KindPullRequest, Branch: "main", HeadRef: "vara", Number: 8},
			wantRun:    false,
			wantReason: "excluded",
		},
		{
			name:       "nil filter admits everything",
			filter:     nil,
			event:      &Event{Kind: KindPush, Branch: "anything"},
			wantRun:    true,
			wantReason: "no branch filter",
		},
		{
			name:       "except filter skips denied branch",
			filter:     denied,
			event:      &Event{Kind: KindPush, Branch: "wip"},
			wantRun:    false,
			wantReason: "excluded",
		},
		{
			name:       "except filter admits other branches",
			filter:     denied,
			event:      &Event{Kind: KindPush, Branch: "vara"},
			wantRun:    true,
			wantReason: "admitted",
		},
		{
			name:       "cron bypasses the filter",
			filter:     watched,
			event:      &Event{Kind: KindCron, Branch: "nightly-snapshots"},
			wantRun:    true,
			wantReason: "target",
		},
		{
			name:       "manual bypasses the filter",
			filter:     watched,
			event:      &Event{Kind: KindManual, Branch: "main"},
			wantRun:    true,
			wantReason: "target",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			decision := Evaluate(test.filter, test.event)
			if decision.Run != test.wantRun {
				t.Errorf("Run = %v, want %v (reason: %s)", decision.Run, test.wantRun, decision.Reason)
			}
			if !strings.Contains(decision.Reason, test.wantReason) {
				t.Errorf("Reason = %q, want substring %q", decision.Reason, test.wantReason)
			}
		})
	}
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		event          Event
		expectedIssues int
		wantSubstrings []string
	}{
		{
			name: "valid push",
			event: Event{
				Kind:   KindPush,
				Repo:   "se-sic/VaRA-Tool-Suite",
				Branch: "vara",
				Commit: "abc123",
			},
			expectedIssues: 0,
		},
		{
			name: "valid pull request",
			event: Event{
				Kind:    KindPullRequest,
				Repo:    "se-sic/VaRA-Tool-Suite",
				Branch:  "vara",
				HeadRef: "feature/x",
				Number:  12,
			},
			expectedIssues: 0,
		},
		{
			name:           "missing everything",
			event:          Event{},
			expectedIssues: 3,
			wantSubstrings: []string{"kind is required", "repo is required", "branch is required"},
		},
		{
			name: "unknown kind",
			event: Event{
				Kind:   Kind("telepathy"),
				Repo:   "a/b",
				Branch: "main",
			},
			expectedIssues: 1,
			wantSubstrings: []string{`unknown kind "telepathy"`},
		},
		{
			name: "pull request without number",
			event: Event{
				Kind:   KindPullRequest,
				Repo:   "a/b",
				Branch: "main",
			},
			expectedIssues: 1,
			wantSubstrings: []string{"positive number"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			issues := test.event.Validate()
			if len(issues) != test.expectedIssues {
				t.Errorf("got %d issues, want %d: %v", len(issues), test.expectedIssues, issues)
			}
			joined := strings.Join(issues, "\n")
			for _, want := range test.wantSubstrings {
				if !strings.Contains(joined, want) {
					t.Errorf("issues missing %q:\n%s", want, joined)
				}
			}
		})
	}
}

func TestEventString(t *testing.T) {
	t.Parallel()

	push := &Event{Kind: KindPush, Repo: "se-sic/VaRA-Tool-Suite", Branch: "vara"}
	if got := push.String(); !strings.Contains(got, "push") || !strings.Contains(got, "vara") {
		t.Errorf("push String() = %q", got)
	}

	pr := &Event{Kind: KindPullRequest, Repo: "se-sic/VaRA-Tool-Suite", Branch: "vara", HeadRef: "fix", Number: 3}
	got := pr.String()
	for _, want := range []string{"#3", "fix", "vara"} {
		if !strings.Contains(got, want) {
			t.Errorf("PR String() = %q, want substring %q", got, want)
		}
	}
}
