// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/gantry-ci/gantry/cmd/gantry/cli"
	"github.com/gantry-ci/gantry/lib/pipeline"
	"github.com/gantry-ci/gantry/lib/trigger"
)

// triggerCommand returns the "trigger" subcommand.
func triggerCommand() *cli.Command {
	var branch string
	var eventKind string

	return &cli.Command{
		Name:    "trigger",
		Summary: "Evaluate what an event would build",
		Description: `Simulate a trigger event against a declaration's branch filter and
print the result: the gate decision with its reason, and the matrix
jobs the event would produce. Nothing is built.

For pull_request events the branch is the base branch, matching how
the runner gates real pull requests. Cron and manual events bypass
the filter entirely; simulating one always builds.

Exits 0 when the event would build and 1 when it would be skipped,
so the command works as a scriptable predicate.`,
		Usage: "gantry trigger --branch <branch> [flags] <file>",
		Examples: []cli.Example{
			{
				Description: "Would a push to vara-dev build?",
				Command:     "gantry trigger --branch vara-dev .gantry.yml",
			},
			{
				Description: "Would a PR against main build?",
				Command:     "gantry trigger --event pull_request --branch main .gantry.yml",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("trigger", pflag.ContinueOnError)
			flagSet.StringVar(&branch, "branch", "", "branch the simulated event targets")
			flagSet.StringVar(&eventKind, "event", "push", "event kind: push, pull_request, cron, manual")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gantry trigger --branch <branch> [flags] <file>")
			}
			if branch == "" {
				return fmt.Errorf("--branch is required")
			}

			kind := trigger.Kind(eventKind)
			switch kind {
			case trigger.KindPush, trigger.KindPullRequest, trigger.KindCron, trigger.KindManual:
			default:
				return fmt.Errorf("unknown event kind %q (push, pull_request, cron, manual)", eventKind)
			}

			path := args[0]
			declaration, err := pipeline.ReadFile(path)
			if err != nil {
				return err
			}
			if issues := pipeline.Validate(declaration); len(issues) > 0 {
				return fmt.Errorf("%s: %s", path, strings.Join(issues, "; "))
			}

			event := &trigger.Event{Kind: kind, Branch: branch}
			decision := trigger.Evaluate(declaration.Branches, event)
			if !decision.Run {
				fmt.Fprintf(os.Stdout, "skip: %s\n", decision.Reason)
				return &cli.ExitError{Code: 1}
			}

			fmt.Fprintf(os.Stdout, "build: %s\n", decision.Reason)
			for index, version := range declaration.Versions {
				fmt.Fprintf(os.Stdout, "  job %d: %s %s\n", index, declaration.Language, version)
			}
			return nil
		},
	}
}
