// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// gantry is the operator CLI for the Gantry CI runner. It works on
// pipeline declarations (validate, show, trigger, run locally), on
// declaration secrets (secret keygen/encrypt/decrypt), and on the
// runner's stores (builds, report).
//
// Commands that read runner state locate it through the same
// configuration file as gantry-runner: --config, or the GANTRY_CONFIG
// environment variable. Declaration commands are purely local and
// need no configuration at all.
package main

import (
	"fmt"
	"os"

	"github.com/gantry-ci/gantry/cmd/gantry/cli"
	"github.com/gantry-ci/gantry/lib/version"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like validate) return
		// an ExitError with the desired exit code. Don't print a
		// redundant "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

// root builds the gantry command tree.
func root() *cli.Command {
	return &cli.Command{
		Name: "gantry",
		Description: `Gantry: sandboxed CI for self-hosted forges.

Validate and inspect pipeline declarations, run their job matrix
locally, encrypt secrets for the runner, and read build history.`,
		Subcommands: []*cli.Command{
			validateCommand(),
			showCommand(),
			triggerCommand(),
			runCommand(),
			secretCommand(),
			buildsCommand(),
			reportCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("gantry %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Validate the declaration before pushing",
				Command:     "gantry validate .gantry.yml",
			},
			{
				Description: "Run the job matrix against the working tree",
				Command:     "gantry run .gantry.yml",
			},
			{
				Description: "Check whether a push to a branch would build",
				Command:     "gantry trigger --branch vara-dev .gantry.yml",
			},
			{
				Description: "Encrypt a secret value for the runner",
				Command:     "echo -n \"$TOKEN\" | gantry secret encrypt --key age1...",
			},
			{
				Description: "List recent builds",
				Command:     "gantry builds list --limit 10",
			},
		},
	}
}
