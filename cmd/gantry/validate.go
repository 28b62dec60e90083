// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/gantry-ci/gantry/cmd/gantry/cli"
	"github.com/gantry-ci/gantry/lib/pipeline"
)

// validateCommand returns the "validate" subcommand.
func validateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Summary: "Check a pipeline declaration",
		Description: `Validate a pipeline declaration file. Checks that the YAML or JSONC
parses and that the declaration is structurally sound: language and
versions present, at least one script command, no blank commands,
a coherent branch filter, identifier-shaped env and secret names,
base64 secret values, a parseable cron expression.

This is a purely local check. The runner repeats it when a trigger
arrives, so a declaration that validates here is accepted there.`,
		Usage: "gantry validate <file>",
		Examples: []cli.Example{
			{
				Description: "Validate a declaration",
				Command:     "gantry validate .gantry.yml",
			},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gantry validate <file>")
			}

			path := args[0]
			declaration, err := pipeline.ReadFile(path)
			if err != nil {
				return err
			}

			issues := pipeline.Validate(declaration)
			if len(issues) > 0 {
				for _, issue := range issues {
					fmt.Fprintf(os.Stderr, "  - %s\n", issue)
				}
				return fmt.Errorf("%s: %d validation issue(s) found", path, len(issues))
			}

			fmt.Fprintf(os.Stdout, "%s: valid (%s, %d jobs)\n",
				path, declaration.Language, len(declaration.Versions))
			return nil
		},
	}
}
