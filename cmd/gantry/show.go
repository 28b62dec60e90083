// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/gantry-ci/gantry/cmd/gantry/cli"
	"github.com/gantry-ci/gantry/lib/pipeline"
)

// showCommand returns the "show" subcommand.
func showCommand() *cli.Command {
	var color bool

	return &cli.Command{
		Name:    "show",
		Summary: "Print a declaration in normalized form",
		Description: `Parse a pipeline declaration and print it back as canonical YAML:
defaults dropped, keys in schema order, comments stripped. JSONC
declarations are converted, so this also serves as a format
translator.

The output is what the runner actually sees. When a declaration
"doesn't do what it says", diff the normalized forms.`,
		Usage: "gantry show [flags] <file>",
		Examples: []cli.Example{
			{
				Description: "Show the normalized declaration",
				Command:     "gantry show .gantry.yml",
			},
			{
				Description: "Show with syntax highlighting",
				Command:     "gantry show --color .gantry.jsonc",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			flagSet.BoolVar(&color, "color", false, "highlight the output for terminals")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gantry show [flags] <file>")
			}

			declaration, err := pipeline.ReadFile(args[0])
			if err != nil {
				return err
			}

			normalized, err := yaml.Marshal(declaration)
			if err != nil {
				return fmt.Errorf("encoding declaration: %w", err)
			}

			if color {
				// --color forces highlighting; the environment only
				// decides how wide a palette the terminal gets.
				formatter := "terminal256"
				switch termenv.EnvColorProfile() {
				case termenv.TrueColor:
					formatter = "terminal16m"
				case termenv.ANSI:
					formatter = "terminal"
				}
				return quick.Highlight(os.Stdout, string(normalized), "yaml", formatter, "monokai")
			}
			_, err = os.Stdout.Write(normalized)
			return err
		},
	}
}
