// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/gantry-ci/gantry/cmd/gantry/cli"
	"github.com/gantry-ci/gantry/lib/report"
)

// reportCommand returns the "report" subcommand.
func reportCommand() *cli.Command {
	var configPath string
	var asHTML bool

	return &cli.Command{
		Name:    "report",
		Summary: "Print a build's summary report",
		Description: `Print the summary report the runner rendered for a finished build:
the per-job conclusion table plus whatever the job commands appended
to their GANTRY_SUMMARY file.

Markdown by default; --html prints the rendered page the runner
serves at /builds/<number>.`,
		Usage: "gantry report [flags] <number>",
		Examples: []cli.Example{
			{
				Description: "Read build 142's report",
				Command:     "gantry report 142",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("report", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (overrides GANTRY_CONFIG)")
			flagSet.BoolVar(&asHTML, "html", false, "print the rendered HTML page")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gantry report [flags] <number>")
			}
			number, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || number < 1 {
				return fmt.Errorf("invalid build number %q", args[0])
			}

			cfg, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			reports := report.NewStore(cfg.Paths.Reports)

			var content []byte
			if asHTML {
				content, err = reports.HTML(number)
			} else {
				content, err = reports.Markdown(number)
			}
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("no report for build %d", number)
				}
				return err
			}

			_, err = os.Stdout.Write(content)
			return err
		},
	}
}
