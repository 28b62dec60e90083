// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/gantry-ci/gantry/cmd/gantry/cli"
	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/history"
)

// buildsCommand returns the "builds" command group.
func buildsCommand() *cli.Command {
	return &cli.Command{
		Name:    "builds",
		Summary: "Read build history",
		Description: `Read the runner's build history database directly. The database is
opened in WAL mode, so reading alongside a running daemon is safe.

The database location comes from the runner configuration: --config
or GANTRY_CONFIG.`,
		Subcommands: []*cli.Command{
			buildsListCommand(),
			buildsShowCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "The last twenty builds",
				Command:     "gantry builds list",
			},
			{
				Description: "Recent failures on one branch",
				Command:     "gantry builds list --branch vara --status failed",
			},
			{
				Description: "One build with its jobs",
				Command:     "gantry builds show 142",
			},
		},
	}
}

// openHistory opens the history database named by the configuration.
func openHistory(configPath string) (*history.Store, error) {
	cfg, err := loadSettings(configPath)
	if err != nil {
		return nil, err
	}
	return history.Open(history.Config{Path: cfg.Paths.HistoryDB})
}

func buildsListCommand() *cli.Command {
	var configPath string
	var repo, branch, status string
	var limit int
	var asJSON bool

	return &cli.Command{
		Name:    "list",
		Summary: "List recent builds",
		Usage:   "gantry builds list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (overrides GANTRY_CONFIG)")
			flagSet.StringVar(&repo, "repo", "", "filter by repository (owner/name)")
			flagSet.StringVar(&branch, "branch", "", "filter by branch")
			flagSet.StringVar(&status, "status", "", "filter by status (pending, running, succeeded, failed, interrupted)")
			flagSet.IntVar(&limit, "limit", 20, "maximum builds to list")
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON instead of a table")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("usage: gantry builds list [flags]")
			}

			store, err := openHistory(configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListBuilds(context.Background(), history.Filter{
				Repo:   repo,
				Branch: branch,
				Status: build.Status(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if asJSON {
				if records == nil {
					records = []history.BuildRecord{}
				}
				data, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal JSON: %w", err)
				}
				fmt.Fprintln(os.Stdout, string(data))
				return nil
			}

			if len(records) == 0 {
				fmt.Fprintln(os.Stderr, "no builds found")
				return nil
			}

			writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintf(writer, "BUILD\tPIPELINE\tBRANCH\tEVENT\tSTATUS\tCREATED\tDURATION\n")
			for _, record := range records {
				fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					record.Number,
					record.Pipeline,
					record.Branch,
					record.Event,
					buildStateLabel(record.Status, record.Conclusion),
					record.CreatedAt.Local().Format("2006-01-02 15:04"),
					durationLabel(record.DurationMS))
			}
			return writer.Flush()
		},
	}
}

func buildsShowCommand() *cli.Command {
	var configPath string
	var asJSON bool

	return &cli.Command{
		Name:    "show",
		Summary: "Show one build with its jobs",
		Usage:   "gantry builds show [flags] <number>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (overrides GANTRY_CONFIG)")
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON instead of text")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gantry builds show [flags] <number>")
			}
			number, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || number < 1 {
				return fmt.Errorf("invalid build number %q", args[0])
			}

			store, err := openHistory(configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.GetBuild(context.Background(), number)
			if err != nil {
				if errors.Is(err, history.ErrNotFound) {
					return fmt.Errorf("build %d not found", number)
				}
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(record, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal JSON: %w", err)
				}
				fmt.Fprintln(os.Stdout, string(data))
				return nil
			}

			printBuildRecord(os.Stdout, record)
			return nil
		},
	}
}

// printBuildRecord writes the human-readable build detail block.
func printBuildRecord(w io.Writer, record *history.BuildRecord) {
	fmt.Fprintf(w, "build %d: %s\n", record.Number, record.Pipeline)
	fmt.Fprintf(w, "  repo:    %s\n", record.Repo)
	fmt.Fprintf(w, "  branch:  %s\n", record.Branch)
	if record.Commit != "" {
		fmt.Fprintf(w, "  commit:  %s\n", record.Commit)
	}
	fmt.Fprintf(w, "  event:   %s", record.Event)
	if record.PullRequest > 0 {
		fmt.Fprintf(w, " (#%d)", record.PullRequest)
	}
	fmt.Fprintln(w)
	if record.Sender != "" {
		fmt.Fprintf(w, "  sender:  %s\n", record.Sender)
	}
	fmt.Fprintf(w, "  state:   %s\n", buildStateLabel(record.Status, record.Conclusion))
	fmt.Fprintf(w, "  created: %s\n", record.CreatedAt.Local().Format(time.RFC3339))
	if record.DurationMS > 0 {
		fmt.Fprintf(w, "  took:    %s\n", durationLabel(record.DurationMS))
	}

	if len(record.Jobs) == 0 {
		return
	}
	fmt.Fprintln(w)
	writer := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(writer, "  JOB\tVERSION\tSTATE\tDURATION\tFAILED\n")
	for _, job := range record.Jobs {
		failed := job.FailedCommand
		if failed == "" {
			failed = "-"
		}
		fmt.Fprintf(writer, "  %d\t%s\t%s\t%s\t%s\n",
			job.Index,
			job.Version,
			buildStateLabel(job.Status, job.Conclusion),
			durationLabel(job.DurationMS),
			failed)
	}
	writer.Flush()
}

// buildStateLabel renders the one-word state column: the conclusion
// once the row is terminal, the lifecycle status before that.
func buildStateLabel(status build.Status, conclusion build.Conclusion) string {
	if conclusion != "" {
		return string(conclusion)
	}
	if status == "" {
		return "-"
	}
	return string(status)
}

// durationLabel renders milliseconds as a rounded duration, "-" when
// the row has none yet.
func durationLabel(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := time.Duration(ms) * time.Millisecond
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Millisecond).String()
}
