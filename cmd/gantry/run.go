// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/gantry-ci/gantry/cmd/gantry/cli"
	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/checkout"
	"github.com/gantry-ci/gantry/lib/config"
	"github.com/gantry-ci/gantry/lib/pipeline"
	"github.com/gantry-ci/gantry/lib/sealed"
	"github.com/gantry-ci/gantry/lib/secret"
	"github.com/gantry-ci/gantry/lib/trigger"
	"github.com/gantry-ci/gantry/lib/workspace"
)

// runCommand returns the "run" subcommand.
func runCommand() *cli.Command {
	var (
		configPath    string
		branchName    string
		eventKind     string
		secretKeyFile string
		useTUI        bool
	)

	return &cli.Command{
		Name:    "run",
		Summary: "Execute a declaration locally",
		Description: `Execute a declaration's job matrix on this machine, without cloning:
jobs run in the declaration's directory against your working tree,
one version at a time, through the same executor the runner uses.

Local runs differ from runner builds where the host cannot follow:
apt packages are not installed, directory caching is off, and jobs
are not sandboxed. Toolchains come from the runner configuration
when one is present (GANTRY_CONFIG or --config); otherwise every
job uses whatever the host PATH provides.

The default event is manual, which builds regardless of the
declaration's branch filter. Pass --event push to preview the
filter decision for the checked-out branch.`,
		Usage: "gantry run [flags] [file]",
		Examples: []cli.Example{
			{
				Description: "Run the declaration in the current directory",
				Command:     "gantry run",
			},
			{
				Description: "Run a specific file with the live status display",
				Command:     "gantry run --tui ci/gantry.yml",
			},
			{
				Description: "Preview a push of the checked-out branch",
				Command:     "gantry run --event push",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file path (overrides GANTRY_CONFIG)")
			flagSet.StringVar(&branchName, "branch", "", "branch to simulate (default: the checked-out branch)")
			flagSet.StringVar(&eventKind, "event", "manual", "event kind to simulate: push, pull_request, cron, manual")
			flagSet.StringVar(&secretKeyFile, "secret-key-file", "", "private key for decrypting the declaration's secrets")
			flagSet.BoolVar(&useTUI, "tui", false, "live status display instead of streamed output")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("usage: gantry run [flags] [file]")
			}
			path := pipeline.DefaultFileName
			if len(args) == 1 {
				path = args[0]
			}

			kind := trigger.Kind(eventKind)
			switch kind {
			case trigger.KindPush, trigger.KindPullRequest, trigger.KindCron, trigger.KindManual:
			default:
				return fmt.Errorf("unknown event kind %q (push, pull_request, cron, manual)", eventKind)
			}

			declaration, err := pipeline.ReadFile(path)
			if err != nil {
				return err
			}
			if issues := pipeline.Validate(declaration); len(issues) > 0 {
				return fmt.Errorf("%s: %s", path, strings.Join(issues, "; "))
			}

			cfg, err := optionalSettings(configPath)
			if err != nil {
				return err
			}

			absPath, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			workDir := filepath.Dir(absPath)

			event := simulateEvent(workDir, branchName, kind)
			decision := trigger.Evaluate(declaration.Branches, event)
			if !decision.Run {
				fmt.Printf("skip: %s\n", decision.Reason)
				return nil
			}

			executor, err := executorPath(cfg)
			if err != nil {
				return fmt.Errorf("locating gantry-executor: %w", err)
			}
			toolchains, err := resolveToolchains(cfg, declaration, os.Stderr)
			if err != nil {
				return err
			}

			var secretKey *secret.Buffer
			if len(declaration.Secrets) > 0 {
				keyFile := secretKeyFile
				if keyFile == "" {
					keyFile = cfg.Runner.SecretKeyFile
				}
				if keyFile == "" {
					return errors.New("declaration has secrets but no key is available: pass --secret-key-file or set runner.secret_key_file")
				}
				secretKey, err = secret.ReadFromPath(keyFile)
				if err != nil {
					return err
				}
				defer secretKey.Close()
			}

			if len(declaration.Packages) > 0 {
				fmt.Fprintf(os.Stderr, "note: apt packages are not installed locally: %s\n",
					strings.Join(declaration.Packages, " "))
			}
			if len(declaration.Cache) > 0 {
				fmt.Fprintln(os.Stderr, "note: directory caching is disabled locally")
			}

			controlDir, err := os.MkdirTemp("", "gantry-run-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(controlDir)

			b := build.New(1, pipeline.NameFromPath(absPath), declaration, event, time.Now())
			engine := &localRun{
				cfg:         cfg,
				declaration: declaration,
				build:       b,
				workDir:     workDir,
				controlDir:  controlDir,
				executor:    executor,
				toolchains:  toolchains,
				secretKey:   secretKey,
				output:      os.Stdout,
				results:     make([]*build.JobResult, len(b.Jobs)),
				outputs:     make([][]byte, len(b.Jobs)),
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if useTUI && !term.IsTerminal(int(os.Stdout.Fd())) {
				fmt.Fprintln(os.Stderr, "note: stdout is not a terminal, streaming output instead of the TUI")
				useTUI = false
			}
			if useTUI {
				if err := runWithTUI(ctx, engine); err != nil {
					return err
				}
			} else {
				engine.execute(ctx)
			}

			engine.printSummary(os.Stdout)
			engine.printJobSummaries(os.Stdout)

			if b.Conclusion() != build.ConclusionSuccess {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// simulateEvent builds the trigger event a local run stands in for.
// Branch and commit come from the working tree when the directory is a
// git checkout; a bare directory builds as branch "local".
func simulateEvent(workDir, branch string, kind trigger.Kind) *trigger.Event {
	if branch == "" {
		if head, err := checkout.HeadBranch(workDir); err == nil {
			branch = head
		}
	}
	if branch == "" {
		branch = "local"
	}
	commit := ""
	if head, err := checkout.HeadCommit(workDir); err == nil {
		commit = head
	}
	return &trigger.Event{
		Kind:       kind,
		Repo:       "local/" + filepath.Base(workDir),
		Branch:     branch,
		Commit:     commit,
		ReceivedAt: time.Now(),
	}
}

// executorPath locates the gantry-executor binary: next to this binary
// first, then the configured bin directory and PATH.
func executorPath(cfg *config.Config) (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "gantry-executor")
		if info, err := os.Stat(sibling); err == nil && info.Mode().IsRegular() {
			return sibling, nil
		}
	}
	return cfg.BinaryPath("gantry-executor")
}

// resolveToolchains maps every matrix version to a toolchain before
// anything runs. When the configuration names no toolchains for the
// language at all, every job falls back to the host environment; a
// configured language with a missing version is an error.
func resolveToolchains(cfg *config.Config, declaration *pipeline.Pipeline, stderr io.Writer) ([]*config.ToolchainConfig, error) {
	if len(cfg.Toolchains[declaration.Language]) == 0 {
		fmt.Fprintf(stderr, "note: no %s toolchains configured; jobs use the host environment\n",
			declaration.Language)
		host := &config.ToolchainConfig{}
		toolchains := make([]*config.ToolchainConfig, len(declaration.Versions))
		for i := range toolchains {
			toolchains[i] = host
		}
		return toolchains, nil
	}
	toolchains := make([]*config.ToolchainConfig, 0, len(declaration.Versions))
	for _, version := range declaration.Versions {
		tc, err := cfg.Toolchain(declaration.Language, version)
		if err != nil {
			return nil, err
		}
		toolchains = append(toolchains, tc)
	}
	return toolchains, nil
}

// localRun executes a build's job matrix on the host, one job at a
// time, mirroring the runner's per-job recipe without workspaces,
// cloning, or the sandbox. Jobs run in workDir; spec, result, and
// summary files live in controlDir.
type localRun struct {
	cfg         *config.Config
	declaration *pipeline.Pipeline
	build       *build.Build
	workDir     string
	controlDir  string
	executor    string
	toolchains  []*config.ToolchainConfig
	secretKey   *secret.Buffer

	// output receives executor output and job headers in streaming
	// mode. With capture set, each job's output is buffered instead
	// and kept in outputs for replay after the display exits.
	output  io.Writer
	capture bool

	// notify, when set, receives jobStartedMsg, jobFinishedMsg, and
	// runDoneMsg as the run progresses.
	notify func(msg any)

	results []*build.JobResult
	outputs [][]byte
}

func (lr *localRun) specPath(index int) string {
	return filepath.Join(lr.controlDir, fmt.Sprintf("job-%d.json", index))
}

func (lr *localRun) resultPath(index int) string {
	return filepath.Join(lr.controlDir, fmt.Sprintf("result-%d.jsonl", index))
}

func (lr *localRun) summaryPath(index int) string {
	return filepath.Join(lr.controlDir, fmt.Sprintf("summary-%d.md", index))
}

func (lr *localRun) send(msg any) {
	if lr.notify != nil {
		lr.notify(msg)
	}
}

// execute runs every job in declaration order. Once the context is
// canceled, jobs that have not started are marked interrupted without
// running.
func (lr *localRun) execute(ctx context.Context) {
	for _, job := range lr.build.Jobs {
		if ctx.Err() != nil {
			now := time.Now()
			job.StartedAt = now
			job.FinishedAt = now
			job.Status = build.StatusInterrupted
			lr.results[job.Index] = &build.JobResult{
				Version:          build.BuildResultVersion,
				BuildNumber:      lr.build.Number,
				JobIndex:         job.Index,
				ToolchainVersion: job.Version,
				Conclusion:       build.ConclusionInterrupted,
				StartedAt:        now.UTC().Format(time.RFC3339Nano),
				CompletedAt:      now.UTC().Format(time.RFC3339Nano),
				ErrorMessage:     "run canceled before the job started",
			}
			lr.send(jobFinishedMsg{index: job.Index, result: lr.results[job.Index]})
			continue
		}

		if !lr.capture {
			fmt.Fprintf(lr.output, "=== job %s ===\n", build.JobName(lr.build, job, lr.declaration.Language))
		}
		lr.send(jobStartedMsg{index: job.Index})

		result, out := lr.runJob(ctx, job)
		lr.results[job.Index] = result
		lr.outputs[job.Index] = out

		if !lr.capture {
			label := string(result.Conclusion)
			if result.FailedCommand != "" {
				label += " (" + result.FailedCommand + ")"
			}
			fmt.Fprintf(lr.output, "--- job %s: %s in %s\n\n",
				build.JobName(lr.build, job, lr.declaration.Language),
				label, durationLabel(result.DurationMS))
		}
		lr.send(jobFinishedMsg{index: job.Index, result: result})
	}
	lr.send(runDoneMsg{})
}

// runJob runs one matrix job end to end and returns its result plus
// the captured output, when capturing.
func (lr *localRun) runJob(ctx context.Context, job *build.Job) (*build.JobResult, []byte) {
	startedAt := time.Now()
	job.Status = build.StatusRunning
	job.StartedAt = startedAt

	tc := lr.toolchains[job.Index]

	env, err := lr.jobEnv(job, tc)
	if err != nil {
		return lr.finishEarly(job, "environment", err, startedAt), nil
	}
	if err := lr.writeSpec(job, tc, env); err != nil {
		return lr.finishEarly(job, "job spec", err, startedAt), nil
	}

	cmd := lr.executorCommand(ctx, job, tc)
	var captured bytes.Buffer
	if lr.capture {
		cmd.Stdout = &captured
		cmd.Stderr = &captured
	} else {
		cmd.Stdout = lr.output
		cmd.Stderr = lr.output
	}

	runErr := cmd.Run()
	completedAt := time.Now()

	result := lr.loadResult(job, startedAt, completedAt, runErr, ctx.Err() != nil)
	job.FinishedAt = completedAt
	job.Status = jobStatus(result.Conclusion)
	return result, captured.Bytes()
}

// jobEnv mirrors the runner's environment assembly, lowest precedence
// first: the configured env file, the toolchain's variables, the
// declaration's env block (expanded), decrypted secrets, and the
// trigger variables. Unlike on the runner, ${NAME} references can also
// fall through to this process's environment.
func (lr *localRun) jobEnv(job *build.Job, tc *config.ToolchainConfig) (map[string]string, error) {
	env := make(map[string]string)

	if path := lr.cfg.Runner.EnvFile; path != "" {
		fileVars, err := workspace.LoadEnvFile(path)
		if err != nil {
			return nil, err
		}
		maps.Copy(env, fileVars)
	}
	maps.Copy(env, tc.Env)

	triggerVars := lr.build.Env(job)
	lookup := func(name string) string {
		if value, ok := env[name]; ok {
			return value
		}
		return os.Getenv(name)
	}
	resolved, err := pipeline.ResolveEnv(lr.declaration.Env, triggerVars, lookup)
	if err != nil {
		return nil, err
	}
	maps.Copy(env, resolved)

	if len(lr.declaration.Secrets) > 0 {
		if lr.secretKey == nil {
			return nil, errors.New("declaration has secrets but no secret key is configured")
		}
		names := make([]string, 0, len(lr.declaration.Secrets))
		for name := range lr.declaration.Secrets {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			plaintext, err := sealed.Decrypt(lr.declaration.Secrets[name], lr.secretKey)
			if err != nil {
				return nil, fmt.Errorf("secret %s: %w", name, err)
			}
			env[name] = plaintext.String()
			plaintext.Close()
		}
	}

	maps.Copy(env, triggerVars)
	return env, nil
}

// writeSpec resolves the declaration for one job and writes the spec
// file the executor consumes. Package installation and caching are
// runner facilities; local jobs carry only the toolchain activation.
func (lr *localRun) writeSpec(job *build.Job, tc *config.ToolchainConfig, env map[string]string) error {
	provision := append([]string(nil), tc.Activate...)

	install, err := pipeline.ExpandCommands(lr.declaration.Install, env)
	if err != nil {
		return err
	}
	script, err := pipeline.ExpandCommands(lr.declaration.Script, env)
	if err != nil {
		return err
	}
	afterSuccess, err := pipeline.ExpandCommands(lr.declaration.AfterSuccess, env)
	if err != nil {
		return err
	}
	afterFailure, err := pipeline.ExpandCommands(lr.declaration.AfterFailure, env)
	if err != nil {
		return err
	}

	spec := &build.JobSpec{
		BuildNumber:  lr.build.Number,
		JobIndex:     job.Index,
		Repo:         lr.build.Repo,
		Branch:       lr.build.Branch,
		Commit:       lr.build.Commit,
		Language:     lr.declaration.Language,
		Version:      job.Version,
		WorkspaceDir: lr.workDir,
		Env:          env,
		Provision:    provision,
		Install:      install,
		Script:       script,
		AfterSuccess: afterSuccess,
		AfterFailure: afterFailure,
		SummaryPath:  lr.summaryPath(job.Index),
		Timeout:      lr.cfg.Runner.JobTimeout,
		GracePeriod:  lr.cfg.Runner.GracePeriod,
	}
	return spec.WriteFile(lr.specPath(job.Index))
}

// executorCommand builds the direct (unsandboxed) executor invocation
// with the same minimal environment the runner hands it.
func (lr *localRun) executorCommand(ctx context.Context, job *build.Job, tc *config.ToolchainConfig) *exec.Cmd {
	path := os.Getenv("PATH")
	if tc.Path != "" {
		path = tc.Path + ":" + path
	}
	cmd := exec.CommandContext(ctx, lr.executor)
	cmd.Dir = lr.workDir
	cmd.Env = []string{
		"GANTRY_JOB_SPEC=" + lr.specPath(job.Index),
		"GANTRY_RESULT_PATH=" + lr.resultPath(job.Index),
		"HOME=" + os.Getenv("HOME"),
		"PATH=" + path,
	}

	// SIGTERM first so the executor records the interruption and
	// kills its process group; SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second
	if g := lr.cfg.Runner.GracePeriod; g != "" {
		if d, err := time.ParseDuration(g); err == nil && d > 0 {
			cmd.WaitDelay = d
		}
	}
	return cmd
}

// loadResult reads the executor's result stream. When the stream
// reached its complete event, that result is authoritative; otherwise
// the job's fate is reconstructed from the partial stream. A missing
// or torn stream is folded into the reconstructed result.
func (lr *localRun) loadResult(job *build.Job, startedAt, completedAt time.Time, runErr error, canceled bool) *build.JobResult {
	events, _ := build.ReadResultEvents(lr.resultPath(job.Index))
	if result := build.FinalResult(events); result != nil {
		if err := result.Validate(); err == nil {
			return result
		}
	}

	result := &build.JobResult{
		Version:          build.BuildResultVersion,
		BuildNumber:      lr.build.Number,
		JobIndex:         job.Index,
		ToolchainVersion: job.Version,
		StartedAt:        startedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:      completedAt.UTC().Format(time.RFC3339Nano),
		DurationMS:       completedAt.Sub(startedAt).Milliseconds(),
	}
	for _, event := range events {
		if event.Kind == build.EventCommand && event.Command != nil {
			result.Commands = append(result.Commands, *event.Command)
		}
	}
	switch {
	case canceled:
		result.Conclusion = build.ConclusionInterrupted
		result.ErrorMessage = "job interrupted"
	case runErr != nil:
		result.Conclusion = build.ConclusionFailure
		result.FailedCommand = "executor"
		result.ErrorMessage = fmt.Sprintf("executor died before completing: %v", runErr)
	default:
		result.Conclusion = build.ConclusionFailure
		result.FailedCommand = "executor"
		result.ErrorMessage = "executor exited without a result"
	}
	return result
}

// finishEarly records a job that never reached the executor. The stage
// names what gave out.
func (lr *localRun) finishEarly(job *build.Job, stage string, cause error, startedAt time.Time) *build.JobResult {
	completedAt := time.Now()
	job.FinishedAt = completedAt
	job.Status = build.StatusFailed
	return &build.JobResult{
		Version:          build.BuildResultVersion,
		BuildNumber:      lr.build.Number,
		JobIndex:         job.Index,
		ToolchainVersion: job.Version,
		Conclusion:       build.ConclusionFailure,
		StartedAt:        startedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:      completedAt.UTC().Format(time.RFC3339Nano),
		DurationMS:       completedAt.Sub(startedAt).Milliseconds(),
		FailedCommand:    stage,
		ErrorMessage:     cause.Error(),
	}
}

// printSummary renders the per-job conclusion table.
func (lr *localRun) printSummary(w io.Writer) {
	b := lr.build
	fmt.Fprintf(w, "\nbuild %s: %s\n\n", b.Pipeline, b.Conclusion())

	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "  JOB\tVERSION\tCONCLUSION\tDURATION\tFAILED")
	for _, job := range b.Jobs {
		conclusion, duration, failed := "-", "-", "-"
		if result := lr.results[job.Index]; result != nil {
			conclusion = string(result.Conclusion)
			duration = durationLabel(result.DurationMS)
			if result.FailedCommand != "" {
				failed = result.FailedCommand
			}
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", job.Index, job.Version, conclusion, duration, failed)
	}
	tw.Flush()
}

// printJobSummaries prints whatever the jobs appended to their
// GANTRY_SUMMARY files.
func (lr *localRun) printJobSummaries(w io.Writer) {
	for _, job := range lr.build.Jobs {
		data, err := os.ReadFile(lr.summaryPath(job.Index))
		if err != nil || len(data) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- summary (%s %s) ---\n", lr.declaration.Language, job.Version)
		w.Write(data)
		if data[len(data)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func jobStatus(conclusion build.Conclusion) build.Status {
	switch conclusion {
	case build.ConclusionSuccess:
		return build.StatusSucceeded
	case build.ConclusionInterrupted:
		return build.StatusInterrupted
	default:
		return build.StatusFailed
	}
}
