// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/cache"
	"github.com/gantry-ci/gantry/lib/pipeline"
)

// execution carries one job run: the spec, the result stream, and the
// resolved command environment.
type execution struct {
	spec        *build.JobSpec
	results     *build.ResultLog
	timeout     time.Duration
	gracePeriod time.Duration

	env    []string
	caches *cache.Store
	layout cache.Layout

	commands    []build.CommandResult
	failed      *build.CommandResult
	interrupted bool
}

func newExecution(spec *build.JobSpec, results *build.ResultLog, timeout, gracePeriod time.Duration) *execution {
	ex := &execution{
		spec:        spec,
		results:     results,
		timeout:     timeout,
		gracePeriod: gracePeriod,
	}
	ex.env = commandEnv(spec)
	if spec.CacheKey != "" && spec.CacheStoreDir != "" {
		ex.caches = cache.NewStore(spec.CacheStoreDir)
		ex.layout = cache.Layout{Home: os.Getenv("HOME"), WorkDir: spec.WorkspaceDir}
	}
	return ex
}

// run executes the job's phases and returns the final result. The
// result is also appended to the stream as the complete event, so a
// reader never needs the process exit status.
func (ex *execution) run(ctx context.Context) *build.JobResult {
	startedAt := time.Now()

	fmt.Printf("[executor] build %d job %d (%s %s): starting\n",
		ex.spec.BuildNumber, ex.spec.JobIndex, ex.spec.Language, ex.spec.Version)
	ex.appendEvent(build.ResultEvent{Time: startedAt.UTC(), Kind: build.EventStart})

	// The summary file exists before any command runs, so commands can
	// append without testing for it.
	if ex.spec.SummaryPath != "" {
		if err := os.WriteFile(ex.spec.SummaryPath, nil, 0o644); err != nil {
			fmt.Printf("[executor] warning: creating summary file: %v\n", err)
		}
	}

	required := []struct {
		name     string
		commands []string
	}{
		{pipeline.PhaseProvision, ex.spec.Provision},
		{pipeline.PhaseInstall, ex.spec.Install},
		{pipeline.PhaseScript, ex.spec.Script},
	}
	for _, phase := range required {
		if phase.name == pipeline.PhaseInstall {
			ex.restoreCache()
		}
		ex.runPhase(ctx, phase.name, phase.commands, false)
	}

	switch {
	case ex.interrupted:
		// Shutting down: no after phases, just the record.
	case ex.failed == nil:
		// Save before after_success: a failure there should not cost
		// the next build its warm cache.
		ex.saveCache()
		ex.runPhase(ctx, pipeline.PhaseAfterSuccess, ex.spec.AfterSuccess, false)
	default:
		ex.runPhase(ctx, pipeline.PhaseAfterFailure, ex.spec.AfterFailure, true)
	}

	completedAt := time.Now()
	result := &build.JobResult{
		Version:          build.BuildResultVersion,
		BuildNumber:      ex.spec.BuildNumber,
		JobIndex:         ex.spec.JobIndex,
		ToolchainVersion: ex.spec.Version,
		StartedAt:        startedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:      completedAt.UTC().Format(time.RFC3339Nano),
		DurationMS:       completedAt.Sub(startedAt).Milliseconds(),
		Commands:         ex.commands,
	}
	switch {
	case ex.interrupted:
		result.Conclusion = build.ConclusionInterrupted
		result.ErrorMessage = "job interrupted"
		fmt.Printf("[executor] interrupted after %s\n", formatDuration(completedAt.Sub(startedAt)))
	case ex.failed != nil:
		result.Conclusion = build.ConclusionFailure
		result.FailedCommand = ex.failed.Command
		result.ErrorMessage = ex.failed.Error
		fmt.Printf("[executor] failed after %s\n", formatDuration(completedAt.Sub(startedAt)))
	default:
		result.Conclusion = build.ConclusionSuccess
		fmt.Printf("[executor] complete (%s)\n", formatDuration(completedAt.Sub(startedAt)))
	}

	ex.appendEvent(build.ResultEvent{
		Time:   completedAt.UTC(),
		Kind:   build.EventComplete,
		Result: result,
	})
	return result
}

// runPhase executes one phase's commands in order. In a required phase
// (bestEffort false) the commands after a failure are recorded as
// skipped; in a best-effort phase every command runs and failures are
// recorded without touching the job's fate.
func (ex *execution) runPhase(ctx context.Context, phase string, commands []string, bestEffort bool) {
	total := len(commands)
	for index, command := range commands {
		if ex.interrupted || (ex.failed != nil && !bestEffort) {
			ex.record(build.CommandResult{
				Phase:   phase,
				Command: command,
				Status:  build.CommandSkipped,
			})
			continue
		}

		result := ex.runCommand(ctx, phase, command, index, total)
		if bestEffort && result.Status == build.CommandFailed {
			result.Status = build.CommandFailedBestEffort
		}
		ex.record(result)

		if ctx.Err() != nil {
			ex.interrupted = true
		}
		if result.Status == build.CommandFailed && ex.failed == nil {
			failed := result
			ex.failed = &failed
		}
	}
}

// runCommand runs one shell command under the per-command timeout and
// returns its result. The command line is echoed first so the log
// interleaves commands with their own output.
func (ex *execution) runCommand(ctx context.Context, phase, command string, index, total int) build.CommandResult {
	fmt.Printf("[executor] %s %d/%d: $ %s\n", phase, index+1, total, command)

	commandCtx, cancel := context.WithTimeout(ctx, ex.timeout)
	defer cancel()

	start := time.Now()
	exitCode, err := runShellCommand(commandCtx, command, ex.env, ex.spec.WorkspaceDir, ex.gracePeriod)
	duration := time.Since(start)

	result := build.CommandResult{
		Phase:      phase,
		Command:    command,
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
	}
	switch {
	case err == nil && exitCode == 0:
		result.Status = build.CommandOK
		fmt.Printf("[executor] ok (%s)\n", formatDuration(duration))
	case ctx.Err() != nil:
		result.Status = build.CommandFailed
		result.ExitCode = -1
		result.Error = "interrupted"
		fmt.Printf("[executor] interrupted (%s)\n", formatDuration(duration))
	case commandCtx.Err() != nil:
		result.Status = build.CommandFailed
		result.ExitCode = -1
		result.Error = fmt.Sprintf("timed out after %s", ex.timeout)
		fmt.Printf("[executor] timed out after %s\n", ex.timeout)
	case err != nil:
		result.Status = build.CommandFailed
		result.ExitCode = -1
		result.Error = err.Error()
		fmt.Printf("[executor] failed: %v (%s)\n", err, formatDuration(duration))
	default:
		result.Status = build.CommandFailed
		result.Error = fmt.Sprintf("exit code %d", exitCode)
		fmt.Printf("[executor] failed: exit code %d (%s)\n", exitCode, formatDuration(duration))
	}
	return result
}

func (ex *execution) record(result build.CommandResult) {
	ex.commands = append(ex.commands, result)
	ex.appendEvent(build.ResultEvent{
		Time:    time.Now().UTC(),
		Kind:    build.EventCommand,
		Command: &result,
	})
}

func (ex *execution) appendEvent(event build.ResultEvent) {
	if err := ex.results.Append(event); err != nil {
		fmt.Printf("[executor] warning: writing result stream: %v\n", err)
	}
}

// commandEnv builds the command environment: PATH and HOME from the
// ambient process environment (the sandbox profile or the runner set
// them), the spec's resolved environment on top, and GANTRY_SUMMARY
// last. Nothing else of the executor's environment leaks into jobs.
func commandEnv(spec *build.JobSpec) []string {
	merged := make(map[string]string, len(spec.Env)+3)
	for _, name := range []string{"PATH", "HOME"} {
		if value := os.Getenv(name); value != "" {
			merged[name] = value
		}
	}
	maps.Copy(merged, spec.Env)
	if spec.SummaryPath != "" {
		merged["GANTRY_SUMMARY"] = spec.SummaryPath
	}

	env := make([]string, 0, len(merged))
	for name, value := range merged {
		env = append(env, name+"="+value)
	}
	sort.Strings(env)
	return env
}

// runShellCommand executes a command via sh -c with stdout and stderr
// inherited from the executor process. Returns the exit code and any
// non-exit error (signals, context cancellation).
//
// The shell is resolved via PATH, not hardcoded to /bin/sh: inside the
// sandbox the toolchain's bin directory is on PATH and /bin may not
// exist.
//
// The command runs in its own process group so cancellation kills the
// shell and all its children. Without Setpgid only the shell receives
// the signal; children survive holding the inherited output pipe and
// block the runner's read until they exit.
//
// With a zero grace period the whole group is SIGKILLed on
// cancellation. With a positive one the group gets SIGTERM first and
// SIGKILL after the grace period, for commands that need to flush
// state on the way down.
func runShellCommand(ctx context.Context, command string, env []string, dir string, gracePeriod time.Duration) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if gracePeriod > 0 {
		cmd.Cancel = func() error {
			processGroupID := -cmd.Process.Pid
			if err := syscall.Kill(processGroupID, syscall.SIGTERM); err != nil {
				return syscall.Kill(processGroupID, syscall.SIGKILL)
			}
			go func() {
				time.Sleep(gracePeriod)
				// ESRCH from an already-dead group is harmless.
				_ = syscall.Kill(processGroupID, syscall.SIGKILL)
			}()
			return nil
		}
	} else {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), nil
	}
	return -1, err
}

func formatDuration(duration time.Duration) string {
	return fmt.Sprintf("%.1fs", duration.Seconds())
}
