// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/cache"
	"github.com/gantry-ci/gantry/lib/checkout"
	"github.com/gantry-ci/gantry/lib/config"
	"github.com/gantry-ci/gantry/lib/notify"
	"github.com/gantry-ci/gantry/lib/pipeline"
	"github.com/gantry-ci/gantry/lib/report"
	"github.com/gantry-ci/gantry/lib/sandbox"
	"github.com/gantry-ci/gantry/lib/sealed"
	"github.com/gantry-ci/gantry/lib/trigger"
	"github.com/gantry-ci/gantry/lib/watchdog"
	"github.com/gantry-ci/gantry/lib/workspace"
)

// maxSummaryBytes caps how much of a job's summary file is carried
// into the build report.
const maxSummaryBytes = 1 << 20

// runBuild executes one accepted build: marker, pending status, the
// job matrix under the parallelism semaphore, then the terminal
// bookkeeping (history, report, status, notification, marker clear).
func (r *Runner) runBuild(ctx context.Context, sb *scheduled) {
	b := sb.build
	startedAt := r.clk.Now()

	marker := watchdog.Marker{
		BuildNumber: b.Number,
		Pipeline:    b.Pipeline,
		Repo:        b.Repo,
		Branch:      b.Branch,
		StartedAt:   startedAt,
		PID:         os.Getpid(),
	}
	if err := r.markers.Write(marker); err != nil {
		r.logger.Warn("writing interruption marker", "build", b.Number, "error", err)
	}

	r.reportStatus(ctx, b, "pending", fmt.Sprintf("build %d started", b.Number))

	summaries := make([][]byte, len(b.Jobs))
	var jobs sync.WaitGroup
	for _, job := range b.Jobs {
		jobs.Add(1)
		go func(job *build.Job) {
			defer jobs.Done()
			select {
			case r.sem <- struct{}{}:
				defer func() { <-r.sem }()
				summaries[job.Index] = r.runJob(ctx, sb, job)
			case <-ctx.Done():
				r.finishJobEarly(job, b, "",
					errors.New("runner shut down before the job started"),
					build.ConclusionInterrupted, r.clk.Now())
			}
		}(job)
	}
	jobs.Wait()

	conclusion := b.Conclusion()
	completedAt := r.clk.Now()

	// Terminal bookkeeping must outlive the run context, or a
	// shutdown would lose conclusions that are already decided.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownBookkeepingTimeout)
	defer cancel()

	if err := r.history.FinishBuild(finishCtx, b.Number, conclusion, completedAt); err != nil {
		// Leave the marker in place: the next startup reconciles.
		r.logger.Error("finishing build", "build", b.Number, "error", err)
		return
	}

	r.writeReport(b, summaries)

	switch conclusion {
	case build.ConclusionSuccess:
		r.reportStatus(finishCtx, b, "success", fmt.Sprintf("build %d passed", b.Number))
	case build.ConclusionFailure:
		r.reportStatus(finishCtx, b, "failure", fmt.Sprintf("build %d failed", b.Number))
	default:
		r.reportStatus(finishCtx, b, "error", fmt.Sprintf("build %d was interrupted", b.Number))
	}

	r.notifyConclusion(finishCtx, sb)

	if err := r.markers.Clear(b.Number); err != nil {
		r.logger.Warn("clearing interruption marker", "build", b.Number, "error", err)
	}

	r.logger.Info("build finished",
		"build", b.Number,
		"conclusion", conclusion,
		"duration", completedAt.Sub(startedAt).Round(time.Second))
}

// runJob runs one matrix job end to end and returns the job's summary
// fragment, if the commands wrote one. The job's status field and
// history row are updated whichever way the job ends.
func (r *Runner) runJob(ctx context.Context, sb *scheduled, job *build.Job) []byte {
	b := sb.build
	declaration := sb.declaration
	startedAt := r.clk.Now()
	logger := r.logger.With("build", b.Number, "job", job.Index, "version", job.Version)

	job.Status = build.StatusRunning
	job.StartedAt = startedAt
	if err := r.history.StartJob(ctx, b.Number, job.Index, startedAt); err != nil {
		logger.Warn("recording job start", "error", err)
	}
	logger.Info("job started")

	ws, err := r.workspaces.Create(b.Repo, b.Number, job.Index)
	if err != nil {
		r.finishJobEarly(job, b, "workspace", err, build.ConclusionFailure, startedAt)
		return nil
	}
	defer func() {
		if err := r.workspaces.Remove(b.Repo, b.Number, job.Index); err != nil {
			logger.Warn("removing workspace", "error", err)
		}
	}()

	// Pull request builds check out the source branch; the head SHA
	// is not reachable from the base branch a shallow clone fetches.
	cloneBranch := b.Branch
	if b.Event == trigger.KindPullRequest && b.HeadRef != "" {
		cloneBranch = b.HeadRef
	}
	cloneOpts := checkout.Options{
		URL:    b.CloneURL,
		Branch: cloneBranch,
		Commit: b.Commit,
		Dir:    ws.BuildDir,
	}
	if r.cloneToken != "" && strings.HasPrefix(b.CloneURL, "https://") {
		cloneOpts.Auth = checkout.TokenAuth(r.cloneToken)
	}
	if err := checkout.Clone(ctx, cloneOpts); err != nil {
		r.finishJobEarly(job, b, "git clone", err, conclusionFor(ctx), startedAt)
		return nil
	}

	tc, err := r.settings.Toolchain(declaration.Language, job.Version)
	if err != nil {
		r.finishJobEarly(job, b, "toolchain", err, build.ConclusionFailure, startedAt)
		return nil
	}

	env, secretValues, err := r.jobEnv(b, job, declaration, tc)
	if err != nil {
		r.finishJobEarly(job, b, "environment", err, build.ConclusionFailure, startedAt)
		return nil
	}

	spec, err := r.jobSpec(b, job, declaration, tc, ws, env)
	if err != nil {
		r.finishJobEarly(job, b, "job spec", err, build.ConclusionFailure, startedAt)
		return nil
	}

	sandboxed := !declaration.Privileged
	if sandboxed {
		caps := r.sandboxCaps()
		if !caps.CanRunSandbox() {
			switch r.settings.Sandbox.NoBwrap {
			case "error":
				r.finishJobEarly(job, b, "sandbox",
					fmt.Errorf("sandbox unavailable: %s", caps.SkipReason()),
					build.ConclusionFailure, startedAt)
				return nil
			case "warn":
				logger.Warn("running job without sandbox", "reason", caps.SkipReason())
				sandboxed = false
			default: // skip
				sandboxed = false
			}
		}
	}
	if err := sandbox.RequireUnprivileged(); err != nil {
		r.finishJobEarly(job, b, "sandbox", err, build.ConclusionFailure, startedAt)
		return nil
	}

	cmd, err := r.executorCommand(ctx, ws, spec, tc, sandboxed)
	if err != nil {
		r.finishJobEarly(job, b, "sandbox", err, build.ConclusionFailure, startedAt)
		return nil
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()
	completedAt := r.clk.Now()

	result := r.loadResult(ws, b, job, startedAt, completedAt, runErr, ctx.Err() != nil)

	if output.Len() > 0 {
		logID, err := r.logs.Put(output.Bytes(), secretValues)
		if err != nil {
			logger.Warn("storing job log", "error", err)
		} else {
			result.LogID = logID
		}
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownBookkeepingTimeout)
	defer cancel()
	if err := r.history.FinishJob(recordCtx, result); err != nil {
		logger.Error("recording job result", "error", err)
	}

	job.FinishedAt = completedAt
	job.Status = statusFor(result.Conclusion)

	logger.Info("job finished",
		"conclusion", result.Conclusion,
		"duration_ms", result.DurationMS)

	return r.readSummary(spec.SummaryPath, logger)
}

// jobEnv assembles the complete command environment, lowest precedence
// first: the runner's env file, the toolchain's variables, the
// declaration's env block (expanded), decrypted secrets, and the
// trigger variables. Trigger variables win over everything, including
// secrets, so a declaration cannot spoof its own build identity. The
// returned plaintexts are for log scrubbing.
func (r *Runner) jobEnv(b *build.Build, job *build.Job, declaration *pipeline.Pipeline, tc *config.ToolchainConfig) (map[string]string, []string, error) {
	env := make(map[string]string)

	if path := r.settings.Runner.EnvFile; path != "" {
		fileVars, err := workspace.LoadEnvFile(path)
		if err != nil {
			return nil, nil, err
		}
		maps.Copy(env, fileVars)
	}
	maps.Copy(env, tc.Env)

	triggerVars := b.Env(job)
	lookup := func(name string) string {
		if value, ok := env[name]; ok {
			return value
		}
		return os.Getenv(name)
	}
	resolved, err := pipeline.ResolveEnv(declaration.Env, triggerVars, lookup)
	if err != nil {
		return nil, nil, err
	}
	maps.Copy(env, resolved)

	var secretValues []string
	if len(declaration.Secrets) > 0 {
		if r.secretKey == nil {
			return nil, nil, errors.New("declaration has secrets but no secret key is configured")
		}
		names := make([]string, 0, len(declaration.Secrets))
		for name := range declaration.Secrets {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			plaintext, err := sealed.Decrypt(declaration.Secrets[name], r.secretKey)
			if err != nil {
				return nil, nil, fmt.Errorf("secret %s: %w", name, err)
			}
			value := plaintext.String()
			plaintext.Close()
			env[name] = value
			secretValues = append(secretValues, value)
		}
	}

	maps.Copy(env, triggerVars)

	return env, secretValues, nil
}

// jobSpec resolves the declaration into the self-contained spec the
// executor consumes and writes it into the workspace's control
// directory.
func (r *Runner) jobSpec(b *build.Build, job *build.Job, declaration *pipeline.Pipeline, tc *config.ToolchainConfig, ws *workspace.Workspace, env map[string]string) (*build.JobSpec, error) {
	provision := make([]string, 0, 1+len(tc.Activate))
	if len(declaration.Packages) > 0 {
		provision = append(provision,
			r.settings.Packages.InstallCommand+" "+strings.Join(declaration.Packages, " "))
	}
	provision = append(provision, tc.Activate...)

	install, err := pipeline.ExpandCommands(declaration.Install, env)
	if err != nil {
		return nil, err
	}
	script, err := pipeline.ExpandCommands(declaration.Script, env)
	if err != nil {
		return nil, err
	}
	afterSuccess, err := pipeline.ExpandCommands(declaration.AfterSuccess, env)
	if err != nil {
		return nil, err
	}
	afterFailure, err := pipeline.ExpandCommands(declaration.AfterFailure, env)
	if err != nil {
		return nil, err
	}

	spec := &build.JobSpec{
		BuildNumber:  b.Number,
		JobIndex:     job.Index,
		Repo:         b.Repo,
		Branch:       b.Branch,
		Commit:       b.Commit,
		Language:     declaration.Language,
		Version:      job.Version,
		WorkspaceDir: ws.BuildDir,
		Env:          env,
		Provision:    provision,
		Install:      install,
		Script:       script,
		AfterSuccess: afterSuccess,
		AfterFailure: afterFailure,
		SummaryPath:  filepath.Join(ws.ControlDir, "summary.md"),
		Timeout:      r.jobTimeout,
		GracePeriod:  r.gracePeriod,
	}
	if len(declaration.Cache) > 0 {
		spec.CacheStoreDir = r.settings.Paths.Cache
		spec.CacheKey = cache.Key(b.Repo, declaration, job.Version)
		spec.CacheDirs = declaration.Cache
	}
	if err := spec.WriteFile(ws.SpecPath()); err != nil {
		return nil, err
	}
	return spec, nil
}

// executorCommand builds the executor invocation: wrapped in bwrap
// with the job profile when sandboxed, direct with a minimal
// environment otherwise. Either way the executor finds its inputs via
// GANTRY_JOB_SPEC and GANTRY_RESULT_PATH.
func (r *Runner) executorCommand(ctx context.Context, ws *workspace.Workspace, spec *build.JobSpec, tc *config.ToolchainConfig, sandboxed bool) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	if sandboxed {
		profile, err := sandbox.JobProfile(sandbox.JobProfileOptions{
			WorkspaceDir:  spec.WorkspaceDir,
			ResultDir:     ws.ControlDir,
			CacheDir:      spec.CacheStoreDir,
			ToolchainPath: tc.Path,
			Environment: map[string]string{
				"GANTRY_JOB_SPEC":    ws.SpecPath(),
				"GANTRY_RESULT_PATH": ws.ResultPath(),
			},
		})
		if err != nil {
			return nil, err
		}

		// The executor binary lives outside the profile's system
		// mounts; bind its directory in.
		executorDir := filepath.Dir(r.executorPath)
		binds := append([]string(nil), r.settings.Sandbox.ExtraBinds...)
		binds = append(binds, fmt.Sprintf("%s:%s:ro", executorDir, executorDir))

		args, err := sandbox.NewBuilder().Build(&sandbox.BuildOptions{
			Profile:    profile,
			ExtraBinds: binds,
			Command:    []string{r.executorPath},
		})
		if err != nil {
			return nil, err
		}
		cmd = exec.CommandContext(ctx, r.sandboxCaps().BwrapPath, args...)
	} else {
		path := os.Getenv("PATH")
		if tc.Path != "" {
			path = tc.Path + ":" + path
		}
		cmd = exec.CommandContext(ctx, r.executorPath)
		cmd.Dir = spec.WorkspaceDir
		cmd.Env = []string{
			"GANTRY_JOB_SPEC=" + ws.SpecPath(),
			"GANTRY_RESULT_PATH=" + ws.ResultPath(),
			"HOME=" + os.Getenv("HOME"),
			"PATH=" + path,
		}
	}

	// SIGTERM first so the executor records the interruption and
	// kills its process group; SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second
	if r.gracePeriod != "" {
		if d, err := time.ParseDuration(r.gracePeriod); err == nil && d > 0 {
			cmd.WaitDelay = d
		}
	}
	return cmd, nil
}

// loadResult reads the executor's result stream. When the stream
// reached its complete event, that result is authoritative; otherwise
// the executor died mid-job and the job's fate is reconstructed from
// the partial stream.
func (r *Runner) loadResult(ws *workspace.Workspace, b *build.Build, job *build.Job, startedAt, completedAt time.Time, runErr error, canceled bool) *build.JobResult {
	events, err := build.ReadResultEvents(ws.ResultPath())
	if err != nil {
		r.logger.Warn("reading result stream",
			"build", b.Number,
			"job", job.Index,
			"error", err)
	}
	if result := build.FinalResult(events); result != nil {
		if err := result.Validate(); err == nil {
			return result
		}
		r.logger.Warn("executor result invalid",
			"build", b.Number,
			"job", job.Index,
			"error", err)
	}

	result := &build.JobResult{
		Version:          build.BuildResultVersion,
		BuildNumber:      b.Number,
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
		result.ErrorMessage = "job interrupted by runner shutdown"
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

// finishJobEarly records a job that never reached the executor. The
// stage names what gave out; it lands in the failed_command column so
// listings show where the job died.
func (r *Runner) finishJobEarly(job *build.Job, b *build.Build, stage string, cause error, conclusion build.Conclusion, startedAt time.Time) {
	completedAt := r.clk.Now()
	result := &build.JobResult{
		Version:          build.BuildResultVersion,
		BuildNumber:      b.Number,
		JobIndex:         job.Index,
		ToolchainVersion: job.Version,
		Conclusion:       conclusion,
		StartedAt:        startedAt.UTC().Format(time.RFC3339Nano),
		CompletedAt:      completedAt.UTC().Format(time.RFC3339Nano),
		DurationMS:       completedAt.Sub(startedAt).Milliseconds(),
		ErrorMessage:     cause.Error(),
	}
	if conclusion != build.ConclusionInterrupted {
		result.FailedCommand = stage
	}

	recordCtx, cancel := context.WithTimeout(context.Background(), shutdownBookkeepingTimeout)
	defer cancel()
	if err := r.history.FinishJob(recordCtx, result); err != nil {
		r.logger.Error("recording job result",
			"build", b.Number,
			"job", job.Index,
			"error", err)
	}

	job.FinishedAt = completedAt
	job.Status = statusFor(conclusion)

	r.logger.Warn("job ended before execution",
		"build", b.Number,
		"job", job.Index,
		"stage", stage,
		"conclusion", conclusion,
		"error", cause)
}

// readSummary loads a job's summary fragment, bounded by
// maxSummaryBytes. Missing file means the commands wrote nothing.
func (r *Runner) readSummary(path string, logger *slog.Logger) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("reading job summary", "error", err)
		}
		return nil
	}
	if len(data) > maxSummaryBytes {
		logger.Warn("job summary truncated",
			"size", len(data),
			"limit", maxSummaryBytes)
		data = data[:maxSummaryBytes]
	}
	return data
}

// writeReport assembles the per-job summary fragments into the build's
// report. Builds whose jobs wrote nothing get no report.
func (r *Runner) writeReport(b *build.Build, summaries [][]byte) {
	sections := make([]report.Section, 0, len(summaries))
	for i, markdown := range summaries {
		if len(markdown) == 0 {
			continue
		}
		sections = append(sections, report.Section{
			Version:  b.Jobs[i].Version,
			Markdown: markdown,
		})
	}
	assembled := report.Assemble(sections)
	if len(assembled) == 0 {
		return
	}
	title := fmt.Sprintf("%s build %d", b.Pipeline, b.Number)
	if err := r.reports.Write(b.Number, title, assembled); err != nil {
		r.logger.Warn("writing build report", "build", b.Number, "error", err)
	}
}

// notifyConclusion announces the finished build on the declaration's
// notification targets.
func (r *Runner) notifyConclusion(ctx context.Context, sb *scheduled) {
	notifier := r.notifierFor(sb.declaration)
	if notifier == nil {
		return
	}
	record, err := r.history.GetBuild(ctx, sb.build.Number)
	if err != nil {
		r.logger.Warn("loading build record for notification",
			"build", sb.build.Number,
			"error", err)
		return
	}
	notifier.BuildFinished(ctx, record)
}

// notifierFor builds a notifier from the runner's credentials and the
// declaration's targets. Returns nil when the declaration names no
// usable target.
func (r *Runner) notifierFor(declaration *pipeline.Pipeline) *notify.Notifier {
	targets := declaration.Notify
	if targets == nil {
		return nil
	}

	cfg := notify.Config{OnlyFailures: r.settings.Notify.OnlyFailures}
	if targets.Slack != "" {
		if r.slackToken == "" {
			r.logger.Warn("declaration names a Slack channel but no Slack token is configured",
				"channel", targets.Slack)
		} else {
			cfg.Slack = &notify.SlackConfig{
				Token:   r.slackToken,
				Channel: targets.Slack,
				APIURL:  r.settings.Notify.SlackAPIURL,
			}
		}
	}
	if len(targets.Email) > 0 {
		smtp := r.settings.Notify.SMTP
		if smtp.Host == "" {
			r.logger.Warn("declaration names email recipients but no SMTP host is configured")
		} else {
			port := smtp.Port
			if port == 0 {
				port = 587
			}
			authType := "none"
			if r.smtpPassword != "" {
				authType = "plain"
			}
			cfg.Email = &notify.EmailConfig{
				Host:     fmt.Sprintf("%s:%d", smtp.Host, port),
				From:     smtp.From,
				To:       targets.Email,
				AuthType: authType,
				User:     smtp.From,
				Password: r.smtpPassword,
			}
		}
	}
	if cfg.Slack == nil && cfg.Email == nil {
		return nil
	}

	notifier, err := notify.New(cfg, r.logger)
	if err != nil {
		r.logger.Warn("building notifier", "error", err)
		return nil
	}
	return notifier
}

// reportStatus publishes a commit status, when a reporter is wired and
// the build has a concrete commit (cron builds of a branch tip do
// not).
func (r *Runner) reportStatus(ctx context.Context, b *build.Build, state, description string) {
	if r.status == nil || b.Commit == "" {
		return
	}
	status := CommitStatus{
		Repo:        b.Repo,
		Commit:      b.Commit,
		State:       state,
		Description: description,
	}
	if base := r.settings.GitHub.ExternalURL; base != "" {
		status.TargetURL = fmt.Sprintf("%s/builds/%d", strings.TrimRight(base, "/"), b.Number)
	}
	if err := r.status.ReportCommitStatus(ctx, status); err != nil {
		r.logger.Warn("reporting commit status",
			"build", b.Number,
			"state", state,
			"error", err)
	}
}

// sandboxCaps probes bubblewrap availability once per process.
func (r *Runner) sandboxCaps() *sandbox.Capabilities {
	r.capsOnce.Do(func() {
		r.caps = sandbox.Detect(r.settings.Sandbox.BwrapPath)
		if r.caps.CanRunSandbox() {
			r.logger.Info("sandbox available",
				"bwrap", r.caps.BwrapPath,
				"version", r.caps.BwrapVersion)
		} else {
			r.logger.Warn("sandbox unavailable", "reason", r.caps.SkipReason())
		}
	})
	return r.caps
}

func statusFor(conclusion build.Conclusion) build.Status {
	switch conclusion {
	case build.ConclusionSuccess:
		return build.StatusSucceeded
	case build.ConclusionInterrupted:
		return build.StatusInterrupted
	default:
		return build.StatusFailed
	}
}

func conclusionFor(ctx context.Context) build.Conclusion {
	if ctx.Err() != nil {
		return build.ConclusionInterrupted
	}
	return build.ConclusionFailure
}
