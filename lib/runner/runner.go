// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner is the orchestration core of the Gantry daemon. It
// accepts trigger events, expands them into builds against the
// repository's pipeline declaration, runs the matrix jobs through the
// executor, and records everything: history rows, stored logs, summary
// reports, commit statuses, notifications.
//
// Lifecycle guarantees:
//
//   - An accepted delivery is journaled before its build is visible
//     anywhere else, so a crash between acceptance and scheduling
//     cannot make a redelivery build twice.
//   - Every running build has an interruption marker on disk; startup
//     recovery turns leftover markers and unfinished history rows into
//     interrupted conclusions instead of builds stuck "running"
//     forever.
//   - Jobs of one build run concurrently, bounded by the configured
//     parallelism across all builds. One job's failure never cancels a
//     sibling.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/clock"
	"github.com/gantry-ci/gantry/lib/config"
	"github.com/gantry-ci/gantry/lib/cron"
	"github.com/gantry-ci/gantry/lib/history"
	"github.com/gantry-ci/gantry/lib/journal"
	"github.com/gantry-ci/gantry/lib/logstore"
	"github.com/gantry-ci/gantry/lib/pipeline"
	"github.com/gantry-ci/gantry/lib/report"
	"github.com/gantry-ci/gantry/lib/sandbox"
	"github.com/gantry-ci/gantry/lib/secret"
	"github.com/gantry-ci/gantry/lib/trigger"
	"github.com/gantry-ci/gantry/lib/watchdog"
	"github.com/gantry-ci/gantry/lib/workspace"
)

const (
	// queueCapacity bounds accepted-but-not-started builds. A full
	// queue applies backpressure to Submit rather than dropping.
	queueCapacity = 256

	// cronTickInterval is how often schedules are checked. Cron
	// expressions have minute granularity, so one check per minute is
	// exact enough.
	cronTickInterval = time.Minute

	// shutdownBookkeepingTimeout bounds the terminal writes of a build
	// (history, report, notification, status) once the run context is
	// canceled.
	shutdownBookkeepingTimeout = time.Minute
)

// CommitStatus is one status update for a commit on the forge.
type CommitStatus struct {
	// Repo is the owner/name pair.
	Repo string

	// Commit is the SHA the status attaches to.
	Commit string

	// State is pending, success, failure, or error.
	State string

	// Description is the short human-readable line shown next to the
	// check.
	Description string

	// TargetURL links the status to the build page, when the runner
	// has a public URL.
	TargetURL string
}

// StatusReporter publishes build state to the forge. Implementations
// must be safe for concurrent use. Report failures are logged and
// swallowed; they never affect the build.
type StatusReporter interface {
	ReportCommitStatus(ctx context.Context, status CommitStatus) error
}

// Config wires a Runner. Settings and all stores are required;
// Status, SecretKey, and the notification credentials are optional.
type Config struct {
	// Settings is the loaded and validated runner configuration.
	Settings *config.Config

	// History is the build history database.
	History *history.Store

	// Journal is the durable delivery journal.
	Journal *journal.Journal

	// Markers is the interruption marker store.
	Markers *watchdog.Store

	// Logs stores compressed job logs.
	Logs *logstore.Store

	// Reports stores rendered build summaries.
	Reports *report.Store

	// Workspaces manages per-job working directories.
	Workspaces *workspace.Manager

	// ExecutorPath is the gantry-executor binary jobs are run
	// through.
	ExecutorPath string

	// Status reports build state to the forge. Nil disables commit
	// statuses.
	Status StatusReporter

	// SecretKey is the age identity for decrypting declaration
	// secrets. Nil fails jobs whose declarations carry secrets.
	SecretKey *secret.Buffer

	// CloneToken authenticates https clones when set.
	CloneToken string

	// SlackToken is the resolved Slack bot token for notifications.
	SlackToken string

	// SMTPPassword is the resolved SMTP password for conclusion mail.
	SMTPPassword string

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a no-op logger.
	Logger *slog.Logger
}

// Runner schedules and executes builds. Construct with New, then call
// Run; Submit may be called concurrently once New returns.
type Runner struct {
	settings     *config.Config
	history      *history.Store
	journal      *journal.Journal
	markers      *watchdog.Store
	logs         *logstore.Store
	reports      *report.Store
	workspaces   *workspace.Manager
	executorPath string
	status       StatusReporter
	secretKey    *secret.Buffer
	cloneToken   string
	slackToken   string
	smtpPassword string
	clk          clock.Clock
	logger       *slog.Logger

	jobTimeout  string
	gracePeriod string

	counter atomic.Int64
	queue   chan *scheduled
	sem     chan struct{}
	builds  sync.WaitGroup

	capsOnce sync.Once
	caps     *sandbox.Capabilities
}

// scheduled pairs an accepted build with the declaration it was
// expanded from, so jobs run against the exact bytes that were gated.
type scheduled struct {
	build       *build.Build
	declaration *pipeline.Pipeline
}

// New validates the wiring and seeds the build counter from history.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("runner: Config.Settings is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("runner: Config.History is required")
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("runner: Config.Journal is required")
	}
	if cfg.Markers == nil {
		return nil, fmt.Errorf("runner: Config.Markers is required")
	}
	if cfg.Logs == nil {
		return nil, fmt.Errorf("runner: Config.Logs is required")
	}
	if cfg.Reports == nil {
		return nil, fmt.Errorf("runner: Config.Reports is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("runner: Config.Workspaces is required")
	}
	if cfg.ExecutorPath == "" {
		return nil, fmt.Errorf("runner: Config.ExecutorPath is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	parallelism := cfg.Settings.Runner.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	r := &Runner{
		settings:     cfg.Settings,
		history:      cfg.History,
		journal:      cfg.Journal,
		markers:      cfg.Markers,
		logs:         cfg.Logs,
		reports:      cfg.Reports,
		workspaces:   cfg.Workspaces,
		executorPath: cfg.ExecutorPath,
		status:       cfg.Status,
		secretKey:    cfg.SecretKey,
		cloneToken:   cfg.CloneToken,
		slackToken:   cfg.SlackToken,
		smtpPassword: cfg.SMTPPassword,
		clk:          clk,
		logger:       logger,
		jobTimeout:   cfg.Settings.Runner.JobTimeout,
		gracePeriod:  cfg.Settings.Runner.GracePeriod,
		queue:        make(chan *scheduled, queueCapacity),
		sem:          make(chan struct{}, parallelism),
	}

	last, err := cfg.History.LastBuildNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("runner: seeding build counter: %w", err)
	}
	r.counter.Store(last)

	return r, nil
}

// Submit accepts a trigger event. It gates the event against the
// repository's declaration, journals the delivery, records the build,
// and enqueues it for execution. Returns the build number, or zero
// with a nil error when the event legitimately produces no build
// (duplicate delivery, branch excluded by the filter).
func (r *Runner) Submit(ctx context.Context, event *trigger.Event) (int64, error) {
	if issues := event.Validate(); len(issues) > 0 {
		return 0, fmt.Errorf("runner: invalid event: %s", strings.Join(issues, "; "))
	}
	if event.DeliveryID != "" && r.journal.Seen(event.DeliveryID) {
		r.logger.Info("delivery already journaled, skipping",
			"delivery_id", event.DeliveryID,
			"repo", event.Repo)
		return 0, nil
	}

	ref := r.settings.Pipeline(event.Repo)
	if ref == nil {
		return 0, fmt.Errorf("runner: no pipeline configured for %s", event.Repo)
	}
	if event.CloneURL == "" {
		event.CloneURL = ref.CloneURL
	}

	declaration, err := pipeline.ReadFile(ref.File)
	if err != nil {
		return 0, fmt.Errorf("runner: %w", err)
	}
	if issues := pipeline.Validate(declaration); len(issues) > 0 {
		return 0, fmt.Errorf("runner: declaration %s: %s", ref.File, strings.Join(issues, "; "))
	}

	decision := trigger.Evaluate(declaration.Branches, event)
	if !decision.Run {
		r.logger.Info("event produced no build",
			"repo", event.Repo,
			"branch", event.Branch,
			"reason", decision.Reason)
		return 0, nil
	}
	if event.CloneURL == "" {
		return 0, fmt.Errorf("runner: no clone URL for %s: set pipelines.clone_url", event.Repo)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = r.clk.Now()
	}

	number := r.counter.Add(1)
	b := build.New(number, pipeline.NameFromPath(ref.File), declaration, event, r.clk.Now())

	// Journal before anything else is visible: replay protection must
	// survive a crash between acceptance and scheduling.
	entry := journal.Entry{Event: *event, BuildNumber: number, AcceptedAt: b.CreatedAt}
	if err := r.journal.Append(entry); err != nil {
		return 0, fmt.Errorf("runner: journaling delivery: %w", err)
	}
	if err := r.history.RecordBuild(ctx, b); err != nil {
		return 0, fmt.Errorf("runner: recording build %d: %w", number, err)
	}

	r.logger.Info("build accepted",
		"build", number,
		"pipeline", b.Pipeline,
		"repo", b.Repo,
		"branch", b.Branch,
		"commit", b.Commit,
		"event", b.Event,
		"jobs", len(b.Jobs))

	select {
	case r.queue <- &scheduled{build: b, declaration: declaration}:
	case <-ctx.Done():
		// Recorded but never scheduled: the next startup sweep
		// concludes it interrupted.
		return number, ctx.Err()
	}
	return number, nil
}

// SubmitManual submits an operator-initiated build for a configured
// repository. An empty branch resolves the way cron firing does: the
// pipeline's configured branch, then the first entry of the
// declaration's branches.only list. Commit may be empty; the checkout
// then builds the branch head.
func (r *Runner) SubmitManual(ctx context.Context, repo, branch, commit string) (int64, error) {
	ref := r.settings.Pipeline(repo)
	if ref == nil {
		return 0, fmt.Errorf("runner: no pipeline configured for %s", repo)
	}
	if branch == "" {
		branch = ref.Branch
	}
	if branch == "" {
		declaration, err := pipeline.ReadFile(ref.File)
		if err != nil {
			return 0, fmt.Errorf("runner: %w", err)
		}
		if declaration.Branches != nil && len(declaration.Branches.Only) > 0 {
			branch = declaration.Branches.Only[0]
		}
	}
	if branch == "" {
		return 0, fmt.Errorf("runner: no target branch for %s: pass one or set pipelines.branch", repo)
	}

	event := &trigger.Event{
		Kind:       trigger.KindManual,
		Repo:       repo,
		Branch:     branch,
		Commit:     commit,
		CloneURL:   ref.CloneURL,
		ReceivedAt: r.clk.Now(),
	}
	return r.Submit(ctx, event)
}

// Run recovers interrupted state, starts the cron scheduler, and
// dispatches queued builds until ctx is canceled. In-flight builds are
// given time to record their interruption before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.recoverInterrupted(ctx); err != nil {
		return err
	}

	var cronDone sync.WaitGroup
	cronDone.Add(1)
	go func() {
		defer cronDone.Done()
		r.cronLoop(ctx)
	}()

	r.logger.Info("runner started",
		"parallelism", cap(r.sem),
		"pipelines", len(r.settings.Pipelines))

	for {
		select {
		case <-ctx.Done():
			cronDone.Wait()
			r.builds.Wait()
			r.logger.Info("runner stopped")
			return nil
		case sb := <-r.queue:
			r.builds.Add(1)
			go func() {
				defer r.builds.Done()
				r.runBuild(ctx, sb)
			}()
		}
	}
}

// recoverInterrupted sweeps the traces of a previous runner process:
// interruption markers for builds that were executing, then history
// rows still pending or running (accepted builds that never started
// leave no marker). Order matters; a marker's build is terminal by the
// time the history sweep runs, so it is not marked twice.
func (r *Runner) recoverInterrupted(ctx context.Context) error {
	now := r.clk.Now()

	markers, err := r.markers.List()
	if err != nil {
		// List returns the readable markers alongside the error.
		r.logger.Warn("some interruption markers are unreadable", "error", err)
	}
	for _, marker := range markers {
		r.logger.Warn("recovering interrupted build",
			"build", marker.BuildNumber,
			"pipeline", marker.Pipeline,
			"repo", marker.Repo,
			"started_at", marker.StartedAt)
		if err := r.history.MarkInterrupted(ctx, marker.BuildNumber, now); err != nil {
			return fmt.Errorf("runner: recovery: %w", err)
		}
		if err := r.markers.Clear(marker.BuildNumber); err != nil {
			r.logger.Warn("clearing interruption marker",
				"build", marker.BuildNumber,
				"error", err)
		}
	}

	numbers, err := r.history.UnfinishedBuilds(ctx)
	if err != nil {
		return fmt.Errorf("runner: recovery: %w", err)
	}
	for _, number := range numbers {
		r.logger.Warn("recovering unfinished build", "build", number)
		if err := r.history.MarkInterrupted(ctx, number, now); err != nil {
			return fmt.Errorf("runner: recovery: %w", err)
		}
	}
	return nil
}

// cronLoop checks every pipeline's cron schedule once a minute and
// submits cron events when a schedule comes due. Schedules are read
// fresh from the declaration files each tick, so edits take effect
// without a restart.
func (r *Runner) cronLoop(ctx context.Context) {
	ticker := r.clk.NewTicker(cronTickInterval)
	defer ticker.Stop()

	// nextRuns maps repo to the next due time. Entries are created on
	// first sight of a schedule and advanced after each firing; a due
	// time in the past before the entry exists does not fire, so a
	// restart does not replay missed schedules.
	nextRuns := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkSchedules(ctx, nextRuns)
		}
	}
}

func (r *Runner) checkSchedules(ctx context.Context, nextRuns map[string]time.Time) {
	now := r.clk.Now()

	for i := range r.settings.Pipelines {
		ref := &r.settings.Pipelines[i]

		declaration, err := pipeline.ReadFile(ref.File)
		if err != nil {
			r.logger.Debug("cron check: declaration unreadable",
				"repo", ref.Repo,
				"error", err)
			continue
		}
		if declaration.Cron == "" {
			delete(nextRuns, ref.Repo)
			continue
		}

		schedule, err := cron.Parse(declaration.Cron)
		if err != nil {
			r.logger.Debug("cron check: bad expression",
				"repo", ref.Repo,
				"cron", declaration.Cron,
				"error", err)
			continue
		}

		next, tracked := nextRuns[ref.Repo]
		if !tracked {
			if next, err = schedule.Next(now); err == nil {
				nextRuns[ref.Repo] = next
			}
			continue
		}
		if now.Before(next) {
			continue
		}

		r.fireCron(ctx, ref, declaration)
		if next, err = schedule.Next(now); err == nil {
			nextRuns[ref.Repo] = next
		}
	}
}

// fireCron submits a scheduled build for the pipeline's target branch.
func (r *Runner) fireCron(ctx context.Context, ref *config.PipelineRef, declaration *pipeline.Pipeline) {
	branch := ref.Branch
	if branch == "" && declaration.Branches != nil && len(declaration.Branches.Only) > 0 {
		branch = declaration.Branches.Only[0]
	}
	if branch == "" {
		r.logger.Warn("cron schedule has no target branch",
			"repo", ref.Repo,
			"hint", "set pipelines.branch or a branches.only list")
		return
	}

	event := &trigger.Event{
		Kind:       trigger.KindCron,
		Repo:       ref.Repo,
		Branch:     branch,
		CloneURL:   ref.CloneURL,
		ReceivedAt: r.clk.Now(),
	}
	number, err := r.Submit(ctx, event)
	if err != nil {
		r.logger.Warn("cron build submission failed",
			"repo", ref.Repo,
			"branch", branch,
			"error", err)
		return
	}
	r.logger.Info("cron build fired",
		"repo", ref.Repo,
		"branch", branch,
		"build", number)
}
