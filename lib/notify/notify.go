// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers build conclusions to operators.
//
// Delivery is best-effort by contract: a notification failure is logged
// and never changes a build's conclusion or blocks the runner. The
// runner calls BuildFinished after history has the final record, so a
// lost notification loses nothing but the ping.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/history"
)

// Message is the transport-independent notification content.
type Message struct {
	// Subject is the one-line summary. Email subject, first Slack line.
	Subject string

	// Body is a plain-text detail block: repository, trigger, and
	// per-job outcomes.
	Body string
}

// Sender delivers one message over one transport.
type Sender interface {
	// Name identifies the transport in failure logs.
	Name() string

	Send(ctx context.Context, message Message) error
}

// Config selects transports and the delivery policy. A nil transport
// config disables that transport.
type Config struct {
	// OnlyFailures suppresses notifications for successful builds.
	// Failed and interrupted builds always notify.
	OnlyFailures bool

	Slack *SlackConfig
	Email *EmailConfig
}

// Notifier fans build conclusions out to the configured transports.
type Notifier struct {
	senders      []Sender
	onlyFailures bool
	logger       *slog.Logger
}

// New builds a Notifier from config. Transport configs are validated
// here so a bad token or address list fails at runner startup, not at
// the first finished build.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	notifier := &Notifier{
		onlyFailures: cfg.OnlyFailures,
		logger:       logger,
	}
	if cfg.Slack != nil {
		sender, err := NewSlackSender(*cfg.Slack)
		if err != nil {
			return nil, err
		}
		notifier.senders = append(notifier.senders, sender)
	}
	if cfg.Email != nil {
		sender, err := NewEmailSender(*cfg.Email)
		if err != nil {
			return nil, err
		}
		notifier.senders = append(notifier.senders, sender)
	}
	return notifier, nil
}

// BuildFinished notifies every transport about a completed build. Safe
// on a nil receiver so an unconfigured runner can skip the nil checks.
// Transport failures are logged and swallowed.
func (n *Notifier) BuildFinished(ctx context.Context, record *history.BuildRecord) {
	if n == nil || len(n.senders) == 0 {
		return
	}
	if n.onlyFailures && record.Conclusion == build.ConclusionSuccess {
		return
	}

	message := BuildMessage(record)
	for _, sender := range n.senders {
		if err := sender.Send(ctx, message); err != nil {
			n.logger.Warn("notification failed",
				"transport", sender.Name(),
				"build", record.Number,
				"error", err)
			continue
		}
		n.logger.Debug("notification sent",
			"transport", sender.Name(),
			"build", record.Number)
	}
}

// BuildMessage formats a finished build for delivery. The job table
// carries the conclusion per interpreter version and, for failures, the
// command that broke the run.
func BuildMessage(record *history.BuildRecord) Message {
	subject := fmt.Sprintf("[gantry] %s #%d: %s (%s)",
		record.Pipeline, record.Number, outcome(record.Status, record.Conclusion), record.Branch)

	var body strings.Builder
	fmt.Fprintf(&body, "repository: %s\n", record.Repo)
	fmt.Fprintf(&body, "branch:     %s\n", record.Branch)
	if record.Commit != "" {
		fmt.Fprintf(&body, "commit:     %s\n", shortSHA(record.Commit))
	}
	fmt.Fprintf(&body, "event:      %s\n", record.Event)
	if duration := formatDuration(record.DurationMS); duration != "" {
		fmt.Fprintf(&body, "duration:   %s\n", duration)
	}

	if len(record.Jobs) > 0 {
		body.WriteString("\njobs:\n")
		for _, job := range record.Jobs {
			fmt.Fprintf(&body, "  %-10s %-12s %s\n",
				job.Version, outcome(job.Status, job.Conclusion), jobDetail(job))
		}
	}
	return Message{Subject: subject, Body: strings.TrimRight(body.String(), "\n")}
}

// outcome prefers the conclusion; an interrupted build can leave jobs
// that never reached one, and those show their last status.
func outcome(status build.Status, conclusion build.Conclusion) string {
	if conclusion != "" {
		return string(conclusion)
	}
	return string(status)
}

func jobDetail(job history.JobRecord) string {
	if job.FailedCommand != "" {
		detail := job.FailedCommand
		if job.ErrorMessage != "" {
			detail += " (" + job.ErrorMessage + ")"
		}
		return detail
	}
	return formatDuration(job.DurationMS)
}

func shortSHA(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

func formatDuration(durationMS int64) string {
	if durationMS <= 0 {
		return ""
	}
	return (time.Duration(durationMS) * time.Millisecond).Round(time.Second).String()
}
