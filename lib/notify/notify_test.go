// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/history"
)

func finishedBuild(conclusion build.Conclusion) *history.BuildRecord {
	status := build.StatusSucceeded
	if conclusion == build.ConclusionFailure {
		status = build.StatusFailed
	}
	return &history.BuildRecord{
		Number:     42,
		Pipeline:   "vara-ci",
		Repo:       "se-sic/VaRA-Tool-Suite",
		Branch:     "vara",
		Commit:     "0ab7c28fb4f2e2b18b9bbecf22dc86d0d136ced5",
		Event:      "push",
		Status:     status,
		Conclusion: conclusion,
		DurationMS: 180_000,
		Jobs: []history.JobRecord{
			{
				BuildNumber: 42,
				Index:       0,
				Version:     "3.10",
				Status:      build.StatusSucceeded,
				Conclusion:  build.ConclusionSuccess,
				DurationMS:  90_000,
			},
			{
				BuildNumber: 42,
				Index:       1,
				Version:     "3.11",
				Status:      status,
				Conclusion:  conclusion,
				DurationMS:  178_000,
			},
		},
	}
}

func TestBuildMessageSuccess(t *testing.T) {
	message := BuildMessage(finishedBuild(build.ConclusionSuccess))

	wantSubject := "[gantry] vara-ci #42: success (vara)"
	if message.Subject != wantSubject {
		t.Errorf("Subject = %q, want %q", message.Subject, wantSubject)
	}
	for _, want := range []string{
		"repository: se-sic/VaRA-Tool-Suite",
		"commit:     0ab7c28fb4f2",
		"event:      push",
		"duration:   3m0s",
		"3.10",
		"1m30s",
	} {
		if !strings.Contains(message.Body, want) {
			t.Errorf("Body missing %q:\n%s", want, message.Body)
		}
	}
	if strings.Contains(message.Body, "0ab7c28fb4f2e2") {
		t.Errorf("Body carries the full SHA:\n%s", message.Body)
	}
}

func TestBuildMessageFailureShowsFailedCommand(t *testing.T) {
	record := finishedBuild(build.ConclusionFailure)
	record.Jobs[1].FailedCommand = "mypy --strict varats"
	record.Jobs[1].ErrorMessage = "exit status 1"

	message := BuildMessage(record)

	if !strings.Contains(message.Subject, "failure") {
		t.Errorf("Subject = %q, want failure", message.Subject)
	}
	if !strings.Contains(message.Body, "mypy --strict varats (exit status 1)") {
		t.Errorf("Body missing failed command:\n%s", message.Body)
	}
}

func TestBuildMessageUnconcludedJobShowsStatus(t *testing.T) {
	record := finishedBuild(build.ConclusionInterrupted)
	record.Jobs[1].Status = build.StatusPending
	record.Jobs[1].Conclusion = ""
	record.Jobs[1].DurationMS = 0

	message := BuildMessage(record)

	if !strings.Contains(message.Body, "pending") {
		t.Errorf("Body missing job status:\n%s", message.Body)
	}
}

// recordingSender counts attempts and keeps delivered messages.
type recordingSender struct {
	name     string
	err      error
	attempts int
	messages []Message
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) Send(_ context.Context, message Message) error {
	r.attempts++
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, message)
	return nil
}

func TestBuildFinishedContinuesPastFailure(t *testing.T) {
	broken := &recordingSender{name: "slack", err: errors.New("channel_not_found")}
	working := &recordingSender{name: "email"}
	notifier := &Notifier{senders: []Sender{broken, working}}

	notifier.BuildFinished(context.Background(), finishedBuild(build.ConclusionFailure))

	if broken.attempts != 1 {
		t.Errorf("broken sender attempts = %d, want 1", broken.attempts)
	}
	if len(working.messages) != 1 {
		t.Fatalf("working sender deliveries = %d, want 1", len(working.messages))
	}
}

func TestBuildFinishedOnlyFailures(t *testing.T) {
	sender := &recordingSender{name: "slack"}
	notifier := &Notifier{senders: []Sender{sender}, onlyFailures: true}

	notifier.BuildFinished(context.Background(), finishedBuild(build.ConclusionSuccess))
	if sender.attempts != 0 {
		t.Errorf("success notified despite only_failures, attempts = %d", sender.attempts)
	}

	notifier.BuildFinished(context.Background(), finishedBuild(build.ConclusionFailure))
	if sender.attempts != 1 {
		t.Errorf("failure attempts = %d, want 1", sender.attempts)
	}
}

func TestBuildFinishedNilReceiver(t *testing.T) {
	var notifier *Notifier
	notifier.BuildFinished(context.Background(), finishedBuild(build.ConclusionSuccess))
}

func TestNewSlackSenderValidation(t *testing.T) {
	if _, err := NewSlackSender(SlackConfig{Channel: "#ci"}); err == nil {
		t.Error("missing token accepted")
	}
	if _, err := NewSlackSender(SlackConfig{Token: "xoxb-test"}); err == nil {
		t.Error("missing channel accepted")
	}
	sender, err := NewSlackSender(SlackConfig{Token: "xoxb-test", Channel: "#ci"})
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if sender.Name() != "slack" {
		t.Errorf("Name = %q, want slack", sender.Name())
	}
}

func TestNewEmailSenderValidation(t *testing.T) {
	valid := EmailConfig{
		Host: "smtp.example.org:587",
		From: "gantry@example.org",
		To:   []string{"ci@example.org"},
	}

	tests := []struct {
		name    string
		mutate  func(*EmailConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*EmailConfig) {}},
		{name: "missing host", mutate: func(c *EmailConfig) { c.Host = "" }, wantErr: true},
		{name: "missing from", mutate: func(c *EmailConfig) { c.From = "" }, wantErr: true},
		{name: "no recipients", mutate: func(c *EmailConfig) { c.To = nil }, wantErr: true},
		{name: "plain auth without user", mutate: func(c *EmailConfig) { c.AuthType = "plain" }, wantErr: true},
		{name: "plain auth with user", mutate: func(c *EmailConfig) {
			c.AuthType = "plain"
			c.User = "gantry"
			c.Password = "hunter2"
		}},
		{name: "unknown auth type", mutate: func(c *EmailConfig) { c.AuthType = "oauth" }, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid
			cfg.To = append([]string(nil), valid.To...)
			test.mutate(&cfg)
			_, err := NewEmailSender(cfg)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Errorf("NewEmailSender error = %v, wantErr %v", err, test.wantErr)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, ""},
		{-5, ""},
		{90_000, "1m30s"},
		{180_000, "3m0s"},
		{500, "1s"},
	}
	for _, test := range tests {
		if got := formatDuration(test.ms); got != test.want {
			t.Errorf("formatDuration(%d) = %q, want %q", test.ms, got, test.want)
		}
	}
}
