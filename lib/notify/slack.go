// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackConfig configures the Slack transport. The token is the value,
// not a path; config loading resolves token files before this point.
type SlackConfig struct {
	Token   string
	Channel string

	// APIURL overrides the Slack API endpoint, for tests. Must end
	// with a trailing slash. Empty means the public API.
	APIURL string
}

// SlackSender posts build conclusions to one channel via the Web API.
type SlackSender struct {
	client  *slack.Client
	channel string
}

// NewSlackSender validates the config and builds the API client. No
// network traffic happens until the first Send.
func NewSlackSender(cfg SlackConfig) (*SlackSender, error) {
	if cfg.Token == "" {
		return nil, errors.New("notify: slack token is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("notify: slack channel is required")
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackSender{
		client:  slack.New(cfg.Token, opts...),
		channel: cfg.Channel,
	}, nil
}

func (s *SlackSender) Name() string { return "slack" }

// Send posts the subject with the detail block fenced, so the aligned
// job table survives Slack's proportional font.
func (s *SlackSender) Send(ctx context.Context, message Message) error {
	text := message.Subject
	if message.Body != "" {
		text += "\n```" + message.Body + "```"
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting to %s: %w", s.channel, err)
	}
	return nil
}
