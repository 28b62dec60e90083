// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

// EmailConfig configures the SMTP transport.
type EmailConfig struct {
	// Host is the SMTP host with optional port, host[:port].
	Host string

	// From is the sender address. The display name is fixed.
	From string

	// To lists the recipient addresses.
	To []string

	// AuthType is "none" (default) or "plain".
	AuthType string

	// User and Password authenticate when AuthType is "plain".
	User     string
	Password string
}

// EmailSender mails build conclusions as plain text.
type EmailSender struct {
	cfg EmailConfig
}

func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("notify: smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("notify: email from address is required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("notify: email needs at least one recipient")
	}
	switch cfg.AuthType {
	case "", "none":
	case "plain":
		if cfg.User == "" {
			return nil, errors.New("notify: plain SMTP auth needs a user")
		}
	default:
		return nil, fmt.Errorf("notify: unknown smtp auth type %q", cfg.AuthType)
	}
	return &EmailSender{cfg: cfg}, nil
}

func (s *EmailSender) Name() string { return "email" }

// Send mails the message. The underlying SMTP client has no context
// support, so cancellation is only honored before the dial.
func (s *EmailSender) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Gantry <%s>", s.cfg.From)
	mail.To = s.cfg.To
	mail.Subject = message.Subject
	mail.Text = []byte(message.Body + "\n")

	var auth smtp.Auth
	if s.cfg.AuthType == "plain" {
		host := strings.Split(s.cfg.Host, ":")[0]
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, host)
	}
	if err := mail.Send(s.cfg.Host, auth); err != nil {
		return fmt.Errorf("sending to %s: %w", strings.Join(s.cfg.To, ", "), err)
	}
	return nil
}
