// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gantry-ci/gantry/lib/clock"
	"github.com/gantry-ci/gantry/lib/service"
)

const (
	// maxWebhookBodySize bounds how much of a webhook body is read.
	// GitHub caps payloads at 25 MB; anything larger is hostile.
	maxWebhookBodySize = 32 * 1024 * 1024

	// deduplicationWindow is how long delivery IDs are remembered.
	// GitHub retries failed deliveries for a few minutes, so an hour
	// of memory is comfortable.
	deduplicationWindow = time.Hour
)

// WebhookHandler receives GitHub webhook deliveries, verifies their
// signatures, deduplicates redeliveries, and translates push and
// pull_request payloads into Events.
type WebhookHandler struct {
	secret  []byte
	logger  *slog.Logger
	clk     clock.Clock
	onEvent func(*Event)

	mu   sync.Mutex
	seen map[string]time.Time
}

// WebhookHandlerConfig configures NewWebhookHandler. All fields are
// required.
type WebhookHandlerConfig struct {
	// Secret is the shared HMAC key GitHub signs deliveries with.
	Secret []byte

	// Logger receives delivery diagnostics.
	Logger *slog.Logger

	// Clock drives deduplication expiry and event timestamps.
	Clock clock.Clock

	// OnEvent is invoked once per accepted, translated event.
	OnEvent func(*Event)
}

// NewWebhookHandler constructs a WebhookHandler. Panics if any
// required field is missing.
func NewWebhookHandler(config WebhookHandlerConfig) *WebhookHandler {
	if len(config.Secret) == 0 {
		panic("trigger: WebhookHandlerConfig.Secret is required")
	}
	if config.Logger == nil {
		panic("trigger: WebhookHandlerConfig.Logger is required")
	}
	if config.Clock == nil {
		panic("trigger: WebhookHandlerConfig.Clock is required")
	}
	if config.OnEvent == nil {
		panic("trigger: WebhookHandlerConfig.OnEvent is required")
	}
	return &WebhookHandler{
		secret:  config.Secret,
		logger:  config.Logger,
		clk:     config.Clock,
		onEvent: config.OnEvent,
		seen:    make(map[string]time.Time),
	}
}

// ServeHTTP implements http.Handler for the webhook endpoint.
//
// Responses follow GitHub's retry semantics: 2xx acknowledges the
// delivery, anything else triggers redelivery. Payloads that verify
// but cannot be used (unhandled event types, malformed bodies,
// duplicates) are acknowledged with 200 so GitHub does not retry
// them; only transport-level problems get error statuses.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		h.logger.Error("webhook body read failed", "error", err)
		http.Error(w, "body read failed", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if err := service.VerifyWebhookHMAC(h.secret, body, signature); err != nil {
		h.logger.Warn("webhook signature rejected",
			"remote", r.RemoteAddr,
			"error", err)
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if eventType == "" {
		h.logger.Warn("webhook missing X-GitHub-Event header", "remote", r.RemoteAddr)
		http.Error(w, "missing event type", http.StatusBadRequest)
		return
	}
	if deliveryID != "" && h.isDuplicate(deliveryID) {
		h.logger.Info("webhook delivery duplicate ignored",
			"event", eventType,
			"delivery_id", deliveryID)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "duplicate delivery")
		return
	}

	var event *Event
	switch eventType {
	case "push":
		event, err = h.translatePush(body)
	case "pull_request":
		event, err = h.translatePullRequest(body)
	case "ping":
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "pong")
		return
	default:
		h.logger.Debug("webhook event type unhandled", "event", eventType)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "event type not handled")
		return
	}
	if err != nil {
		h.logger.Warn("webhook translation failed",
			"event", eventType,
			"delivery_id", deliveryID,
			"error", err)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "payload not usable")
		return
	}
	if event == nil {
		// Verified and parsed, but nothing to build: branch
		// deletions, tag pushes, PR actions we do not act on.
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "no build candidate")
		return
	}

	event.DeliveryID = deliveryID
	event.ReceivedAt = h.clk.Now()

	h.logger.Info("webhook event accepted",
		"event", eventType,
		"delivery_id", deliveryID,
		"repo", event.Repo,
		"branch", event.Branch,
		"commit", event.Commit)
	h.onEvent(event)

	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "accepted")
}

// isDuplicate records the delivery ID and reports whether it was
// already seen inside the deduplication window. Expired entries are
// pruned on each check.
func (h *WebhookHandler) isDuplicate(deliveryID string) bool {
	now := h.clk.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, seenAt := range h.seen {
		if now.Sub(seenAt) > deduplicationWindow {
			delete(h.seen, id)
		}
	}

	if _, ok := h.seen[deliveryID]; ok {
		return true
	}
	h.seen[deliveryID] = now
	return false
}

// translatePush converts a push payload into an Event. Returns a nil
// event for pushes that cannot produce a build: branch deletions and
// non-branch refs such as tags.
func (h *WebhookHandler) translatePush(body []byte) (*Event, error) {
	var payload ghPushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing push payload: %w", err)
	}

	branch, ok := strings.CutPrefix(payload.Ref, "refs/heads/")
	if !ok {
		return nil, nil
	}
	if payload.Deleted || payload.After == zeroSHA {
		return nil, nil
	}
	if payload.Repository.FullName == "" {
		return nil, fmt.Errorf("push payload missing repository name")
	}

	return &Event{
		Kind:     KindPush,
		Repo:     payload.Repository.FullName,
		Branch:   branch,
		Commit:   payload.After,
		CloneURL: payload.Repository.CloneURL,
		Sender:   payload.Sender.Login,
	}, nil
}

// translatePullRequest converts a pull_request payload into an Event.
// Only opened, synchronize, and reopened actions produce builds; the
// event's Branch is the base branch so the filter gates on the merge
// target.
func (h *WebhookHandler) translatePullRequest(body []byte) (*Event, error) {
	var payload ghPullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing pull_request payload: %w", err)
	}

	switch payload.Action {
	case "opened", "synchronize", "reopened":
	default:
		return nil, nil
	}
	if payload.Repository.FullName == "" {
		return nil, fmt.Errorf("pull_request payload missing repository name")
	}
	if payload.PullRequest.Base.Ref == "" || payload.PullRequest.Head.SHA == "" {
		return nil, fmt.Errorf("pull_request payload missing base ref or head SHA")
	}

	return &Event{
		Kind:     KindPullRequest,
		Repo:     payload.Repository.FullName,
		Branch:   payload.PullRequest.Base.Ref,
		HeadRef:  payload.PullRequest.Head.Ref,
		Commit:   payload.PullRequest.Head.SHA,
		CloneURL: payload.Repository.CloneURL,
		Number:   payload.Number,
		Sender:   payload.Sender.Login,
	}, nil
}

// zeroSHA is the all-zeros object ID GitHub sends for deleted refs.
const zeroSHA = "0000000000000000000000000000000000000000"
