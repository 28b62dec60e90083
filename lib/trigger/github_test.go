// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gantry-ci/gantry/lib/clock"
)

const testWebhookSecret = "test-secret-for-hmac"

// signPayload computes the HMAC-SHA256 signature for a webhook body.
func signPayload(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// testHandler wraps a WebhookHandler and collects dispatched events.
type testHandler struct {
	handler *WebhookHandler
	clk     *clock.FakeClock
	mu      sync.Mutex
	events  []*Event
}

func newTestHandler() *testHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	th := &testHandler{
		clk: clock.Fake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
	}
	th.handler = NewWebhookHandler(WebhookHandlerConfig{
		Secret: []byte(testWebhookSecret),
		Logger: logger,
		Clock:  th.clk,
		OnEvent: func(event *Event) {
			th.mu.Lock()
			defer th.mu.Unlock()
			th.events = append(th.events, event)
		},
	})
	return th
}

func (th *testHandler) deliver(t *testing.T, eventType, deliveryID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(string(body)))
	request.Header.Set("X-Hub-Signature-256", signPayload([]byte(testWebhookSecret), body))
	request.Header.Set("X-GitHub-Event", eventType)
	if deliveryID != "" {
		request.Header.Set("X-GitHub-Delivery", deliveryID)
	}
	recorder := httptest.NewRecorder()
	th.handler.ServeHTTP(recorder, request)
	return recorder
}

func (th *testHandler) lastEvent() *Event {
	th.mu.Lock()
	defer th.mu.Unlock()
	if len(th.events) == 0 {
		return nil
	}
	return th.events[len(th.events)-1]
}

func (th *testHandler) eventCount() int {
	th.mu.Lock()
	defer th.mu.Unlock()
	return len(th.events)
}

func mustMarshal(t *testing.T, value any) []byte {
	t.Helper()
	body, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	return body
}

func buildPushPayload(t *testing.T, ref string) []byte {
	t.Helper()
	return mustMarshal(t, ghPushPayload{
		Ref:   ref,
		After: "abc123def456abc123def456abc123def456abcd",
		Repository: ghRepository{
			FullName: "se-sic/VaRA-Tool-Suite",
			CloneURL: "https://github.com/se-sic/VaRA-Tool-Suite.git",
		},
		Sender: ghSender{Login: "octocat"},
	})
}

func buildPullRequestPayload(t *testing.T, action, baseRef string) []byte {
	t.Helper()
	return mustMarshal(t, ghPullRequestPayload{
		Action: action,
		Number: 42,
		PullRequest: ghPR{
			Base: ghPRRef{Ref: baseRef, SHA: "base000"},
			Head: ghPRRef{Ref: "feature/sampling", SHA: "head111head111head111head111head111head1"},
		},
		Repository: ghRepository{
			FullName: "se-sic/VaRA-Tool-Suite",
			CloneURL: "https://github.com/se-sic/VaRA-Tool-Suite.git",
		},
		Sender: ghSender{Login: "octocat"},
	})
}

// --- HTTP method enforcement ---

func TestWebhookRejectsNonPOST(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	methods := []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch}
	for _, method := range methods {
		request := httptest.NewRequest(method, "/hooks/github", nil)
		recorder := httptest.NewRecorder()
		handler.handler.ServeHTTP(recorder, request)

		if recorder.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want %d", method, recorder.Code, http.StatusMethodNotAllowed)
		}
	}
}

// --- HMAC signature verification ---

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	body := buildPushPayload(t, "refs/heads/vara")
	request := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(string(body)))
	request.Header.Set("X-Hub-Signature-256", "sha256="+strings.Repeat("ab", 32))
	request.Header.Set("X-GitHub-Event", "push")
	recorder := httptest.NewRecorder()
	handler.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if handler.eventCount() != 0 {
		t.Errorf("unsigned delivery produced %d events", handler.eventCount())
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	body := buildPushPayload(t, "refs/heads/vara")
	request := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(string(body)))
	request.Header.Set("X-GitHub-Event", "push")
	recorder := httptest.NewRecorder()
	handler.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
}

func TestWebhookRejectsMissingEventType(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	body := buildPushPayload(t, "refs/heads/vara")
	request := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(string(body)))
	request.Header.Set("X-Hub-Signature-256", signPayload([]byte(testWebhookSecret), body))
	// No X-GitHub-Event header.
	recorder := httptest.NewRecorder()
	handler.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", recorder.Code, http.StatusBadRequest)
	}
}

// --- Delivery deduplication ---

func TestWebhookDeduplicatesDeliveries(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	body := buildPushPayload(t, "refs/heads/vara")

	recorder1 := handler.deliver(t, "push", "delivery-abc-123", body)
	if recorder1.Code != http.StatusOK {
		t.Fatalf("first delivery: status = %d, want %d", recorder1.Code, http.StatusOK)
	}
	if handler.eventCount() != 1 {
		t.Fatalf("first delivery: event count = %d, want 1", handler.eventCount())
	}

	// Redelivery with the same ID is acknowledged but not dispatched.
	recorder2 := handler.deliver(t, "push", "delivery-abc-123", body)
	if recorder2.Code != http.StatusOK {
		t.Errorf("duplicate delivery: status = %d, want %d", recorder2.Code, http.StatusOK)
	}
	if handler.eventCount() != 1 {
		t.Errorf("duplicate delivery: event count = %d, want 1", handler.eventCount())
	}
}

func TestWebhookDeduplicationExpires(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	body := buildPushPayload(t, "refs/heads/vara")

	handler.deliver(t, "push", "delivery-xyz", body)
	if handler.eventCount() != 1 {
		t.Fatalf("event count = %d, want 1", handler.eventCount())
	}

	// After the window passes, the same delivery ID dispatches again.
	handler.clk.Advance(deduplicationWindow + time.Minute)
	handler.deliver(t, "push", "delivery-xyz", body)
	if handler.eventCount() != 2 {
		t.Errorf("event count after expiry = %d, want 2", handler.eventCount())
	}
}

// --- Ping event ---

func TestWebhookPingReturnsOK(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	body := []byte(`{"zen":"Keep it logically awesome."}`)
	recorder := handler.deliver(t, "ping", "ping-001", body)

	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	if handler.eventCount() != 0 {
		t.Errorf("ping should not produce events, got %d", handler.eventCount())
	}
}

// --- Push event translation ---

func TestWebhookTranslatePush(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	recorder := handler.deliver(t, "push", "push-001", buildPushPayload(t, "refs/heads/vara"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}

	event := handler.lastEvent()
	if event == nil {
		t.Fatal("no event produced")
	}
	if event.Kind != KindPush {
		t.Errorf("kind = %q, want %q", event.Kind, KindPush)
	}
	if event.Repo != "se-sic/VaRA-Tool-Suite" {
		t.Errorf("repo = %q, want %q", event.Repo, "se-sic/VaRA-Tool-Suite")
	}
	if event.Branch != "vara" {
		t.Errorf("branch = %q, want %q (refs/heads/ prefix stripped)", event.Branch, "vara")
	}
	if event.Commit != "abc123def456abc123def456abc123def456abcd" {
		t.Errorf("commit = %q", event.Commit)
	}
	if event.CloneURL != "https://github.com/se-sic/VaRA-Tool-Suite.git" {
		t.Errorf("clone URL = %q", event.CloneURL)
	}
	if event.Sender != "octocat" {
		t.Errorf("sender = %q, want %q", event.Sender, "octocat")
	}
	if event.DeliveryID != "push-001" {
		t.Errorf("delivery ID = %q, want %q", event.DeliveryID, "push-001")
	}
	if event.ReceivedAt.IsZero() {
		t.Error("ReceivedAt is zero")
	}
}

func TestWebhookIgnoresTagPush(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	recorder := handler.deliver(t, "push", "tag-001", buildPushPayload(t, "refs/tags/v1.0.0"))
	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	if handler.eventCount() != 0 {
		t.Errorf("tag push produced %d events, want 0", handler.eventCount())
	}
}

func TestWebhookIgnoresBranchDeletion(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	body := mustMarshal(t, ghPushPayload{
		Ref:     "refs/heads/vara-dev",
		After:   zeroSHA,
		Deleted: true,
		Repository: ghRepository{
			FullName: "se-sic/VaRA-Tool-Suite",
			CloneURL: "https://github.com/se-sic/VaRA-Tool-Suite.git",
		},
		Sender: ghSender{Login: "octocat"},
	})
	recorder := handler.deliver(t, "push", "del-001", body)
	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	if handler.eventCount() != 0 {
		t.Errorf("branch deletion produced %d events, want 0", handler.eventCount())
	}
}

// --- Pull request event translation ---

func TestWebhookTranslatePullRequest(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	recorder := handler.deliver(t, "pull_request", "pr-001", buildPullRequestPayload(t, "opened", "vara"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
	}

	event := handler.lastEvent()
	if event == nil {
		t.Fatal("no event produced")
	}
	if event.Kind != KindPullRequest {
		t.Errorf("kind = %q, want %q", event.Kind, KindPullRequest)
	}
	if event.Branch != "vara" {
		t.Errorf("branch = %q, want base branch %q", event.Branch, "vara")
	}
	if event.HeadRef != "feature/sampling" {
		t.Errorf("head ref = %q, want %q", event.HeadRef, "feature/sampling")
	}
	if event.Commit != "head111head111head111head111head111head1" {
		t.Errorf("commit = %q, want head SHA", event.Commit)
	}
	if event.Number != 42 {
		t.Errorf("number = %d, want 42", event.Number)
	}
}

func TestWebhookPullRequestActions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		action    string
		wantEvent bool
	}{
		{"opened", true},
		{"synchronize", true},
		{"reopened", true},
		{"closed", false},
		{"labeled", false},
		{"assigned", false},
		{"edited", false},
	}

	for _, test := range tests {
		t.Run(test.action, func(t *testing.T) {
			t.Parallel()
			handler := newTestHandler()
			recorder := handler.deliver(t, "pull_request", "pr-"+test.action, buildPullRequestPayload(t, test.action, "vara"))
			if recorder.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", recorder.Code, http.StatusOK)
			}
			gotEvent := handler.eventCount() == 1
			if gotEvent != test.wantEvent {
				t.Errorf("action %q: event dispatched = %v, want %v", test.action, gotEvent, test.wantEvent)
			}
		})
	}
}

// --- Unhandled and malformed payloads ---

func TestWebhookUnhandledEventType(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	recorder := handler.deliver(t, "issues", "issue-001", []byte(`{"action":"opened"}`))
	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", recorder.Code, http.StatusOK)
	}
	if handler.eventCount() != 0 {
		t.Errorf("unhandled event type produced %d events", handler.eventCount())
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	t.Parallel()
	handler := newTestHandler()

	recorder := handler.deliver(t, "push", "bad-001", []byte(`{not json`))
	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want %d (acknowledge so GitHub does not retry)", recorder.Code, http.StatusOK)
	}
	if handler.eventCount() != 0 {
		t.Errorf("malformed payload produced %d events", handler.eventCount())
	}
}
