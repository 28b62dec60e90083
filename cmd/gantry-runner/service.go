// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gantry-ci/gantry/lib/build"
	"github.com/gantry-ci/gantry/lib/clock"
	"github.com/gantry-ci/gantry/lib/history"
	"github.com/gantry-ci/gantry/lib/logstore"
	"github.com/gantry-ci/gantry/lib/report"
	"github.com/gantry-ci/gantry/lib/runner"
	"github.com/gantry-ci/gantry/lib/trigger"
)

// submitTimeout bounds a webhook event's hand-off to the runner. The
// webhook handler acknowledges GitHub only after the hand-off, and
// GitHub abandons deliveries after ten seconds, so a full build queue
// must surface as a lost delivery rather than an ever-open request.
const submitTimeout = 10 * time.Second

// apiConfig wires the daemon's HTTP surface.
type apiConfig struct {
	// Runner accepts submitted events.
	Runner *runner.Runner

	// History serves the build read API.
	History *history.Store

	// Logs serves stored job logs.
	Logs *logstore.Store

	// Reports serves rendered build summary pages.
	Reports *report.Store

	// WebhookSecret is the GitHub HMAC key. Empty leaves the webhook
	// endpoint unrouted.
	WebhookSecret []byte

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger receives request diagnostics.
	Logger *slog.Logger
}

// apiHandler implements the daemon's HTTP endpoints: webhook ingestion
// under /hooks, the JSON build API under /api/v1, and rendered report
// pages under /builds.
type apiHandler struct {
	runner  *runner.Runner
	history *history.Store
	logs    *logstore.Store
	reports *report.Store
	logger  *slog.Logger
}

// newAPIHandler routes the daemon's HTTP surface.
func newAPIHandler(config apiConfig) http.Handler {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	api := &apiHandler{
		runner:  config.Runner,
		history: config.History,
		logs:    config.Logs,
		reports: config.Reports,
		logger:  config.Logger,
	}

	router := chi.NewRouter()
	if len(config.WebhookSecret) > 0 {
		webhook := trigger.NewWebhookHandler(trigger.WebhookHandlerConfig{
			Secret:  config.WebhookSecret,
			Logger:  config.Logger,
			Clock:   clk,
			OnEvent: api.submitWebhookEvent,
		})
		router.Method(http.MethodPost, "/hooks/github", webhook)
	}
	router.Get("/healthz", api.handleHealth)
	router.Get("/api/v1/builds", api.handleListBuilds)
	router.Post("/api/v1/builds", api.handleTriggerBuild)
	router.Get("/api/v1/builds/{number}", api.handleGetBuild)
	router.Get("/api/v1/builds/{number}/jobs/{index}/log", api.handleJobLog)
	router.Get("/builds/{number}", api.handleReportPage)
	return router
}

// submitWebhookEvent hands a verified webhook event to the runner. The
// webhook handler calls this synchronously before acknowledging
// GitHub, so a journaled event is durable by the time GitHub sees the
// 200. Submit failures are logged and the delivery is acknowledged
// anyway; redelivery from the forge UI re-enters it cleanly because
// nothing was journaled.
func (api *apiHandler) submitWebhookEvent(event *trigger.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	number, err := api.runner.Submit(ctx, event)
	if err != nil {
		api.logger.Error("webhook build submission failed",
			"repo", event.Repo,
			"branch", event.Branch,
			"delivery_id", event.DeliveryID,
			"error", err)
		return
	}
	if number == 0 {
		return
	}
	api.logger.Info("webhook build submitted",
		"build", number,
		"repo", event.Repo,
		"branch", event.Branch)
}

func (api *apiHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListBuilds serves GET /api/v1/builds. Query parameters repo,
// branch, and status filter; limit caps the page size.
func (api *apiHandler) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := history.Filter{
		Repo:   query.Get("repo"),
		Branch: query.Get("branch"),
		Status: build.Status(query.Get("status")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	records, err := api.history.ListBuilds(r.Context(), filter)
	if err != nil {
		api.logger.Error("listing builds failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("listing builds failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": records})
}

// triggerRequest is the body of POST /api/v1/builds.
type triggerRequest struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// handleTriggerBuild serves POST /api/v1/builds: an operator-initiated
// build for a configured repository.
func (api *apiHandler) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	var request triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if request.Repo == "" {
		writeError(w, http.StatusBadRequest, errors.New("repo is required"))
		return
	}

	number, err := api.runner.SubmitManual(r.Context(), request.Repo, request.Branch, request.Commit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if number == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"build":   0,
			"message": "event produced no build",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"build": number})
}

// handleGetBuild serves GET /api/v1/builds/{number} with jobs attached.
func (api *apiHandler) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	number, ok := buildNumber(w, r)
	if !ok {
		return
	}
	record, err := api.history.GetBuild(r.Context(), number)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("build %d not found", number))
			return
		}
		api.logger.Error("reading build failed", "build", number, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("reading build failed"))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleJobLog serves GET /api/v1/builds/{number}/jobs/{index}/log as
// plain text.
func (api *apiHandler) handleJobLog(w http.ResponseWriter, r *http.Request) {
	number, ok := buildNumber(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid job index %q", chi.URLParam(r, "index")))
		return
	}

	record, err := api.history.GetBuild(r.Context(), number)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("build %d not found", number))
			return
		}
		api.logger.Error("reading build failed", "build", number, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("reading build failed"))
		return
	}

	var logID string
	for _, job := range record.Jobs {
		if job.Index == index {
			logID = job.LogID
			break
		}
	}
	if logID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("no log for build %d job %d", number, index))
		return
	}

	text, err := api.logs.Get(logID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, fmt.Errorf("no log for build %d job %d", number, index))
			return
		}
		api.logger.Error("reading log failed", "log_id", logID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("reading log failed"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(text)
}

// handleReportPage serves GET /builds/{number}: the rendered summary
// page for a completed build.
func (api *apiHandler) handleReportPage(w http.ResponseWriter, r *http.Request) {
	number, ok := buildNumber(w, r)
	if !ok {
		return
	}
	page, err := api.reports.HTML(number)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, fmt.Errorf("no report for build %d", number))
			return
		}
		api.logger.Error("reading report failed", "build", number, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("reading report failed"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(page)
}

// buildNumber parses the {number} route parameter, writing a 400 on
// failure.
func buildNumber(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "number")
	number, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid build number %q", raw))
		return 0, false
	}
	return number, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
