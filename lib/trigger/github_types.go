// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

// Wire types for the GitHub webhook payloads Gantry consumes. Only
// the fields the translation layer reads are declared; the decoder
// ignores the rest of the payload.

type ghRepository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

type ghSender struct {
	Login string `json:"login"`
}

// ghPushPayload is the push event body.
type ghPushPayload struct {
	Ref        string       `json:"ref"`
	After      string       `json:"after"`
	Deleted    bool         `json:"deleted"`
	Repository ghRepository `json:"repository"`
	Sender     ghSender     `json:"sender"`
}

// ghPullRequestPayload is the pull_request event body.
type ghPullRequestPayload struct {
	Action      string       `json:"action"`
	Number      int          `json:"number"`
	PullRequest ghPR         `json:"pull_request"`
	Repository  ghRepository `json:"repository"`
	Sender      ghSender     `json:"sender"`
}

type ghPR struct {
	Base ghPRRef `json:"base"`
	Head ghPRRef `json:"head"`
}

type ghPRRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}
