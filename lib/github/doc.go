// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package github is a small GitHub REST API client scoped to what the
// runner needs: creating commit statuses and reading a commit's
// combined status.
//
// The client authenticates with either a static access token or as a
// GitHub App installation (RS256 JWT exchanged for short-lived
// installation tokens, rotated automatically before expiry). Every
// request goes through preemptive rate limit tracking; reads use ETag
// conditional requests so repeated polls of an unchanged status do not
// consume quota.
package github
