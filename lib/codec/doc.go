// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Gantry's standard CBOR encoding configuration.
//
// Gantry uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: GitHub webhook payloads, the
//     builds API, CLI output, and the executor filesystem contract
//     (job-spec.json, result.jsonl).
//   - CBOR for internal durable state: the trigger journal and the
//     per-build crash markers.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (state files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (journals):
//
//	encoder := codec.NewEncoder(file)
//	decoder := codec.NewDecoder(file)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or printed by CLI tooling. Examples:
//     journal entries, crash marker state.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Examples: trigger events, which
//     appear in API responses and inside journal entries.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract; doubling up obscures whether a type
// participates in JSON serialization.
package codec
