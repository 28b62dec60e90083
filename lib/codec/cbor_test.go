// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

// sampleEntry is a representative internal record using cbor struct
// tags (the convention for purely-internal types).
type sampleEntry struct {
	DeliveryID  string `cbor:"delivery_id"`
	Repo        string `cbor:"repo,omitempty"`
	BuildNumber int64  `cbor:"build_number"`
}

// sampleDualRecord uses json struct tags (the convention for types
// that serve both JSON and CBOR, relying on fxamacker's fallback).
type sampleDualRecord struct {
	Kind   string `json:"kind"`
	Branch string `json:"branch"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleEntry{
		DeliveryID:  "72d3162e-cc78-11e3-81ab-4c9367dc0958",
		Repo:        "se-sic/VaRA-Tool-Suite",
		BuildNumber: 142,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleEntry
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	entry := sampleEntry{
		DeliveryID:  "a5f3c2b0",
		Repo:        "se-sic/vara",
		BuildNumber: 7,
	}

	first, err := Marshal(entry)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}

	second, err := Marshal(entry)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestEncoderDecoderStreamRoundtrip(t *testing.T) {
	entries := []sampleEntry{
		{DeliveryID: "d1", Repo: "a/b", BuildNumber: 1},
		{DeliveryID: "d2", Repo: "c/d", BuildNumber: 2},
		{DeliveryID: "d3", BuildNumber: 0},
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range entries {
		var got sampleEntry
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode entry %d: %v", i, err)
		}
		if got != want {
			t.Errorf("entry %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestUnmarshalFirst(t *testing.T) {
	entries := []sampleEntry{
		{DeliveryID: "d1", BuildNumber: 1},
		{DeliveryID: "d2", BuildNumber: 2},
	}

	var sequence []byte
	for _, entry := range entries {
		data, err := Marshal(entry)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		sequence = append(sequence, data...)
	}

	var first sampleEntry
	rest, err := UnmarshalFirst(sequence, &first)
	if err != nil {
		t.Fatalf("UnmarshalFirst: %v", err)
	}
	if first != entries[0] {
		t.Errorf("first = %+v, want %+v", first, entries[0])
	}
	if len(rest) == 0 {
		t.Fatal("expected remaining bytes after first item")
	}

	var second sampleEntry
	rest, err = UnmarshalFirst(rest, &second)
	if err != nil {
		t.Fatalf("UnmarshalFirst second: %v", err)
	}
	if second != entries[1] {
		t.Errorf("second = %+v, want %+v", second, entries[1])
	}
	if len(rest) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(rest))
	}
}

func TestJSONTagFallback(t *testing.T) {
	// Types with json tags (no cbor tags) should encode/decode
	// correctly through our modes, using json tag names as CBOR
	// map keys.
	original := sampleDualRecord{Kind: "push", Branch: "vara-dev"}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded sampleDualRecord
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded != original {
		t.Errorf("json-tag roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestOmitemptyRespected(t *testing.T) {
	// A zero-value omitempty field should not appear in output.
	withRepo := sampleEntry{DeliveryID: "d", Repo: "x/y", BuildNumber: 1}
	withoutRepo := sampleEntry{DeliveryID: "d", BuildNumber: 1}

	dataWith, err := Marshal(withRepo)
	if err != nil {
		t.Fatal(err)
	}
	dataWithout, err := Marshal(withoutRepo)
	if err != nil {
		t.Fatal(err)
	}

	// The encoding without the repo field should be shorter because
	// the omitted field is not present.
	if len(dataWithout) >= len(dataWith) {
		t.Errorf("omitempty not effective: without=%d bytes, with=%d bytes",
			len(dataWithout), len(dataWith))
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var entry sampleEntry
	err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &entry)
	if err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestByteStringRoundtrip(t *testing.T) {
	// Verify that []byte fields encode as CBOR byte strings (major
	// type 2), not text strings. This matters for carrying
	// pre-serialized JSON payloads.
	type envelope struct {
		Payload []byte `cbor:"payload"`
	}

	original := envelope{Payload: []byte(`{"ref":"refs/heads/vara"}`)}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("byte string roundtrip: got %q, want %q", decoded.Payload, original.Payload)
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"kind": "push"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	if !strings.Contains(notation, `"kind"`) {
		t.Errorf("notation %q does not contain \"kind\"", notation)
	}
	if !strings.Contains(notation, `"push"`) {
		t.Errorf("notation %q does not contain \"push\"", notation)
	}
}

func BenchmarkMarshal(b *testing.B) {
	entry := sampleEntry{
		DeliveryID:  "72d3162e-cc78-11e3-81ab-4c9367dc0958",
		Repo:        "se-sic/VaRA-Tool-Suite",
		BuildNumber: 142,
	}

	b.ReportAllocs()
	for b.Loop() {
		Marshal(entry)
	}
}

func BenchmarkUnmarshal(b *testing.B) {
	entry := sampleEntry{
		DeliveryID:  "72d3162e-cc78-11e3-81ab-4c9367dc0958",
		Repo:        "se-sic/VaRA-Tool-Suite",
		BuildNumber: 142,
	}
	data, err := Marshal(entry)
	if err != nil {
		b.Fatal(err)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for b.Loop() {
		var decoded sampleEntry
		Unmarshal(data, &decoded)
	}
}
