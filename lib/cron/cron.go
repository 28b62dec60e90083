// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses 5-field cron expressions and computes the next
// matching time. Pipelines declare schedules with the standard
// minute/hour/day-of-month/month/day-of-week syntax; the runner's
// scheduler evaluates them once per minute.
//
// Supported per-field syntax: "*", single values, ranges ("1-5"),
// steps ("*/15", "10-50/10"), and comma-separated lists. Day-of-week
// accepts 0-7 with both 0 and 7 meaning Sunday. Names ("mon", "jan")
// are not supported.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed cron expression. Use Parse to create one, then
// Next to compute the next matching time.
type Schedule struct {
	minute fieldSet
	hour   fieldSet
	dom    fieldSet
	month  fieldSet
	dow    fieldSet
}

// fieldSet is a compact set of integers 0-63 plus a flag recording
// whether the source field was "*". The wildcard flag matters for the
// day-of-month/day-of-week combination rule.
type fieldSet struct {
	bits     uint64
	wildcard bool
}

func (f fieldSet) has(value int) bool { return f.bits&(1<<uint(value)) != 0 }

// Parse parses a standard 5-field cron expression. Returns an error if
// the expression is malformed or contains out-of-range values.
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	var schedule Schedule
	specs := []struct {
		name     string
		raw      string
		min, max int
		dest     *fieldSet
	}{
		{"minute", fields[0], 0, 59, &schedule.minute},
		{"hour", fields[1], 0, 23, &schedule.hour},
		{"day-of-month", fields[2], 1, 31, &schedule.dom},
		{"month", fields[3], 1, 12, &schedule.month},
		{"day-of-week", fields[4], 0, 7, &schedule.dow},
	}
	for _, spec := range specs {
		parsed, err := parseField(spec.raw, spec.min, spec.max)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron: %s field: %w", spec.name, err)
		}
		*spec.dest = parsed
	}

	// Fold day-of-week 7 onto 0 so Weekday() lookups need one bit.
	if schedule.dow.has(7) {
		schedule.dow.bits |= 1
	}

	return schedule, nil
}

// Next returns the earliest time strictly after t that matches the
// schedule. All computation is in UTC.
//
// Day-of-month and day-of-week follow standard cron semantics: when
// both fields are restricted the day matches if EITHER does; when one
// is "*" only the restricted field constrains the day.
//
// Returns an error if no matching time exists within 4 years of t,
// which catches impossible schedules such as Feb 31.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	t = t.UTC().Truncate(time.Minute).Add(time.Minute)

	// 4 years spans every leap-year cycle.
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.month.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}
		if !s.hour.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}
		if !s.minute.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

func (s Schedule) dayMatches(t time.Time) bool {
	domOK := s.dom.has(t.Day())
	dowOK := s.dow.has(int(t.Weekday()))

	switch {
	case s.dom.wildcard && s.dow.wildcard:
		return true
	case s.dom.wildcard:
		return dowOK
	case s.dow.wildcard:
		return domOK
	default:
		return domOK || dowOK
	}
}

// parseField parses one cron field: comma-separated terms, each a
// wildcard, value, range, or stepped range/wildcard.
func parseField(field string, minimum, maximum int) (fieldSet, error) {
	var result fieldSet
	result.wildcard = field == "*"

	for _, term := range strings.Split(field, ",") {
		bits, err := parseTerm(term, minimum, maximum)
		if err != nil {
			return fieldSet{}, err
		}
		result.bits |= bits
	}
	if result.bits == 0 {
		return fieldSet{}, fmt.Errorf("field %q produces empty set", field)
	}
	return result, nil
}

// parseTerm parses a single term: *, */N, V, V-V, V-V/N.
func parseTerm(term string, minimum, maximum int) (uint64, error) {
	parts := strings.SplitN(term, "/", 2)
	rangeExpression := parts[0]
	step := 1
	if len(parts) == 2 {
		parsed, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", parts[1], err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	var rangeStart, rangeEnd int

	switch {
	case rangeExpression == "*":
		rangeStart, rangeEnd = minimum, maximum
	case strings.ContainsRune(rangeExpression, '-'):
		startText, endText, _ := strings.Cut(rangeExpression, "-")
		var err error
		rangeStart, err = strconv.Atoi(startText)
		if err != nil {
			return 0, fmt.Errorf("invalid range start %q: %w", startText, err)
		}
		rangeEnd, err = strconv.Atoi(endText)
		if err != nil {
			return 0, fmt.Errorf("invalid range end %q: %w", endText, err)
		}
		if rangeStart > rangeEnd {
			return 0, fmt.Errorf("range start %d > end %d", rangeStart, rangeEnd)
		}
	default:
		value, err := strconv.Atoi(rangeExpression)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q: %w", rangeExpression, err)
		}
		rangeStart, rangeEnd = value, value
	}

	if rangeStart < minimum || rangeEnd > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, rangeStart, rangeEnd)
	}

	var bits uint64
	for value := rangeStart; value <= rangeEnd; value += step {
		bits |= 1 << uint(value)
	}
	return bits, nil
}
