// Copyright 2025 The Egregora Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package window groups an ordered entry stream into bounded work units.
// Windowing is a pure transformation: the same stream and spec always yield
// the same windows with the same labels.
package window

import (
	"errors"
	"fmt"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
)

// ErrInvalidSpec marks a window spec that fails validation. Always wrapped
// in a fault.Error of kind InvalidInput.
var ErrInvalidSpec = errors.New("invalid window spec")

// Unit selects how window size is measured.
type Unit string

const (
	UnitMessages Unit = "messages"
	UnitDays     Unit = "days"
	UnitHours    Unit = "hours"
	UnitBytes    Unit = "bytes"
	UnitTokens   Unit = "tokens"
)

// ParseUnit converts a string into a Unit.
func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case UnitMessages, UnitDays, UnitHours, UnitBytes, UnitTokens:
		return Unit(s), nil
	default:
		return "", fault.Invalid("window.parse_unit",
			fmt.Sprintf("unknown window unit %q (valid: messages, days, hours, bytes, tokens)", s), ErrInvalidSpec)
	}
}

// Spec describes how to cut the entry stream into windows.
type Spec struct {
	// Size is the window size in the given unit. Must be positive.
	Size int

	// Unit is the size measure.
	Unit Unit

	// Overlap is the fraction of window n re-included at the start of
	// window n+1. Must be in [0, 0.5].
	Overlap float64

	// Sizer measures an entry for the tokens unit. Required for
	// UnitTokens, ignored otherwise (bytes uses the entry byte length).
	Sizer func(feed.Entry) int
}

// Validate checks the spec. Violations classify as InvalidInput.
func (s Spec) Validate() error {
	const op = "window.spec"

	if s.Size <= 0 {
		return fault.Invalid(op, fmt.Sprintf("size must be positive, got %d", s.Size), ErrInvalidSpec)
	}
	if _, err := ParseUnit(string(s.Unit)); err != nil {
		return err
	}
	if s.Overlap < 0 || s.Overlap > 0.5 {
		return fault.Invalid(op, fmt.Sprintf("overlap must be within [0, 0.5], got %g", s.Overlap), ErrInvalidSpec)
	}
	if s.Unit == UnitTokens && s.Sizer == nil {
		return fault.Invalid(op, "tokens unit requires a sizer", ErrInvalidSpec)
	}
	return nil
}

// Window is a bounded work unit over the entry stream. Entries are
// materialized for the window's lifetime; the runner discards the window
// after commit.
type Window struct {
	// Label is deterministic: derived from the window's time range (time
	// units) or its first entry timestamp (count units).
	Label string

	// StartTime and EndTime bound the window. Time-unit windows use a
	// half-open grid range [StartTime, EndTime); count-unit windows use
	// the first and last entry timestamps.
	StartTime time.Time
	EndTime   time.Time

	// Key is the commit-ordering key, assigned by Windows. Strictly
	// increasing across the stream even when consecutive windows end in
	// the same instant.
	Key int64

	Entries []feed.Entry
}

// Size returns the entry count.
func (w Window) Size() int {
	return len(w.Entries)
}

// ByteSize returns the total UTF-8 byte length of the window's content.
func (w Window) ByteSize() int {
	total := 0
	for _, e := range w.Entries {
		total += e.ByteSize()
	}
	return total
}

// OrderKey returns the commit-ordering key for cursor monotonicity checks.
// Windows produced by the stream carry a pre-assigned strictly increasing
// key; a bare window falls back to its end timestamp.
func (w Window) OrderKey() int64 {
	if w.Key != 0 {
		return w.Key
	}
	return w.EndTime.UnixNano()
}

func (s Spec) unitDuration() time.Duration {
	switch s.Unit {
	case UnitDays:
		return 24 * time.Hour
	case UnitHours:
		return time.Hour
	default:
		return 0
	}
}

func timeLabel(unit Unit, size int, start, end time.Time) string {
	switch unit {
	case UnitDays:
		if size == 1 {
			return start.Format("2006-01-02")
		}
		return start.Format("2006-01-02") + "--" + end.Add(-24*time.Hour).Format("2006-01-02")
	case UnitHours:
		if size == 1 {
			return start.Format("2006-01-02T15")
		}
		return start.Format("2006-01-02T15") + "--" + end.Add(-time.Hour).Format("2006-01-02T15")
	default:
		return start.Format("20060102T150405Z")
	}
}
