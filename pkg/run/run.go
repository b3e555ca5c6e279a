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

// Package run tracks pipeline executions: one row per run, a cursor that
// only moves forward, and an append-only transition log.
package run

import (
	"errors"
	"time"
)

// ErrNotFound reports an absent run.
var ErrNotFound = errors.New("run not found")

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether a run in this status accepts no further
// transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Run is one pipeline execution. The cursor names the last committed window;
// everything at or below it is durable and must not be reprocessed.
type Run struct {
	ID                string
	ConfigFingerprint string
	Status            Status
	CursorLabel       string
	CursorKey         int64
	WindowsDone       int
	ErrorSummary      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Resumable reports whether a new invocation with the same configuration
// should pick this run up instead of creating a fresh one.
func (r *Run) Resumable() bool {
	return r.Status == StatusRunning || r.Status == StatusPending
}

// Transition is one audit-log record. Every state or cursor change writes
// exactly one of these in the same transaction as the run row update.
type Transition struct {
	ID          string
	RunID       string
	FromStatus  Status
	ToStatus    Status
	WindowLabel string
	Detail      string
	OccurredAt  time.Time
}
