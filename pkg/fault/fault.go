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

// Package fault defines the error taxonomy shared across the pipeline.
//
// Errors are classified by Kind, not by concrete type: callers decide policy
// (retry, split, abort) by kind, never by string matching. Wrapping preserves
// the underlying error for errors.Is/As.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for pipeline policy decisions.
type Kind string

const (
	// KindInvalidInput marks malformed entries, inconsistent config, or an
	// invalid window spec. The run aborts before any window is committed.
	KindInvalidInput Kind = "invalid_input"

	// KindTransient marks network failures, 5xx responses, and rate limits.
	// Retried within budget at the call site.
	KindTransient Kind = "transient"

	// KindPromptTooLarge marks a prompt that exceeds the model context.
	// Handled by the runner via window splitting.
	KindPromptTooLarge Kind = "prompt_too_large"

	// KindRepository marks storage failures. The current window aborts and
	// the cursor is not advanced.
	KindRepository Kind = "repository"

	// KindFatal marks unrecoverable failures (auth exhausted on all keys,
	// disk full). The run is marked failed.
	KindFatal Kind = "fatal"

	// KindCancelled marks cooperative cancellation. The run is marked
	// cancelled and the cursor preserved.
	KindCancelled Kind = "cancelled"
)

// Error is the taxonomy-carrying error type.
type Error struct {
	Kind Kind   // classification
	Op   string // operation that failed (e.g. "store.upsert")
	Msg  string // human-readable summary
	Err  error  // underlying error, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a taxonomy error.
func New(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Invalid creates an InvalidInput error.
func Invalid(op, msg string, err error) *Error {
	return New(KindInvalidInput, op, msg, err)
}

// Transient creates a Transient error.
func Transient(op, msg string, err error) *Error {
	return New(KindTransient, op, msg, err)
}

// PromptTooLarge creates a PromptTooLarge error.
func PromptTooLarge(op, msg string, err error) *Error {
	return New(KindPromptTooLarge, op, msg, err)
}

// Repository creates a Repository error.
func Repository(op, msg string, err error) *Error {
	return New(KindRepository, op, msg, err)
}

// Fatal creates a Fatal error.
func Fatal(op, msg string, err error) *Error {
	return New(KindFatal, op, msg, err)
}

// Cancelled creates a Cancelled error.
func Cancelled(op string, err error) *Error {
	return New(KindCancelled, op, "", err)
}

// KindOf returns the Kind of err. Untagged errors default to KindFatal so an
// unclassified failure is never silently retried. Context cancellation and
// deadline expiry classify without explicit tagging.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	return KindFatal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return IsKind(err, KindTransient)
}

// IsPromptTooLarge reports whether err signals context overflow.
func IsPromptTooLarge(err error) bool {
	return IsKind(err, KindPromptTooLarge)
}

// IsCancelled reports whether err stems from cooperative cancellation.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}
