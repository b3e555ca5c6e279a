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

// Package enrich runs the background description workers: url and media
// enrichment, author profiles, and post banners. Work arrives as tasks in
// a task store; workers drain bounded batches, obtain descriptions from the
// model, and persist the results as documents.
package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a task describes.
type Kind string

const (
	// KindURL describes an external link. Payload is the url.
	KindURL Kind = "url"

	// KindMedia describes a media asset. Payload is the media document id.
	KindMedia Kind = "media"

	// KindProfile refreshes an author profile. Payload is the author id.
	KindProfile Kind = "profile"

	// KindBanner writes banner copy for a post. Payload is the post id.
	KindBanner Kind = "banner"
)

// IsValid reports whether k is a known task kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindURL, KindMedia, KindProfile, KindBanner:
		return true
	}
	return false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether a task in this status accepts no further
// transitions. Failed tasks are not retried in place; retrying means
// enqueueing the work again.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Task is one unit of enrichment work.
type Task struct {
	ID       string
	Kind     Kind
	Payload  string
	Status   Status
	Error    string // failure reason; set when Status is failed
	Attempts int    // number of times the task was claimed

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Errors
var (
	ErrTaskNotFound = &TaskError{Code: "task_not_found", Message: "task not found"}
	ErrTerminal     = &TaskError{Code: "task_terminal", Message: "task is in a terminal state"}
)

// TaskError is a task-store error.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return e.Message
}

// Store is the task queue shared by producers (runner, writer) and the
// workers. Claim moves a bounded batch of pending tasks to running; Complete
// and Fail settle them; Release hands an unprocessed claim back. Claim must
// be safe against concurrent claimers: a task is handed to exactly one.
type Store interface {
	// Enqueue adds a pending task. When a pending task with the same kind
	// and payload already exists it is returned instead of duplicated, so
	// re-running a window does not multiply work.
	Enqueue(ctx context.Context, kind Kind, payload string) (Task, error)

	// Claim transitions up to limit pending tasks of one kind to running,
	// in enqueue order, and returns them with Attempts incremented.
	Claim(ctx context.Context, kind Kind, limit int) ([]Task, error)

	// Complete marks a task done.
	Complete(ctx context.Context, id string) error

	// Fail marks a task failed and records the reason.
	Fail(ctx context.Context, id, reason string) error

	// Release returns a claimed task to pending, for work a worker claimed
	// but never reached. Releasing a pending task is a no-op.
	Release(ctx context.Context, id string) error

	// Get returns one task by id.
	Get(ctx context.Context, id string) (Task, error)

	// List returns tasks filtered by kind and status, in enqueue order.
	// Empty kind or status matches everything.
	List(ctx context.Context, kind Kind, status Status) ([]Task, error)

	// CountPending returns the number of pending tasks of one kind, or of
	// all kinds when kind is empty.
	CountPending(ctx context.Context, kind Kind) (int, error)
}

// MemoryStore is an in-memory Store for tests and single-shot runs where
// task durability does not matter.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	order []string // ids in enqueue order
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]Task)}
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, kind Kind, payload string) (Task, error) {
	if !kind.IsValid() {
		return Task{}, &TaskError{Code: "invalid_kind", Message: "unknown task kind " + string(kind)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		t := s.tasks[id]
		if t.Kind == kind && t.Payload == payload && t.Status == StatusPending {
			return t, nil
		}
	}

	now := time.Now().UTC()
	t := Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return t, nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, kind Kind, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []Task
	now := time.Now().UTC()
	for _, id := range s.order {
		if len(claimed) == limit {
			break
		}
		t := s.tasks[id]
		if t.Kind != kind || t.Status != StatusPending {
			continue
		}
		t.Status = StatusRunning
		t.Attempts++
		t.UpdatedAt = now
		s.tasks[id] = t
		claimed = append(claimed, t)
	}
	return claimed, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, id string) error {
	return s.settle(id, StatusDone, "")
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, id, reason string) error {
	return s.settle(id, StatusFailed, reason)
}

func (s *MemoryStore) settle(id string, status Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	t.Status = status
	t.Error = reason
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	if t.Status == StatusPending {
		return nil
	}
	t.Status = StatusPending
	t.UpdatedAt = time.Now().UTC()
	s.tasks[id] = t
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, kind Kind, status Status) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, id := range s.order {
		t := s.tasks[id]
		if kind != "" && t.Kind != kind {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CountPending implements Store.
func (s *MemoryStore) CountPending(_ context.Context, kind Kind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		if kind != "" && t.Kind != kind {
			continue
		}
		n++
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
