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

package enrich

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

// SQLStore persists tasks in SQL so deferred enrichments survive a crash and
// resume with the run. It shares the pipeline database with the document
// store and the run tracker.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createTasksSchemaSQL = `
CREATE TABLE IF NOT EXISTS enrichment_tasks (
    id VARCHAR(255) NOT NULL,
    kind VARCHAR(16) NOT NULL,
    payload TEXT NOT NULL,
    status VARCHAR(16) NOT NULL,
    last_error TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
)`

const createTasksClaimIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_enrichment_tasks_claim ON enrichment_tasks(kind, status, created_at)`

// NewSQLStore wraps an existing database connection and ensures the schema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fault.Invalid("enrich.new_store", "database connection is required", nil)
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fault.Invalid("enrich.new_store",
			fmt.Sprintf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect), nil)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fault.Repository("enrich.new_store", "initialize schema", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createTasksSchemaSQL,
		createTasksClaimIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Enqueue implements Store. The pending-duplicate check and the insert run
// in one transaction; two racing enqueuers can still insert twice, which is
// harmless because processing is idempotent.
func (s *SQLStore) Enqueue(ctx context.Context, kind Kind, payload string) (Task, error) {
	const op = "enrich.enqueue"

	if !kind.IsValid() {
		return Task{}, fault.Invalid(op, fmt.Sprintf("unknown task kind %q", kind), nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fault.Repository(op, "begin transaction", err)
	}
	defer tx.Rollback() // Rollback if not committed

	query := selectTaskSQL + ` WHERE kind = ? AND payload = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT 1`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	existing, err := scanTask(tx.QueryRowContext(ctx, query, string(kind), payload, string(StatusPending)))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Task{}, fault.Repository(op, "check pending duplicate", err)
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

	insert := `INSERT INTO enrichment_tasks (id, kind, payload, status, last_error, attempts, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		insert = convertToPostgresPlaceholders(insert)
	}
	if _, err := tx.ExecContext(ctx, insert,
		t.ID, string(t.Kind), t.Payload, string(t.Status), "", 0, t.CreatedAt, t.UpdatedAt); err != nil {
		return Task{}, fault.Repository(op, "insert task", err)
	}

	if err := tx.Commit(); err != nil {
		return Task{}, fault.Repository(op, "commit transaction", err)
	}
	return t, nil
}

// Claim implements Store. Candidates are selected first, then each is moved
// to running with an update guarded on status, so a task snatched by a
// concurrent claimer is skipped rather than double-claimed.
func (s *SQLStore) Claim(ctx context.Context, kind Kind, limit int) ([]Task, error) {
	const op = "enrich.claim"

	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Repository(op, "begin transaction", err)
	}
	defer tx.Rollback() // Rollback if not committed

	query := selectTaskSQL + ` WHERE kind = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	rows, err := tx.QueryContext(ctx, query, string(kind), string(StatusPending), limit)
	if err != nil {
		return nil, fault.Repository(op, "select pending tasks", err)
	}

	var candidates []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fault.Repository(op, "scan task", err)
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fault.Repository(op, "iterate tasks", err)
	}
	rows.Close()

	update := `UPDATE enrichment_tasks SET status = ?, attempts = attempts + 1, updated_at = ?
               WHERE id = ? AND status = ?`
	if s.dialect == "postgres" {
		update = convertToPostgresPlaceholders(update)
	}

	now := time.Now().UTC()
	var claimed []Task
	for _, t := range candidates {
		res, err := tx.ExecContext(ctx, update, string(StatusRunning), now, t.ID, string(StatusPending))
		if err != nil {
			return nil, fault.Repository(op, fmt.Sprintf("claim task %s", t.ID), err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fault.Repository(op, "check claim result", err)
		}
		if affected == 0 {
			continue // claimed concurrently
		}
		t.Status = StatusRunning
		t.Attempts++
		t.UpdatedAt = now
		claimed = append(claimed, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fault.Repository(op, "commit transaction", err)
	}
	return claimed, nil
}

// Complete implements Store.
func (s *SQLStore) Complete(ctx context.Context, id string) error {
	return s.settle(ctx, "enrich.complete", id, StatusDone, "")
}

// Fail implements Store.
func (s *SQLStore) Fail(ctx context.Context, id, reason string) error {
	return s.settle(ctx, "enrich.fail", id, StatusFailed, reason)
}

func (s *SQLStore) settle(ctx context.Context, op, id string, status Status, reason string) error {
	update := `UPDATE enrichment_tasks SET status = ?, last_error = ?, updated_at = ?
               WHERE id = ? AND status NOT IN (?, ?)`
	if s.dialect == "postgres" {
		update = convertToPostgresPlaceholders(update)
	}

	res, err := s.db.ExecContext(ctx, update,
		string(status), reason, time.Now().UTC(), id, string(StatusDone), string(StatusFailed))
	if err != nil {
		return fault.Repository(op, fmt.Sprintf("settle task %s", id), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fault.Repository(op, "check settle result", err)
	}
	if affected == 1 {
		return nil
	}

	// Nothing changed: distinguish absent from already settled.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrTerminal
}

// Release implements Store.
func (s *SQLStore) Release(ctx context.Context, id string) error {
	const op = "enrich.release"

	update := `UPDATE enrichment_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	if s.dialect == "postgres" {
		update = convertToPostgresPlaceholders(update)
	}

	res, err := s.db.ExecContext(ctx, update,
		string(StatusPending), time.Now().UTC(), id, string(StatusRunning))
	if err != nil {
		return fault.Repository(op, fmt.Sprintf("release task %s", id), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fault.Repository(op, "check release result", err)
	}
	if affected == 1 {
		return nil
	}

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return ErrTerminal
	}
	return nil // already pending
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (Task, error) {
	const op = "enrich.get"

	query := selectTaskSQL + ` WHERE id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fault.Repository(op, fmt.Sprintf("get task %s", id), err)
	}
	return t, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, kind Kind, status Status) ([]Task, error) {
	const op = "enrich.list"

	query := selectTaskSQL + ` WHERE 1=1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Repository(op, "list tasks", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fault.Repository(op, "scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Repository(op, "iterate tasks", err)
	}
	return tasks, nil
}

// CountPending implements Store.
func (s *SQLStore) CountPending(ctx context.Context, kind Kind) (int, error) {
	const op = "enrich.count_pending"

	query := `SELECT COUNT(*) FROM enrichment_tasks WHERE status = ?`
	args := []any{string(StatusPending)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fault.Repository(op, "count pending tasks", err)
	}
	return n, nil
}

var _ Store = (*SQLStore)(nil)

// =============================================================================
// Row scanning
// =============================================================================

const selectTaskSQL = `SELECT id, kind, payload, status, last_error, attempts, created_at, updated_at
FROM enrichment_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var kind, status string
	if err := row.Scan(&t.ID, &kind, &t.Payload, &status, &t.Error, &t.Attempts,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20) // Pre-allocate for typical expansion
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}
