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

package run

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

// Tracker persists runs in SQL. It shares the pipeline database; every
// transition is an INSERT into run_transitions plus an UPDATE of the run row
// in one transaction, so a crash can lose at most uncommitted work and the
// audit log never disagrees with the run row.
type Tracker struct {
	db      *sql.DB
	dialect string
}

const createRunsSchemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id VARCHAR(255) NOT NULL,
    config_fingerprint VARCHAR(64) NOT NULL,
    status VARCHAR(16) NOT NULL,
    cursor_label VARCHAR(255) NOT NULL,
    cursor_key BIGINT NOT NULL,
    windows_done INTEGER NOT NULL,
    error_summary TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
)`

const createRunsFingerprintIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_runs_fingerprint ON runs(config_fingerprint, created_at)`

const createTransitionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS run_transitions (
    id VARCHAR(255) NOT NULL,
    run_id VARCHAR(255) NOT NULL,
    from_status VARCHAR(16) NOT NULL,
    to_status VARCHAR(16) NOT NULL,
    window_label VARCHAR(255) NOT NULL,
    detail TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id)
)`

const createTransitionsRunIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_run_transitions_run ON run_transitions(run_id, occurred_at)`

// NewTracker wraps an existing database connection and ensures the schema.
func NewTracker(db *sql.DB, dialect string) (*Tracker, error) {
	if db == nil {
		return nil, fault.Invalid("run.new", "database connection is required", nil)
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fault.Invalid("run.new",
			fmt.Sprintf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect), nil)
	}

	t := &Tracker{db: db, dialect: dialect}
	if err := t.initSchema(); err != nil {
		return nil, fault.Repository("run.new", "initialize schema", err)
	}
	return t, nil
}

func (t *Tracker) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createRunsSchemaSQL,
		createRunsFingerprintIndexSQL,
		createTransitionsSchemaSQL,
		createTransitionsRunIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Create registers a new pending run for the given configuration fingerprint
// and returns its id.
func (t *Tracker) Create(ctx context.Context, configFingerprint string) (string, error) {
	const op = "run.create"

	if configFingerprint == "" {
		return "", fault.Invalid(op, "config fingerprint is required", nil)
	}

	runID := uuid.NewString()
	now := time.Now().UTC()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fault.Repository(op, "begin transaction", err)
	}
	defer tx.Rollback() // Rollback if not committed

	insertRun := `INSERT INTO runs (id, config_fingerprint, status, cursor_label, cursor_key,
                  windows_done, error_summary, created_at, updated_at)
                  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if t.dialect == "postgres" {
		insertRun = convertToPostgresPlaceholders(insertRun)
	}
	if _, err := tx.ExecContext(ctx, insertRun,
		runID, configFingerprint, string(StatusPending), "", int64(0), 0, "", now, now); err != nil {
		return "", fault.Repository(op, "insert run", err)
	}

	if err := t.insertTransition(ctx, tx, Transition{
		RunID:      runID,
		FromStatus: "",
		ToStatus:   StatusPending,
		Detail:     "created",
		OccurredAt: now,
	}); err != nil {
		return "", fault.Repository(op, "record transition", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fault.Repository(op, "commit transaction", err)
	}
	return runID, nil
}

// Start moves a run to running. Starting an already-running run (resume
// after a crash) is a no-op.
func (t *Tracker) Start(ctx context.Context, runID string) error {
	const op = "run.start"

	return t.transition(ctx, op, runID, func(current *Run) (*change, error) {
		switch current.Status {
		case StatusRunning:
			return nil, nil // already running, nothing to record
		case StatusPending:
			return &change{toStatus: StatusRunning, detail: "started"}, nil
		default:
			return nil, fault.Invalid(op,
				fmt.Sprintf("run %s is %s and cannot start", runID, current.Status), nil)
		}
	})
}

// Advance commits a window: the cursor moves to (windowLabel, orderKey).
// Order keys must strictly increase; a regression means the caller is
// replaying already-committed work and is rejected.
func (t *Tracker) Advance(ctx context.Context, runID, windowLabel string, orderKey int64) error {
	const op = "run.advance"

	if windowLabel == "" {
		return fault.Invalid(op, "window label is required", nil)
	}

	return t.transition(ctx, op, runID, func(current *Run) (*change, error) {
		if current.Status != StatusRunning {
			return nil, fault.Invalid(op,
				fmt.Sprintf("run %s is %s; only running runs advance", runID, current.Status), nil)
		}
		if orderKey <= current.CursorKey {
			return nil, fault.Invalid(op,
				fmt.Sprintf("cursor must advance: window %q key %d does not follow %q key %d",
					windowLabel, orderKey, current.CursorLabel, current.CursorKey), nil)
		}
		return &change{
			toStatus:    StatusRunning,
			cursorLabel: windowLabel,
			cursorKey:   orderKey,
			bumpWindows: true,
			windowLabel: windowLabel,
			detail:      "window committed",
		}, nil
	})
}

// Finish moves a run to a terminal status. Terminal runs are immutable.
func (t *Tracker) Finish(ctx context.Context, runID string, status Status, errSummary string) error {
	const op = "run.finish"

	if !status.IsTerminal() {
		return fault.Invalid(op, fmt.Sprintf("%s is not a terminal status", status), nil)
	}

	return t.transition(ctx, op, runID, func(current *Run) (*change, error) {
		if current.Status.IsTerminal() {
			return nil, fault.Invalid(op,
				fmt.Sprintf("run %s already finished as %s", runID, current.Status), nil)
		}
		return &change{toStatus: status, errSummary: errSummary, detail: "finished"}, nil
	})
}

// Get returns one run by id.
func (t *Tracker) Get(ctx context.Context, runID string) (*Run, error) {
	const op = "run.get"

	query := selectRunSQL + ` WHERE id = ?`
	if t.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	r, err := scanRun(t.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindRepository, op, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fault.Repository(op, fmt.Sprintf("get run %s", runID), err)
	}
	return r, nil
}

// Latest returns the most recent run for a configuration fingerprint,
// regardless of status. Callers decide whether it is resumable.
func (t *Tracker) Latest(ctx context.Context, configFingerprint string) (*Run, error) {
	const op = "run.latest"

	query := selectRunSQL + ` WHERE config_fingerprint = ? ORDER BY created_at DESC, id DESC LIMIT 1`
	if t.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	r, err := scanRun(t.db.QueryRowContext(ctx, query, configFingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.KindRepository, op, configFingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, fault.Repository(op, "get latest run", err)
	}
	return r, nil
}

// List returns the most recent runs across all fingerprints.
func (t *Tracker) List(ctx context.Context, limit int) ([]*Run, error) {
	const op = "run.list"

	if limit <= 0 {
		limit = 20
	}
	query := selectRunSQL + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	if t.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := t.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fault.Repository(op, "list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fault.Repository(op, "scan run", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Repository(op, "iterate runs", err)
	}
	return runs, nil
}

// Transitions returns a run's audit log in order of occurrence.
func (t *Tracker) Transitions(ctx context.Context, runID string) ([]Transition, error) {
	const op = "run.transitions"

	query := `SELECT id, run_id, from_status, to_status, window_label, detail, occurred_at
              FROM run_transitions WHERE run_id = ? ORDER BY occurred_at ASC, id ASC`
	if t.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := t.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fault.Repository(op, "list transitions", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		if err := rows.Scan(&tr.ID, &tr.RunID, &from, &to, &tr.WindowLabel, &tr.Detail, &tr.OccurredAt); err != nil {
			return nil, fault.Repository(op, "scan transition", err)
		}
		tr.FromStatus = Status(from)
		tr.ToStatus = Status(to)
		tr.OccurredAt = tr.OccurredAt.UTC()
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Repository(op, "iterate transitions", err)
	}
	return transitions, nil
}

// =============================================================================
// Transition machinery
// =============================================================================

// change describes the row update one transition performs.
type change struct {
	toStatus    Status
	cursorLabel string
	cursorKey   int64
	bumpWindows bool
	errSummary  string
	windowLabel string
	detail      string
}

// transition loads the run, asks decide to validate and describe the update,
// then applies INSERT + UPDATE in one transaction. The UPDATE is guarded by
// the previously observed status and cursor so a concurrent writer makes the
// guard fail instead of silently clobbering state.
func (t *Tracker) transition(ctx context.Context, op, runID string, decide func(*Run) (*change, error)) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Repository(op, "begin transaction", err)
	}
	defer tx.Rollback() // Rollback if not committed

	query := selectRunSQL + ` WHERE id = ?`
	if t.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	current, err := scanRun(tx.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.KindRepository, op, runID, ErrNotFound)
	}
	if err != nil {
		return fault.Repository(op, fmt.Sprintf("load run %s", runID), err)
	}

	ch, err := decide(current)
	if err != nil {
		return err
	}
	if ch == nil {
		return nil // no-op transition
	}

	now := time.Now().UTC()
	if err := t.insertTransition(ctx, tx, Transition{
		RunID:       runID,
		FromStatus:  current.Status,
		ToStatus:    ch.toStatus,
		WindowLabel: ch.windowLabel,
		Detail:      ch.detail,
		OccurredAt:  now,
	}); err != nil {
		return fault.Repository(op, "record transition", err)
	}

	cursorLabel := current.CursorLabel
	cursorKey := current.CursorKey
	if ch.cursorLabel != "" {
		cursorLabel = ch.cursorLabel
		cursorKey = ch.cursorKey
	}
	windowsDone := current.WindowsDone
	if ch.bumpWindows {
		windowsDone++
	}
	errSummary := current.ErrorSummary
	if ch.errSummary != "" {
		errSummary = ch.errSummary
	}

	update := `UPDATE runs SET status = ?, cursor_label = ?, cursor_key = ?, windows_done = ?,
               error_summary = ?, updated_at = ?
               WHERE id = ? AND status = ? AND cursor_key = ?`
	if t.dialect == "postgres" {
		update = convertToPostgresPlaceholders(update)
	}
	res, err := tx.ExecContext(ctx, update,
		string(ch.toStatus), cursorLabel, cursorKey, windowsDone, errSummary, now,
		runID, string(current.Status), current.CursorKey)
	if err != nil {
		return fault.Repository(op, fmt.Sprintf("update run %s", runID), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fault.Repository(op, "check update result", err)
	}
	if affected == 0 {
		return fault.Repository(op,
			fmt.Sprintf("run %s changed concurrently; transition aborted", runID), nil)
	}

	if err := tx.Commit(); err != nil {
		return fault.Repository(op, "commit transaction", err)
	}
	return nil
}

func (t *Tracker) insertTransition(ctx context.Context, tx *sql.Tx, tr Transition) error {
	query := `INSERT INTO run_transitions (id, run_id, from_status, to_status, window_label, detail, occurred_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	if t.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	_, err := tx.ExecContext(ctx, query,
		uuid.NewString(), tr.RunID, string(tr.FromStatus), string(tr.ToStatus),
		tr.WindowLabel, tr.Detail, tr.OccurredAt)
	return err
}

// =============================================================================
// Row scanning
// =============================================================================

const selectRunSQL = `SELECT id, config_fingerprint, status, cursor_label, cursor_key,
windows_done, error_summary, created_at, updated_at FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var status string
	if err := row.Scan(&r.ID, &r.ConfigFingerprint, &status, &r.CursorLabel, &r.CursorKey,
		&r.WindowsDone, &r.ErrorSummary, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
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
