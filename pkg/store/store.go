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

// Package store persists pipeline documents in a SQL database.
// Concurrency is handled by database-level locking (transactions); the
// store holds no Go-side mutable state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound reports an absent (id, doc_type) row. Absence is an expected
// outcome for most callers; check with errors.Is before dispatching on the
// error kind.
var ErrNotFound = errors.New("document not found")

// DocumentStore implements the document repository over SQL. A document's
// Vector field is transient and never persisted here; embeddings live in
// the retrieval index.
type DocumentStore struct {
	db      *sql.DB
	dialect string
}

// documentRow maps to the documents table.
type documentRow struct {
	ID           string
	DocType      string
	Title        string
	Body         string
	ContentType  string
	ParentID     string
	SourceWindow string
	AuthorsJSON  string
	MetadataJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const createDocumentsSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id VARCHAR(255) NOT NULL,
    doc_type VARCHAR(32) NOT NULL,
    title TEXT NOT NULL,
    body TEXT NOT NULL,
    content_type VARCHAR(64) NOT NULL,
    parent_id VARCHAR(255) NOT NULL,
    source_window VARCHAR(255) NOT NULL,
    authors_json TEXT NOT NULL,
    metadata_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, doc_type)
)`

const createDocumentsTypeIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_documents_type_created ON documents(doc_type, created_at)`

const createDocumentsParentIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_documents_parent ON documents(doc_type, parent_id)`

// NewDocumentStore wraps an existing database connection. The schema is
// created on first use.
func NewDocumentStore(db *sql.DB, dialect string) (*DocumentStore, error) {
	if db == nil {
		return nil, fault.Invalid("store.new", "database connection is required", nil)
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fault.Invalid("store.new",
			fmt.Sprintf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect), nil)
	}

	s := &DocumentStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fault.Repository("store.new", "initialize schema", err)
	}
	return s, nil
}

// Open opens a database by driver name and wraps it. For mysql the DSN must
// include parseTime=true so TIMESTAMP columns scan into time.Time.
func Open(driver, dsn string) (*DocumentStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fault.Repository("store.open", fmt.Sprintf("open %s database", driver), err)
	}
	return NewDocumentStore(db, driver)
}

func (s *DocumentStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Execute each statement separately for SQLite compatibility.
	statements := []string{
		createDocumentsSchemaSQL,
		createDocumentsTypeIndexSQL,
		createDocumentsParentIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying connection so sibling stores (runs, enrichment
// tasks) can share it.
func (s *DocumentStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the normalized dialect name.
func (s *DocumentStore) Dialect() string {
	return s.dialect
}

// Close closes the database connection.
func (s *DocumentStore) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces the document identified by (id, doc_type).
// Replay-safe: a second upsert of the same document rewrites content and
// metadata, preserves created_at, and bumps updated_at.
func (s *DocumentStore) Upsert(ctx context.Context, doc feed.Document) error {
	const op = "store.upsert"

	row, err := toRow(doc)
	if err != nil {
		return fault.Invalid(op, fmt.Sprintf("document %s/%s", doc.DocType, doc.ID), err)
	}

	if _, err := s.db.ExecContext(ctx, s.upsertDocumentQuery(), row.args()...); err != nil {
		return fault.Repository(op, fmt.Sprintf("upsert %s/%s", doc.DocType, doc.ID), err)
	}
	return nil
}

// UpsertBatch upserts documents atomically: either every document lands or
// none does.
func (s *DocumentStore) UpsertBatch(ctx context.Context, docs []feed.Document) error {
	const op = "store.upsert_batch"

	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Repository(op, "begin transaction", err)
	}
	defer tx.Rollback() // Rollback if not committed

	query := s.upsertDocumentQuery()
	for _, doc := range docs {
		row, err := toRow(doc)
		if err != nil {
			return fault.Invalid(op, fmt.Sprintf("document %s/%s", doc.DocType, doc.ID), err)
		}
		if _, err := tx.ExecContext(ctx, query, row.args()...); err != nil {
			return fault.Repository(op, fmt.Sprintf("upsert %s/%s", doc.DocType, doc.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Repository(op, "commit transaction", err)
	}
	return nil
}

// Get fetches one document. Absence returns ErrNotFound wrapped in a
// Repository-kind fault.
func (s *DocumentStore) Get(ctx context.Context, docType feed.DocType, id string) (feed.Document, error) {
	const op = "store.get"

	query := `SELECT id, doc_type, title, body, content_type, parent_id, source_window,
              authors_json, metadata_json, created_at, updated_at
              FROM documents WHERE id = ? AND doc_type = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var row documentRow
	err := s.db.QueryRowContext(ctx, query, id, string(docType)).Scan(
		&row.ID, &row.DocType, &row.Title, &row.Body, &row.ContentType,
		&row.ParentID, &row.SourceWindow, &row.AuthorsJSON, &row.MetadataJSON,
		&row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Document{}, fault.New(fault.KindRepository, op,
			fmt.Sprintf("%s/%s", docType, id), ErrNotFound)
	}
	if err != nil {
		return feed.Document{}, fault.Repository(op, fmt.Sprintf("get %s/%s", docType, id), err)
	}

	return hydrate(row)
}

// Query filters a List call. Every predicate is pushed down to the
// database; nothing is filtered in memory.
type Query struct {
	DocType      feed.DocType // optional: restrict to one type
	ParentID     string       // optional: restrict to children of one document
	Author       string       // optional: restrict to documents naming this author
	SourceWindow string       // optional: restrict to documents from one window
	Since        time.Time    // optional: created_at >= Since
	Until        time.Time    // optional: created_at < Until
	Limit        int          // optional: maximum rows
	Desc         bool         // order descending when true
	ByUpdated    bool         // order by updated_at instead of created_at
}

// List returns documents matching the query, ordered by created_at (or
// updated_at) with id as the tiebreak.
func (s *DocumentStore) List(ctx context.Context, q Query) ([]feed.Document, error) {
	const op = "store.list"

	query := `SELECT id, doc_type, title, body, content_type, parent_id, source_window,
              authors_json, metadata_json, created_at, updated_at
              FROM documents WHERE 1=1`
	var args []any

	if q.DocType != "" {
		query += " AND doc_type = ?"
		args = append(args, string(q.DocType))
	}
	if q.ParentID != "" {
		query += " AND parent_id = ?"
		args = append(args, q.ParentID)
	}
	if q.Author != "" {
		// Authors are stored as a JSON array of strings; match the quoted
		// element so "alice" does not match "alice-2".
		query += " AND authors_json LIKE ?"
		args = append(args, `%"`+q.Author+`"%`)
	}
	if q.SourceWindow != "" {
		query += " AND source_window = ?"
		args = append(args, q.SourceWindow)
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, q.Until.UTC())
	}

	orderCol := "created_at"
	if q.ByUpdated {
		orderCol = "updated_at"
	}
	if q.Desc {
		query += " ORDER BY " + orderCol + " DESC, id DESC"
	} else {
		query += " ORDER BY " + orderCol + " ASC, id ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Repository(op, "list documents", err)
	}
	defer rows.Close()

	var docs []feed.Document
	for rows.Next() {
		var row documentRow
		if err := rows.Scan(
			&row.ID, &row.DocType, &row.Title, &row.Body, &row.ContentType,
			&row.ParentID, &row.SourceWindow, &row.AuthorsJSON, &row.MetadataJSON,
			&row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fault.Repository(op, "scan document", err)
		}

		doc, err := hydrate(row)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Repository(op, "iterate documents", err)
	}
	return docs, nil
}

// RecentPosts returns the newest posts by update time, for the writer's
// recent_posts tool and feed assembly.
func (s *DocumentStore) RecentPosts(ctx context.Context, limit int) ([]feed.Document, error) {
	return s.List(ctx, Query{
		DocType:   feed.DocTypePost,
		Limit:     limit,
		Desc:      true,
		ByUpdated: true,
	})
}

// Delete removes one document. Deleting an absent document is not an error.
func (s *DocumentStore) Delete(ctx context.Context, docType feed.DocType, id string) error {
	query := `DELETE FROM documents WHERE id = ? AND doc_type = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	if _, err := s.db.ExecContext(ctx, query, id, string(docType)); err != nil {
		return fault.Repository("store.delete", fmt.Sprintf("delete %s/%s", docType, id), err)
	}
	return nil
}

// Count returns the number of documents of one type, or of all types when
// docType is empty.
func (s *DocumentStore) Count(ctx context.Context, docType feed.DocType) (int, error) {
	query := `SELECT COUNT(*) FROM documents`
	var args []any
	if docType != "" {
		query += ` WHERE doc_type = ?`
		args = append(args, string(docType))
	}
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fault.Repository("store.count", "count documents", err)
	}
	return n, nil
}

// =============================================================================
// Row conversion
// =============================================================================

func toRow(doc feed.Document) (documentRow, error) {
	if doc.ID == "" {
		return documentRow{}, fmt.Errorf("missing id")
	}
	if !doc.DocType.IsValid() {
		return documentRow{}, fmt.Errorf("unknown doc type %q", doc.DocType)
	}

	authors, err := json.Marshal(orEmptySlice(doc.Authors))
	if err != nil {
		return documentRow{}, fmt.Errorf("marshal authors: %w", err)
	}
	metadata, err := json.Marshal(orEmptyMap(doc.Metadata))
	if err != nil {
		return documentRow{}, fmt.Errorf("marshal metadata: %w", err)
	}

	createdAt := doc.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := doc.UpdatedAt.UTC()
	if updatedAt.Before(createdAt) {
		updatedAt = createdAt
	}

	return documentRow{
		ID:           doc.ID,
		DocType:      string(doc.DocType),
		Title:        doc.Title,
		Body:         doc.ContentBody,
		ContentType:  string(doc.ContentType),
		ParentID:     doc.ParentID,
		SourceWindow: doc.SourceWindow,
		AuthorsJSON:  string(authors),
		MetadataJSON: string(metadata),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// args returns the row in insert column order.
func (r documentRow) args() []any {
	return []any{
		r.ID, r.DocType, r.Title, r.Body, r.ContentType, r.ParentID,
		r.SourceWindow, r.AuthorsJSON, r.MetadataJSON, r.CreatedAt, r.UpdatedAt,
	}
}

// hydrateFunc turns a raw row into a Document. The dispatch table below is
// the single place that knows how each doc type is reconstructed.
type hydrateFunc func(row documentRow) (feed.Document, error)

var hydrators = map[feed.DocType]hydrateFunc{
	feed.DocTypePost:       hydrateTextDocument,
	feed.DocTypeEnrichment: hydrateTextDocument,
	feed.DocTypeProfile:    hydrateTextDocument,
	feed.DocTypeBanner:     hydrateTextDocument,
	feed.DocTypeMedia:      hydrateBinaryDocument,
}

func hydrate(row documentRow) (feed.Document, error) {
	fn, ok := hydrators[feed.DocType(row.DocType)]
	if !ok {
		return feed.Document{}, fault.Repository("store.hydrate",
			fmt.Sprintf("no hydrator for doc type %q (id %s)", row.DocType, row.ID), nil)
	}
	return fn(row)
}

func hydrateTextDocument(row documentRow) (feed.Document, error) {
	return rowToDocument(row)
}

// hydrateBinaryDocument additionally validates the binary-ref contract:
// a media row whose body claims inline content is corrupt.
func hydrateBinaryDocument(row documentRow) (feed.Document, error) {
	if feed.ContentType(row.ContentType) != feed.ContentTypeBinaryRef {
		return feed.Document{}, fault.Repository("store.hydrate",
			fmt.Sprintf("media document %s has non-reference content type %q", row.ID, row.ContentType), nil)
	}
	return rowToDocument(row)
}

func rowToDocument(row documentRow) (feed.Document, error) {
	var authors []string
	if row.AuthorsJSON != "" {
		if err := json.Unmarshal([]byte(row.AuthorsJSON), &authors); err != nil {
			return feed.Document{}, fault.Repository("store.hydrate",
				fmt.Sprintf("corrupt authors for %s/%s", row.DocType, row.ID), err)
		}
	}
	var metadata map[string]string
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &metadata); err != nil {
			return feed.Document{}, fault.Repository("store.hydrate",
				fmt.Sprintf("corrupt metadata for %s/%s", row.DocType, row.ID), err)
		}
	}

	return feed.Document{
		ID:           row.ID,
		DocType:      feed.DocType(row.DocType),
		Title:        row.Title,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
		Authors:      authors,
		ContentBody:  row.Body,
		ContentType:  feed.ContentType(row.ContentType),
		ParentID:     row.ParentID,
		SourceWindow: row.SourceWindow,
		Metadata:     metadata,
	}, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// =============================================================================
// SQL Query Builders (dialect-specific)
// =============================================================================

func (s *DocumentStore) upsertDocumentQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO documents (id, doc_type, title, body, content_type, parent_id,
                source_window, authors_json, metadata_json, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
                ON CONFLICT (id, doc_type) DO UPDATE SET
                title = $3, body = $4, content_type = $5, parent_id = $6,
                source_window = $7, authors_json = $8, metadata_json = $9, updated_at = $11`
	case "mysql":
		return `INSERT INTO documents (id, doc_type, title, body, content_type, parent_id,
                source_window, authors_json, metadata_json, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON DUPLICATE KEY UPDATE
                title = VALUES(title), body = VALUES(body), content_type = VALUES(content_type),
                parent_id = VALUES(parent_id), source_window = VALUES(source_window),
                authors_json = VALUES(authors_json), metadata_json = VALUES(metadata_json),
                updated_at = VALUES(updated_at)`
	default: // sqlite
		return `INSERT INTO documents (id, doc_type, title, body, content_type, parent_id,
                source_window, authors_json, metadata_json, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (id, doc_type) DO UPDATE SET
                title = excluded.title, body = excluded.body, content_type = excluded.content_type,
                parent_id = excluded.parent_id, source_window = excluded.source_window,
                authors_json = excluded.authors_json, metadata_json = excluded.metadata_json,
                updated_at = excluded.updated_at`
	}
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
