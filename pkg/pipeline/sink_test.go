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

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
)

func testPost(t *testing.T, id, title, body string) feed.Document {
	t.Helper()
	date := time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)
	post, err := feed.NewPost(id, title, date, []string{"member-1"}, body)
	require.NoError(t, err)
	post.SourceWindow = "20250810T090000Z"
	return post
}

func TestFSSinkPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFSSink(dir)
	require.NoError(t, err)
	ctx := context.Background()

	post := testPost(t, "2025-08-10-garden-day", "Garden Day", "The club planned the beds.")
	require.NoError(t, sink.Persist(ctx, post))

	// Non-posts live in the repository only.
	profile, err := feed.NewProfileDocument("member-1", "Writes about soil.", post.CreatedAt)
	require.NoError(t, err)
	require.NoError(t, sink.Persist(ctx, profile))

	files, err := os.ReadDir(filepath.Join(dir, "posts"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "2025-08-10-garden-day.md", files[0].Name())

	var docs []feed.Document
	for doc, err := range sink.Documents(ctx) {
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	require.Len(t, docs, 1)

	got := docs[0]
	assert.Equal(t, post.ID, got.ID)
	assert.Equal(t, feed.DocTypePost, got.DocType)
	assert.Equal(t, post.Title, got.Title)
	assert.True(t, got.CreatedAt.Equal(post.CreatedAt))
	assert.Equal(t, post.Authors, got.Authors)
	assert.Equal(t, post.SourceWindow, got.SourceWindow)
	assert.Equal(t, post.ContentBody, got.ContentBody)
	assert.Equal(t, feed.ContentTypeMarkdown, got.ContentType)
}

func TestFSSinkPersistIdempotent(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFSSink(dir)
	require.NoError(t, err)
	ctx := context.Background()

	post := testPost(t, "2025-08-10-garden-day", "Garden Day", "The club planned the beds.")
	require.NoError(t, sink.Persist(ctx, post))

	path := filepath.Join(dir, "posts", "2025-08-10-garden-day.md")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, sink.Persist(ctx, post))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	files, err := os.ReadDir(filepath.Join(dir, "posts"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFSSinkRejectsNonSlugID(t *testing.T) {
	sink, err := NewFSSink(t.TempDir())
	require.NoError(t, err)

	doc := feed.Document{
		ID:          "../escape",
		DocType:     feed.DocTypePost,
		Title:       "Escape",
		CreatedAt:   time.Now().UTC(),
		ContentBody: "body",
	}
	err = sink.Persist(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))
}

func TestFSSinkPublishReplacesSnapshot(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFSSink(dir)
	require.NoError(t, err)
	ctx := context.Background()

	post := testPost(t, "2025-08-10-garden-day", "Garden Day", "The club planned the beds.")
	meta := feed.Meta{ID: "urn:test:feed", Title: "Garden Club"}

	f, err := feed.FromDocuments(meta, []feed.Document{post})
	require.NoError(t, err)
	require.NoError(t, sink.Publish(ctx, f))

	raw, err := os.ReadFile(filepath.Join(dir, FeedFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Garden Club")
	assert.Contains(t, string(raw), "Garden Day")

	meta.Title = "Garden Club Weekly"
	f, err = feed.FromDocuments(meta, []feed.Document{post})
	require.NoError(t, err)
	require.NoError(t, sink.Publish(ctx, f))

	raw, err = os.ReadFile(filepath.Join(dir, FeedFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Garden Club Weekly")
}

func TestFSSinkDocumentsSurfacesCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFSSink(dir)
	require.NoError(t, err)
	ctx := context.Background()

	post := testPost(t, "2025-08-10-garden-day", "Garden Day", "The club planned the beds.")
	require.NoError(t, sink.Persist(ctx, post))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "posts", "broken.md"), []byte("no front matter"), 0o644))

	var docs []feed.Document
	var errs []error
	for doc, err := range sink.Documents(ctx) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, doc)
	}

	require.Len(t, errs, 1)
	assert.True(t, fault.IsKind(errs[0], fault.KindInvalidInput))
	assert.True(t, strings.Contains(errs[0].Error(), "broken.md"))
	require.Len(t, docs, 1)
	assert.Equal(t, post.ID, docs[0].ID)
}
