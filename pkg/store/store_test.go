package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
)

func newTestStore(t *testing.T) *DocumentStore {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "documents.db"))
	require.NoError(t, err)

	s, err := NewDocumentStore(db, "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPost(id string, createdAt time.Time) feed.Document {
	return feed.Document{
		ID:           id,
		DocType:      feed.DocTypePost,
		Title:        "Post " + id,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
		Authors:      []string{"author-1", "author-2"},
		ContentBody:  "body of " + id,
		ContentType:  feed.ContentTypeMarkdown,
		SourceWindow: "2025-01-01",
		Metadata:     map[string]string{"model": "gemini-2.5-flash"},
	}
}

func TestNewDocumentStoreDialects(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "d.db"))
	require.NoError(t, err)
	defer db.Close()

	s, err := NewDocumentStore(db, "sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Dialect())

	_, err = NewDocumentStore(db, "oracle")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))

	_, err = NewDocumentStore(nil, "sqlite")
	require.Error(t, err)
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	doc := testPost("2025-03-10-weekly", created)
	doc.ParentID = ""
	require.NoError(t, s.Upsert(ctx, doc))

	got, err := s.Get(ctx, feed.DocTypePost, "2025-03-10-weekly")
	require.NoError(t, err)

	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, feed.DocTypePost, got.DocType)
	assert.Equal(t, doc.Title, got.Title)
	assert.Equal(t, doc.ContentBody, got.ContentBody)
	assert.Equal(t, feed.ContentTypeMarkdown, got.ContentType)
	assert.Equal(t, doc.Authors, got.Authors)
	assert.Equal(t, doc.Metadata, got.Metadata)
	assert.Equal(t, "2025-01-01", got.SourceWindow)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.UpdatedAt.Equal(created))
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	doc := testPost("replayed", created)
	require.NoError(t, s.Upsert(ctx, doc))

	// Replay the window: same identity, fresh content, later update time.
	doc.ContentBody = "regenerated body"
	doc.Title = "Regenerated"
	doc.UpdatedAt = created.Add(48 * time.Hour)
	doc.CreatedAt = created.Add(48 * time.Hour) // must NOT overwrite the stored value
	require.NoError(t, s.Upsert(ctx, doc))

	got, err := s.Get(ctx, feed.DocTypePost, "replayed")
	require.NoError(t, err)
	assert.Equal(t, "regenerated body", got.ContentBody)
	assert.Equal(t, "Regenerated", got.Title)
	assert.True(t, got.CreatedAt.Equal(created), "created_at must survive replay, got %v", got.CreatedAt)
	assert.True(t, got.UpdatedAt.Equal(created.Add(48*time.Hour)))

	n, err := s.Count(ctx, feed.DocTypePost)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "replay must not duplicate the row")
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), feed.DocTypePost, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, fault.IsKind(err, fault.KindRepository))
}

func TestSameIDDifferentTypeAreDistinct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	post := testPost("shared-id", ts)
	require.NoError(t, s.Upsert(ctx, post))

	enrichment := feed.Document{
		ID:          "shared-id",
		DocType:     feed.DocTypeEnrichment,
		Title:       "Summary",
		CreatedAt:   ts,
		UpdatedAt:   ts,
		ContentBody: "an enrichment",
		ContentType: feed.ContentTypeText,
		ParentID:    "some-media",
	}
	require.NoError(t, s.Upsert(ctx, enrichment))

	gotPost, err := s.Get(ctx, feed.DocTypePost, "shared-id")
	require.NoError(t, err)
	gotEnr, err := s.Get(ctx, feed.DocTypeEnrichment, "shared-id")
	require.NoError(t, err)

	assert.Equal(t, "body of shared-id", gotPost.ContentBody)
	assert.Equal(t, "an enrichment", gotEnr.ContentBody)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		doc := testPost(string(rune('a'+i)), base.AddDate(0, 0, i))
		require.NoError(t, s.Upsert(ctx, doc))
	}
	for i := 0; i < 3; i++ {
		enr := feed.Document{
			ID:          "enr-" + string(rune('a'+i)),
			DocType:     feed.DocTypeEnrichment,
			CreatedAt:   base.AddDate(0, 0, i),
			UpdatedAt:   base.AddDate(0, 0, i),
			ContentBody: "e",
			ContentType: feed.ContentTypeText,
			ParentID:    "media-1",
		}
		require.NoError(t, s.Upsert(ctx, enr))
	}

	t.Run("by type", func(t *testing.T) {
		docs, err := s.List(ctx, Query{DocType: feed.DocTypePost})
		require.NoError(t, err)
		assert.Len(t, docs, 5)
		for _, d := range docs {
			assert.Equal(t, feed.DocTypePost, d.DocType)
		}
	})

	t.Run("by parent", func(t *testing.T) {
		docs, err := s.List(ctx, Query{DocType: feed.DocTypeEnrichment, ParentID: "media-1"})
		require.NoError(t, err)
		assert.Len(t, docs, 3)
	})

	t.Run("time range", func(t *testing.T) {
		docs, err := s.List(ctx, Query{
			DocType: feed.DocTypePost,
			Since:   base.AddDate(0, 0, 1),
			Until:   base.AddDate(0, 0, 3),
		})
		require.NoError(t, err)
		require.Len(t, docs, 2) // days 1 and 2; Until is exclusive
		assert.Equal(t, "b", docs[0].ID)
		assert.Equal(t, "c", docs[1].ID)
	})

	t.Run("limit and descending", func(t *testing.T) {
		docs, err := s.List(ctx, Query{DocType: feed.DocTypePost, Limit: 2, Desc: true})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "e", docs[0].ID)
		assert.Equal(t, "d", docs[1].ID)
	})

	t.Run("by author", func(t *testing.T) {
		solo := testPost("solo", base.AddDate(0, 0, 10))
		solo.Authors = []string{"author-9"}
		require.NoError(t, s.Upsert(ctx, solo))

		docs, err := s.List(ctx, Query{DocType: feed.DocTypePost, Author: "author-9"})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "solo", docs[0].ID)

		// Quoted-element matching: "author-9" must not match "author-99".
		docs, err = s.List(ctx, Query{DocType: feed.DocTypePost, Author: "author-99"})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("by source window", func(t *testing.T) {
		docs, err := s.List(ctx, Query{SourceWindow: "2025-01-01"})
		require.NoError(t, err)
		for _, d := range docs {
			assert.Equal(t, "2025-01-01", d.SourceWindow)
		}
		assert.NotEmpty(t, docs)
	})

	t.Run("ascending order with id tiebreak", func(t *testing.T) {
		twin := testPost("aa", base) // same created_at as "a"
		require.NoError(t, s.Upsert(ctx, twin))

		docs, err := s.List(ctx, Query{DocType: feed.DocTypePost, Until: base.AddDate(0, 0, 1)})
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "a", docs[0].ID)
		assert.Equal(t, "aa", docs[1].ID)
	})
}

func TestRecentPosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		doc := testPost(string(rune('p'+i)), base.AddDate(0, 0, i))
		require.NoError(t, s.Upsert(ctx, doc))
	}
	// An enrichment must never show up among posts.
	enr := feed.Document{
		ID: "e1", DocType: feed.DocTypeEnrichment, CreatedAt: base.AddDate(0, 0, 9),
		UpdatedAt: base.AddDate(0, 0, 9), ContentBody: "x", ContentType: feed.ContentTypeText,
	}
	require.NoError(t, s.Upsert(ctx, enr))

	posts, err := s.RecentPosts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "s", posts[0].ID)
	assert.Equal(t, "r", posts[1].ID)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := testPost("doomed", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.Upsert(ctx, doc))

	require.NoError(t, s.Delete(ctx, feed.DocTypePost, "doomed"))
	require.NoError(t, s.Delete(ctx, feed.DocTypePost, "doomed")) // second delete is a no-op

	_, err := s.Get(ctx, feed.DocTypePost, "doomed")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpsertBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	batch := []feed.Document{
		testPost("good-1", ts),
		{ID: "", DocType: feed.DocTypePost, CreatedAt: ts}, // invalid: missing id
		testPost("good-2", ts),
	}

	err := s.UpsertBatch(ctx, batch)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))

	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed batch must leave no rows behind")

	require.NoError(t, s.UpsertBatch(ctx, []feed.Document{testPost("good-1", ts), testPost("good-2", ts)}))
	n, err = s.Count(ctx, feed.DocTypePost)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpsertRejectsInvalidDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, feed.Document{DocType: feed.DocTypePost})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))

	err = s.Upsert(ctx, feed.Document{ID: "x", DocType: "hologram"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))
}

func TestMediaRoundTripKeepsBinaryRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref := feed.MediaRef{Handle: "IMG-0001.jpg", MimeType: "image/jpeg"}
	media, err := feed.NewMediaDocument(ref, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, media))

	got, err := s.Get(ctx, feed.DocTypeMedia, media.ID)
	require.NoError(t, err)
	assert.Equal(t, feed.ContentTypeBinaryRef, got.ContentType)
	assert.Equal(t, media.ContentBody, got.ContentBody)
}

func TestHydrateRejectsCorruptRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("unknown doc type", func(t *testing.T) {
		_, err := s.db.ExecContext(ctx, s.upsertDocumentQuery(),
			"weird-1", "hologram", "t", "b", "text/plain", "", "", "[]", "{}",
			time.Now().UTC(), time.Now().UTC())
		require.NoError(t, err)

		_, err = s.Get(ctx, "hologram", "weird-1")
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindRepository))
		assert.Contains(t, err.Error(), "no hydrator")
	})

	t.Run("media with inline content type", func(t *testing.T) {
		ref := feed.MediaRef{Handle: "v.mp4", MimeType: "video/mp4"}
		media, err := feed.NewMediaDocument(ref, time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, s.Upsert(ctx, media))

		_, err = s.db.ExecContext(ctx,
			`UPDATE documents SET content_type = 'text/plain' WHERE id = ? AND doc_type = ?`,
			media.ID, string(feed.DocTypeMedia))
		require.NoError(t, err)

		_, err = s.Get(ctx, feed.DocTypeMedia, media.ID)
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindRepository))
	})

	t.Run("corrupt metadata json", func(t *testing.T) {
		_, err := s.db.ExecContext(ctx, s.upsertDocumentQuery(),
			"bad-json", "post", "t", "b", "text/markdown", "", "", "[]", "{not json",
			time.Now().UTC(), time.Now().UTC())
		require.NoError(t, err)

		_, err = s.Get(ctx, feed.DocTypePost, "bad-json")
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindRepository))
	})
}

func TestConvertToPostgresPlaceholders(t *testing.T) {
	query := "SELECT * FROM documents WHERE id = ? AND doc_type = ? LIMIT ?"
	converted := convertToPostgresPlaceholders(query)
	assert.Equal(t, "SELECT * FROM documents WHERE id = $1 AND doc_type = $2 LIMIT $3", converted)
}

func TestUpsertDocumentQueryDialects(t *testing.T) {
	for dialect, marker := range map[string]string{
		"sqlite":   "excluded.title",
		"mysql":    "VALUES(title)",
		"postgres": "$11",
	} {
		s := &DocumentStore{dialect: dialect}
		query := s.upsertDocumentQuery()
		assert.Contains(t, query, marker, "dialect %s", dialect)
		assert.NotContains(t, query, "created_at = ", "created_at must never be updated on conflict (%s)", dialect)
	}
}
