package vector

import (
	"context"
	"testing"
)

func memProvider(t *testing.T) *ChromemProvider {
	t.Helper()
	p, err := NewChromemProvider(ChromemConfig{})
	if err != nil {
		t.Fatalf("NewChromemProvider: %v", err)
	}
	return p
}

func seedItems() []Item {
	return []Item{
		{ID: "a", Vector: []float32{1, 0, 0}, Metadata: map[string]any{"doc_type": "post", "content": "alpha body"}},
		{ID: "b", Vector: []float32{0.8, 0.6, 0}, Metadata: map[string]any{"doc_type": "post", "content": "beta body"}},
		{ID: "c", Vector: []float32{0, 1, 0}, Metadata: map[string]any{"doc_type": "media", "content": "gamma body"}},
	}
}

func TestChromemUpsertAndSearch(t *testing.T) {
	p := memProvider(t)
	ctx := context.Background()

	if err := p.UpsertBatch(ctx, "docs", seedItems()); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	results, err := p.Search(ctx, "docs", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("order = %s, %s", results[0].ID, results[1].ID)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %v >= %v expected", results[0].Score, results[1].Score)
	}
	if results[0].Content != "alpha body" {
		t.Errorf("content = %q", results[0].Content)
	}
	if results[0].Metadata["doc_type"] != "post" {
		t.Errorf("metadata = %v", results[0].Metadata)
	}
	if len(results[0].Vector) != 3 {
		t.Errorf("vector = %v", results[0].Vector)
	}
}

func TestChromemUpsertReplacesByID(t *testing.T) {
	p := memProvider(t)
	ctx := context.Background()

	if err := p.Upsert(ctx, "docs", "a", []float32{1, 0, 0}, map[string]any{"content": "old"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := p.Upsert(ctx, "docs", "a", []float32{0, 1, 0}, map[string]any{"content": "new"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := p.Search(ctx, "docs", []float32{0, 1, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 after replace", len(results))
	}
	if results[0].Content != "new" {
		t.Errorf("content = %q, want replaced payload", results[0].Content)
	}
}

func TestChromemSearchWithFilter(t *testing.T) {
	p := memProvider(t)
	ctx := context.Background()

	if err := p.UpsertBatch(ctx, "docs", seedItems()); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	results, err := p.SearchWithFilter(ctx, "docs", []float32{1, 0, 0}, 5, map[string]any{"doc_type": "media"})
	if err != nil {
		t.Fatalf("SearchWithFilter: %v", err)
	}
	if len(results) != 1 || results[0].ID != "c" {
		t.Errorf("results = %+v, want just c", results)
	}
}

func TestChromemSearchEmptyCollection(t *testing.T) {
	p := memProvider(t)

	results, err := p.Search(context.Background(), "docs", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none", results)
	}
}

func TestChromemDelete(t *testing.T) {
	p := memProvider(t)
	ctx := context.Background()

	if err := p.UpsertBatch(ctx, "docs", seedItems()); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if err := p.Delete(ctx, "docs", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	results, err := p.Search(ctx, "docs", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ID == "a" {
			t.Error("deleted vector still returned")
		}
	}

	if err := p.DeleteByFilter(ctx, "docs", map[string]any{"doc_type": "post"}); err != nil {
		t.Fatalf("DeleteByFilter: %v", err)
	}
	results, err = p.Search(ctx, "docs", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "c" {
		t.Errorf("results = %+v, want just the media vector", results)
	}
}

func TestChromemDeleteCollection(t *testing.T) {
	p := memProvider(t)
	ctx := context.Background()

	if err := p.UpsertBatch(ctx, "docs", seedItems()); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if err := p.DeleteCollection(ctx, "docs"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}

	results, err := p.Search(ctx, "docs", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none after drop", results)
	}
}

func TestChromemPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p, err := NewChromemProvider(ChromemConfig{PersistPath: dir})
	if err != nil {
		t.Fatalf("NewChromemProvider: %v", err)
	}
	if err := p.UpsertBatch(ctx, "docs", seedItems()); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewChromemProvider(ChromemConfig{PersistPath: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	results, err := reopened.Search(ctx, "docs", []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Errorf("results = %+v, want the persisted vector", results)
	}
}

func TestNilProvider(t *testing.T) {
	var p Provider = NilProvider{}
	ctx := context.Background()

	if err := p.UpsertBatch(ctx, "docs", seedItems()); err != nil {
		t.Errorf("UpsertBatch: %v", err)
	}
	results, err := p.Search(ctx, "docs", []float32{1, 0, 0}, 5)
	if err != nil {
		t.Errorf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("results = %+v, want nil", results)
	}
	if p.Name() != "nil" {
		t.Errorf("Name() = %q", p.Name())
	}
}
