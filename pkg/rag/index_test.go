package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/store"
	"github.com/franklinbaldo/egregora-sub012/pkg/vector"
)

// stubEmbedder returns canned vectors keyed by exact input text.
type stubEmbedder struct {
	dim  int
	docs map[string][]float32
	qry  map[string][]float32

	mu         sync.Mutex
	docCalls   int
	queryCalls int
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.docCalls++
	s.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, ok := s.docs[t]
		if !ok {
			return nil, fmt.Errorf("no stub vector for %q", t)
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	s.queryCalls++
	s.mu.Unlock()

	vec, ok := s.qry[text]
	if !ok {
		return nil, fmt.Errorf("no stub vector for query %q", text)
	}
	return vec, nil
}

func (s *stubEmbedder) Dimension() int { return s.dim }

func (s *stubEmbedder) Model() string { return "stub-embedder" }

func (s *stubEmbedder) Close() error { return nil }

type listerFunc func(ctx context.Context, q store.Query) ([]feed.Document, error)

func (f listerFunc) List(ctx context.Context, q store.Query) ([]feed.Document, error) {
	return f(ctx, q)
}

var emptyLister = listerFunc(func(context.Context, store.Query) ([]feed.Document, error) {
	return nil, nil
})

// countingProvider records vector searches so cache hits are observable.
type countingProvider struct {
	vector.Provider
	searches atomic.Int32
}

func (p *countingProvider) Search(ctx context.Context, collection string, vec []float32, topK int) ([]vector.Result, error) {
	p.searches.Add(1)
	return p.Provider.Search(ctx, collection, vec, topK)
}

func memProvider(t *testing.T) vector.Provider {
	t.Helper()
	p, err := vector.NewChromemProvider(vector.ChromemConfig{})
	if err != nil {
		t.Fatalf("NewChromemProvider: %v", err)
	}
	return p
}

func testPost(id, title, body string) feed.Document {
	return feed.Document{
		ID:          id,
		DocType:     feed.DocTypePost,
		Title:       title,
		ContentBody: body,
		ContentType: feed.ContentTypeMarkdown,
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestIndex(t *testing.T, emb Embedder, cfg Config) *Index {
	t.Helper()
	idx, err := New(context.Background(), Deps{
		Provider: memProvider(t),
		Embedder: emb,
		Lister:   emptyLister,
	}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return idx
}

func TestNewValidatesDeps(t *testing.T) {
	emb := &stubEmbedder{dim: 3}
	provider := vector.NilProvider{}

	tests := []struct {
		name string
		deps Deps
	}{
		{"missing provider", Deps{Embedder: emb, Lister: emptyLister}},
		{"missing embedder", Deps{Provider: provider, Lister: emptyLister}},
		{"missing lister", Deps{Provider: provider, Embedder: emb}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.deps, Config{}); !fault.IsKind(err, fault.KindInvalidInput) {
				t.Errorf("err = %v, want invalid input", err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{IndexableTypes: []feed.DocType{"bogus"}}
	if err := cfg.Validate(); !fault.IsKind(err, fault.KindInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}

	cfg = Config{MinSimilarity: 1.5}
	if err := cfg.Validate(); !fault.IsKind(err, fault.KindInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func TestIndexDocumentsFiltersAndCounts(t *testing.T) {
	emb := &stubEmbedder{
		dim: 3,
		docs: map[string][]float32{
			"Alpha\n\nbody a": {1, 0, 0},
			"Beta\n\nbody b":  {0, 1, 0},
		},
		qry: map[string][]float32{"find alpha": {1, 0, 0}},
	}
	idx := newTestIndex(t, emb, Config{})

	media := feed.Document{ID: "m1", DocType: feed.DocTypeMedia, Title: "pic", ContentBody: "x"}
	binary := testPost("bin", "Bin", "ignored")
	binary.ContentType = feed.ContentTypeBinaryRef
	empty := testPost("empty", "", "")

	n, err := idx.IndexDocuments(context.Background(), []feed.Document{
		testPost("a", "Alpha", "body a"),
		media,
		binary,
		empty,
		testPost("b", "Beta", "body b"),
	})
	if err != nil {
		t.Fatalf("IndexDocuments: %v", err)
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}
	if emb.docCalls != 1 {
		t.Errorf("docCalls = %d, want one batch", emb.docCalls)
	}

	hits, err := idx.Search(context.Background(), "find alpha", 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].DocID != "a" || hits[1].DocID != "b" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestIndexDocumentsNothingEligible(t *testing.T) {
	emb := &stubEmbedder{dim: 3}
	idx := newTestIndex(t, emb, Config{})

	n, err := idx.IndexDocuments(context.Background(), nil)
	if err != nil || n != 0 {
		t.Errorf("IndexDocuments(nil) = %d, %v", n, err)
	}

	media := feed.Document{ID: "m1", DocType: feed.DocTypeMedia, Title: "pic", ContentBody: "x"}
	n, err = idx.IndexDocuments(context.Background(), []feed.Document{media})
	if err != nil || n != 0 {
		t.Errorf("IndexDocuments(media) = %d, %v", n, err)
	}
	if emb.docCalls != 0 {
		t.Errorf("docCalls = %d, want 0", emb.docCalls)
	}
}

func TestIndexRejectsMismatchedVector(t *testing.T) {
	emb := &stubEmbedder{dim: 3}
	idx := newTestIndex(t, emb, Config{})

	doc := testPost("a", "Alpha", "body a")
	doc.Vector = []float32{1, 2} // wrong dimensionality

	n, err := idx.IndexDocuments(context.Background(), []feed.Document{doc})
	if !fault.IsKind(err, fault.KindInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}

func TestIndexReusesProvidedVectors(t *testing.T) {
	emb := &stubEmbedder{
		dim: 3,
		qry: map[string][]float32{"q": {1, 0, 0}},
	}
	idx := newTestIndex(t, emb, Config{})

	doc := testPost("a", "Alpha", "body a")
	doc.Vector = []float32{1, 0, 0}

	n, err := idx.IndexDocuments(context.Background(), []feed.Document{doc})
	if err != nil {
		t.Fatalf("IndexDocuments: %v", err)
	}
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
	if emb.docCalls != 0 {
		t.Errorf("docCalls = %d, want 0 when vectors are provided", emb.docCalls)
	}

	hits, err := idx.Search(context.Background(), "q", 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].DocID != "a" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestSearchRankingTopKAndMinSimilarity(t *testing.T) {
	emb := &stubEmbedder{
		dim: 3,
		docs: map[string][]float32{
			"Alpha\n\na": {1, 0, 0},
			"Beta\n\nb":  {0.8, 0.6, 0},
			"Gamma\n\ng": {0, 1, 0},
		},
		qry: map[string][]float32{"like alpha": {1, 0, 0}},
	}
	idx := newTestIndex(t, emb, Config{})

	if _, err := idx.IndexDocuments(context.Background(), []feed.Document{
		testPost("alpha", "Alpha", "a"),
		testPost("beta", "Beta", "b"),
		testPost("gamma", "Gamma", "g"),
	}); err != nil {
		t.Fatalf("IndexDocuments: %v", err)
	}

	hits, err := idx.Search(context.Background(), "like alpha", 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}
	if hits[0].DocID != "alpha" || hits[1].DocID != "beta" || hits[2].DocID != "gamma" {
		t.Errorf("order = %s, %s, %s", hits[0].DocID, hits[1].DocID, hits[2].DocID)
	}
	if hits[0].Score < hits[1].Score || hits[1].Score < hits[2].Score {
		t.Errorf("scores not descending: %+v", hits)
	}

	// minSimilarity filters gamma (score ~0) and keeps beta (score ~0.8).
	hits, err = idx.Search(context.Background(), "like alpha", 10, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits above 0.5, want 2: %+v", len(hits), hits)
	}

	// topK truncates after ranking.
	hits, err = idx.Search(context.Background(), "like alpha", 1, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].DocID != "alpha" {
		t.Errorf("hits = %+v, want just alpha", hits)
	}

	// The minSimilarity bound is inclusive: an exact match scores 1.0.
	hits, err = idx.Search(context.Background(), "like alpha", 10, 1.0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].DocID != "alpha" {
		t.Errorf("hits = %+v, want just alpha at the boundary", hits)
	}
}

func TestSearchEdgeCases(t *testing.T) {
	emb := &stubEmbedder{dim: 3, qry: map[string][]float32{"q": {1, 0, 0}}}
	idx := newTestIndex(t, emb, Config{})

	if _, err := idx.Search(context.Background(), "  ", 5, 0); !fault.IsKind(err, fault.KindInvalidInput) {
		t.Errorf("err = %v, want invalid input for blank query", err)
	}

	// Empty index: no hits, no error.
	hits, err := idx.Search(context.Background(), "q", 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %+v, want none", hits)
	}
}

func TestVersionHashAdvancesOnUpsert(t *testing.T) {
	emb := &stubEmbedder{
		dim:  3,
		docs: map[string][]float32{"Alpha\n\na": {1, 0, 0}},
		qry:  map[string][]float32{"q": {1, 0, 0}},
	}
	idx := newTestIndex(t, emb, Config{})

	v0 := idx.VersionHash()
	if v0 == "" {
		t.Fatal("empty initial version hash")
	}

	docs := []feed.Document{testPost("a", "Alpha", "a")}
	if _, err := idx.IndexDocuments(context.Background(), docs); err != nil {
		t.Fatalf("IndexDocuments: %v", err)
	}
	v1 := idx.VersionHash()
	if v1 == v0 {
		t.Error("version hash did not change after upsert")
	}

	// Re-upserting the same document still advances the hash.
	if _, err := idx.IndexDocuments(context.Background(), docs); err != nil {
		t.Fatalf("IndexDocuments: %v", err)
	}
	v2 := idx.VersionHash()
	if v2 == v1 {
		t.Error("version hash did not change after second upsert")
	}

	// Searching is read-only.
	if _, err := idx.Search(context.Background(), "q", 5, 0); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if idx.VersionHash() != v2 {
		t.Error("version hash changed on search")
	}
}

func TestSearchRetrievalCache(t *testing.T) {
	l2, err := cache.NewStore(t.TempDir(), cache.TierRetrieval, time.Hour)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	provider := &countingProvider{Provider: memProvider(t)}
	emb := &stubEmbedder{
		dim:  3,
		docs: map[string][]float32{"Alpha\n\na": {1, 0, 0}},
		qry:  map[string][]float32{"q": {1, 0, 0}},
	}
	idx, err := New(context.Background(), Deps{
		Provider: provider,
		Embedder: emb,
		Lister:   emptyLister,
		Cache:    l2,
	}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := idx.IndexDocuments(context.Background(), []feed.Document{testPost("a", "Alpha", "a")}); err != nil {
		t.Fatalf("IndexDocuments: %v", err)
	}

	first, err := idx.Search(context.Background(), "q", 5, 0)
	if err != nil {
		t.Fatalf("first Search: %v", err)
	}
	if provider.searches.Load() != 1 {
		t.Fatalf("searches = %d, want 1", provider.searches.Load())
	}

	// Identical search is served from the retrieval cache.
	second, err := idx.Search(context.Background(), "q", 5, 0)
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if provider.searches.Load() != 1 {
		t.Errorf("searches = %d, want 1 after cache hit", provider.searches.Load())
	}
	if len(second) != len(first) || second[0] != first[0] {
		t.Errorf("cached hits = %+v, want %+v", second, first)
	}

	// Any upsert changes the version hash, which invalidates the cache key.
	if _, err := idx.IndexDocuments(context.Background(), []feed.Document{testPost("a", "Alpha", "a")}); err != nil {
		t.Fatalf("IndexDocuments: %v", err)
	}
	if _, err := idx.Search(context.Background(), "q", 5, 0); err != nil {
		t.Fatalf("third Search: %v", err)
	}
	if provider.searches.Load() != 2 {
		t.Errorf("searches = %d, want 2 after reindex", provider.searches.Load())
	}

	// The query is re-embedded every time; only the vector search is cached.
	if emb.queryCalls != 3 {
		t.Errorf("queryCalls = %d, want 3", emb.queryCalls)
	}
}

func TestRebuildReindexesFromRepository(t *testing.T) {
	corpus := []feed.Document{
		testPost("a", "Alpha", "a"),
		testPost("b", "Beta", "b"),
	}
	var listCalls atomic.Int32
	lister := listerFunc(func(ctx context.Context, q store.Query) ([]feed.Document, error) {
		listCalls.Add(1)
		if q.DocType != feed.DocTypePost {
			t.Errorf("query doc type = %q, want post", q.DocType)
		}
		return corpus, nil
	})

	emb := &stubEmbedder{
		dim: 3,
		docs: map[string][]float32{
			"Alpha\n\na": {1, 0, 0},
			"Beta\n\nb":  {0, 1, 0},
		},
		qry: map[string][]float32{"q": {1, 0, 0}},
	}
	idx, err := New(context.Background(), Deps{
		Provider: memProvider(t),
		Embedder: emb,
		Lister:   lister,
	}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	total, err := idx.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if listCalls.Load() != 1 {
		t.Errorf("listCalls = %d, want 1", listCalls.Load())
	}

	hits, err := idx.Search(context.Background(), "q", 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}
}

func TestNewAdoptsMatchingState(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "index-state.json")
	emb := &stubEmbedder{
		dim:  3,
		docs: map[string][]float32{"Alpha\n\na": {1, 0, 0}},
	}

	idx1, err := New(context.Background(), Deps{
		Provider: memProvider(t),
		Embedder: emb,
		Lister:   emptyLister,
	}, Config{StatePath: statePath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := idx1.IndexDocuments(context.Background(), []feed.Document{testPost("a", "Alpha", "a")}); err != nil {
		t.Fatalf("IndexDocuments: %v", err)
	}
	v1 := idx1.VersionHash()

	var listCalls atomic.Int32
	lister := listerFunc(func(ctx context.Context, q store.Query) ([]feed.Document, error) {
		listCalls.Add(1)
		return nil, nil
	})
	idx2, err := New(context.Background(), Deps{
		Provider: memProvider(t),
		Embedder: &stubEmbedder{dim: 3},
		Lister:   lister,
	}, Config{StatePath: statePath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if idx2.VersionHash() != v1 {
		t.Errorf("version hash = %s, want adopted %s", idx2.VersionHash(), v1)
	}
	if listCalls.Load() != 0 {
		t.Errorf("listCalls = %d, matching state must not rebuild", listCalls.Load())
	}
}

func TestNewRebuildsOnDimensionChange(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "index-state.json")

	emb3 := &stubEmbedder{
		dim:  3,
		docs: map[string][]float32{"Alpha\n\na": {1, 0, 0}},
	}
	idx1, err := New(context.Background(), Deps{
		Provider: memProvider(t),
		Embedder: emb3,
		Lister:   emptyLister,
	}, Config{StatePath: statePath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := idx1.IndexDocuments(context.Background(), []feed.Document{testPost("a", "Alpha", "a")}); err != nil {
		t.Fatalf("IndexDocuments: %v", err)
	}
	v1 := idx1.VersionHash()

	// Reopen with a wider embedder, as after a model upgrade. The persisted
	// state no longer matches, so New rebuilds from the repository.
	corpus := []feed.Document{testPost("a", "Alpha", "a"), testPost("b", "Beta", "b")}
	var listCalls atomic.Int32
	lister := listerFunc(func(ctx context.Context, q store.Query) ([]feed.Document, error) {
		listCalls.Add(1)
		return corpus, nil
	})
	emb4 := &stubEmbedder{
		dim: 4,
		docs: map[string][]float32{
			"Alpha\n\na": {1, 0, 0, 0},
			"Beta\n\nb":  {0, 1, 0, 0},
		},
		qry: map[string][]float32{"q": {1, 0, 0, 0}},
	}
	idx2, err := New(context.Background(), Deps{
		Provider: memProvider(t),
		Embedder: emb4,
		Lister:   lister,
	}, Config{StatePath: statePath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if listCalls.Load() != 1 {
		t.Errorf("listCalls = %d, want a rebuild", listCalls.Load())
	}
	if idx2.Dimension() != 4 {
		t.Errorf("Dimension() = %d, want 4", idx2.Dimension())
	}
	if idx2.VersionHash() == v1 {
		t.Error("version hash survived a rebuild with different dimensionality")
	}

	hits, err := idx2.Search(context.Background(), "q", 5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var st indexState
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Dimension != 4 || st.Model != "stub-embedder" {
		t.Errorf("state = %+v", st)
	}
}

func TestNewRebuildsOnCorruptState(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "index-state.json")
	if err := os.WriteFile(statePath, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	var listCalls atomic.Int32
	lister := listerFunc(func(ctx context.Context, q store.Query) ([]feed.Document, error) {
		listCalls.Add(1)
		return nil, nil
	})
	if _, err := New(context.Background(), Deps{
		Provider: memProvider(t),
		Embedder: &stubEmbedder{dim: 3},
		Lister:   lister,
	}, Config{StatePath: statePath}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if listCalls.Load() != 1 {
		t.Errorf("listCalls = %d, want a rebuild", listCalls.Load())
	}
}
