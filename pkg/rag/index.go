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

package rag

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
	"github.com/franklinbaldo/egregora-sub012/pkg/observability"
	"github.com/franklinbaldo/egregora-sub012/pkg/store"
	"github.com/franklinbaldo/egregora-sub012/pkg/vector"
)

const (
	// DefaultCollection is the vector collection name.
	DefaultCollection = "egregora"

	// DefaultTopK bounds search results when the caller passes no limit.
	DefaultTopK = 5

	stateFormatVersion = 1
)

// Hit is one search result: a document id and its similarity score.
type Hit struct {
	DocID string  `json:"doc_id"`
	Score float32 `json:"score"`
}

// DocumentLister is the read-only repository slice the index needs for
// rebuilds. The index reads documents; it never mutates them.
type DocumentLister interface {
	List(ctx context.Context, q store.Query) ([]feed.Document, error)
}

// Config tunes the index.
type Config struct {
	Collection     string         `yaml:"collection"`
	IndexableTypes []feed.DocType `yaml:"indexable_types"`
	TopK           int            `yaml:"top_k"`
	MinSimilarity  float32        `yaml:"min_similarity"`

	// StatePath is a JSON sidecar recording the embedder parameters and
	// version hash of the stored vectors. Empty disables persistence, so
	// rebuild-on-mismatch detection only works across restarts when set.
	StatePath string `yaml:"state_path,omitempty"`
}

// SetDefaults fills unset fields with production defaults.
func (c *Config) SetDefaults() {
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if len(c.IndexableTypes) == 0 {
		c.IndexableTypes = []feed.DocType{feed.DocTypePost}
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
}

// Validate rejects configurations the index cannot run with.
func (c *Config) Validate() error {
	const op = "rag.config"

	for _, t := range c.IndexableTypes {
		if !t.IsValid() {
			return fault.Invalid(op, fmt.Sprintf("unknown indexable type %q", t), nil)
		}
	}
	if c.MinSimilarity < -1 || c.MinSimilarity > 1 {
		return fault.Invalid(op,
			fmt.Sprintf("min_similarity %g outside [-1, 1]", c.MinSimilarity), nil)
	}
	return nil
}

// Deps are the collaborators an Index needs. Cache is the optional retrieval
// tier; everything else is required.
type Deps struct {
	Provider vector.Provider
	Embedder Embedder
	Lister   DocumentLister
	Cache    *cache.Store
}

// indexState is the persisted sidecar recording what the stored vectors were
// built with. A mismatch against the live embedder means the vectors are
// unusable and triggers a rebuild.
type indexState struct {
	FormatVersion int    `json:"format_version"`
	Model         string `json:"model"`
	Dimension     int    `json:"dimension"`
	VersionHash   string `json:"version_hash"`
}

// Index owns the vectors derived from repository documents.
type Index struct {
	provider vector.Provider
	embedder Embedder
	lister   DocumentLister
	l2       *cache.Store
	cfg      Config
	log      *slog.Logger

	mu      sync.Mutex
	version string // hex chain hash, advanced on every upsert
}

// New opens the index. When a persisted state file disagrees with the live
// embedder (dimension or model changed, or the format is unknown), the
// stored vectors are stale and New rebuilds them from the repository before
// returning.
func New(ctx context.Context, deps Deps, cfg Config) (*Index, error) {
	const op = "rag.new"

	if deps.Provider == nil {
		return nil, fault.Invalid(op, "vector provider is required", nil)
	}
	if deps.Embedder == nil {
		return nil, fault.Invalid(op, "embedder is required", nil)
	}
	if deps.Lister == nil {
		return nil, fault.Invalid(op, "document lister is required", nil)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	idx := &Index{
		provider: deps.Provider,
		embedder: deps.Embedder,
		lister:   deps.Lister,
		l2:       deps.Cache,
		cfg:      cfg,
		log:      logger.GetLogger(),
	}
	idx.version = idx.seedVersion()

	rebuild := false
	if cfg.StatePath != "" {
		st, err := loadState(cfg.StatePath)
		switch {
		case err != nil:
			idx.log.Warn("index state unreadable, rebuilding",
				"path", cfg.StatePath, "error", err)
			rebuild = true
		case st == nil:
			// First run: pin the current embedder parameters.
			if err := idx.saveState(); err != nil {
				return nil, err
			}
		case st.FormatVersion != stateFormatVersion ||
			st.Dimension != deps.Embedder.Dimension() ||
			st.Model != deps.Embedder.Model():
			idx.log.Warn("index state does not match embedder, rebuilding",
				"state_model", st.Model, "state_dimension", st.Dimension,
				"embedder_model", deps.Embedder.Model(),
				"embedder_dimension", deps.Embedder.Dimension())
			rebuild = true
		default:
			idx.version = st.VersionHash
		}
	}

	if rebuild {
		if _, err := idx.Rebuild(ctx); err != nil {
			return nil, err
		}
		return idx, nil
	}

	if err := idx.provider.CreateCollection(ctx, idx.cfg.Collection, idx.embedder.Dimension()); err != nil {
		return nil, fault.Repository(op, "create collection", err)
	}
	return idx, nil
}

// Dimension reports the active index dimensionality.
func (i *Index) Dimension() int { return i.embedder.Dimension() }

// Collection reports the vector collection name.
func (i *Index) Collection() string { return i.cfg.Collection }

// VersionHash identifies the current index contents. Retrieval cache keys
// include it, so any upsert invalidates prior entries.
func (i *Index) VersionHash() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.version
}

// Close releases the provider and the embedder.
func (i *Index) Close() error {
	return errors.Join(i.provider.Close(), i.embedder.Close())
}

// IndexDocuments embeds and upserts the indexable subset of docs, keyed by
// document id. Documents carrying a pre-computed vector of the right
// dimensionality are stored as-is; a pre-computed vector of the wrong
// dimensionality rejects the whole batch. Returns the number of documents
// written.
func (i *Index) IndexDocuments(ctx context.Context, docs []feed.Document) (int, error) {
	const op = "rag.index_documents"

	dim := i.embedder.Dimension()

	var eligible []feed.Document
	var texts []string
	for _, doc := range docs {
		if !i.indexable(doc.DocType) {
			continue
		}
		text := embeddingText(doc)
		if text == "" {
			continue
		}
		if len(doc.Vector) > 0 && len(doc.Vector) != dim {
			return 0, fault.Invalid(op,
				fmt.Sprintf("document %s carries a %d-dimensional vector; index dimension is %d",
					doc.ID, len(doc.Vector), dim), nil)
		}
		eligible = append(eligible, doc)
		texts = append(texts, text)
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	// Embed only the documents that arrived without a vector.
	var missing []int
	var missingTexts []string
	for k, doc := range eligible {
		if len(doc.Vector) == 0 {
			missing = append(missing, k)
			missingTexts = append(missingTexts, texts[k])
		}
	}
	vectors := make([][]float32, len(eligible))
	for k, doc := range eligible {
		vectors[k] = doc.Vector
	}
	if len(missing) > 0 {
		embedded, err := i.embedder.EmbedDocuments(ctx, missingTexts)
		if err != nil {
			return 0, err
		}
		if len(embedded) != len(missing) {
			return 0, fault.Transient(op,
				fmt.Sprintf("embedded %d of %d documents", len(embedded), len(missing)), nil)
		}
		for n, k := range missing {
			vectors[k] = embedded[n]
		}
	}

	items := make([]vector.Item, len(eligible))
	for k, doc := range eligible {
		if len(vectors[k]) != dim {
			return 0, fault.Invalid(op,
				fmt.Sprintf("document %s: embedding dimension %d does not match index dimension %d",
					doc.ID, len(vectors[k]), dim), nil)
		}
		items[k] = vector.Item{
			ID:     doc.ID,
			Vector: vectors[k],
			Metadata: map[string]any{
				"doc_type":      string(doc.DocType),
				"title":         doc.Title,
				"created_at":    doc.CreatedAt.UTC().Format(time.RFC3339),
				"source_window": doc.SourceWindow,
				"content":       texts[k],
			},
		}
	}

	if err := i.provider.UpsertBatch(ctx, i.cfg.Collection, items); err != nil {
		return 0, fault.Repository(op, "upsert vectors", err)
	}

	i.mu.Lock()
	for k := range items {
		i.version = cache.Fingerprint([]byte(i.version), []byte(items[k].ID), []byte(texts[k]))
	}
	err := i.saveStateLocked()
	i.mu.Unlock()
	if err != nil {
		return len(items), err
	}

	i.log.Debug("indexed documents", "count", len(items), "collection", i.cfg.Collection)
	return len(items), nil
}

// Search embeds the query and returns up to topK hits scoring at or above
// minSimilarity, ranked best-first. A topK of zero or less falls back to the
// configured default. Hits whose stored vector does not match the active
// dimensionality are dropped.
func (i *Index) Search(ctx context.Context, query string, topK int, minSimilarity float32) ([]Hit, error) {
	const op = "rag.search"

	if strings.TrimSpace(query) == "" {
		return nil, fault.Invalid(op, "query is empty", nil)
	}
	if topK <= 0 {
		topK = i.cfg.TopK
	}

	vec, err := i.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	dim := i.embedder.Dimension()
	if len(vec) != dim {
		return nil, fault.Invalid(op,
			fmt.Sprintf("query embedding dimension %d does not match index dimension %d", len(vec), dim), nil)
	}

	var key string
	if i.l2 != nil {
		key = i.searchKey(vec, topK, minSimilarity)
		if hits, ok := i.cachedHits(key); ok {
			return hits, nil
		}
	}

	start := time.Now()
	results, err := i.provider.Search(ctx, i.cfg.Collection, vec, topK)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordRAGSearch(ctx, time.Since(start))
	}
	if err != nil {
		return nil, fault.Repository(op, "vector search", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		if res.Score < minSimilarity {
			continue
		}
		if len(res.Vector) > 0 && len(res.Vector) != dim {
			i.log.Warn("dropping hit with stale vector dimensionality",
				"doc_id", res.ID, "dimension", len(res.Vector), "want", dim)
			continue
		}
		hits = append(hits, Hit{DocID: res.ID, Score: res.Score})
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	if i.l2 != nil {
		i.storeHits(key, hits)
	}
	return hits, nil
}

// Rebuild drops the collection and reindexes every indexable document from
// the repository. The version hash is reseeded, so retrieval cache entries
// match again only if the rebuilt contents are identical.
func (i *Index) Rebuild(ctx context.Context) (int, error) {
	const op = "rag.rebuild"

	if err := i.provider.DeleteCollection(ctx, i.cfg.Collection); err != nil {
		i.log.Debug("delete collection before rebuild", "error", err)
	}
	if err := i.provider.CreateCollection(ctx, i.cfg.Collection, i.embedder.Dimension()); err != nil {
		return 0, fault.Repository(op, "create collection", err)
	}

	i.mu.Lock()
	i.version = i.seedVersion()
	err := i.saveStateLocked()
	i.mu.Unlock()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, docType := range i.cfg.IndexableTypes {
		docs, err := i.lister.List(ctx, store.Query{DocType: docType})
		if err != nil {
			return total, fault.Repository(op, fmt.Sprintf("list %s documents", docType), err)
		}
		n, err := i.IndexDocuments(ctx, docs)
		if err != nil {
			return total, err
		}
		total += n
	}

	i.log.Info("rebuilt index", "documents", total,
		"dimension", i.embedder.Dimension(), "model", i.embedder.Model())
	return total, nil
}

func (i *Index) indexable(t feed.DocType) bool {
	for _, want := range i.cfg.IndexableTypes {
		if t == want {
			return true
		}
	}
	return false
}

// seedVersion derives the starting hash from the embedder parameters, so two
// indexes built with the same model over the same documents agree.
func (i *Index) seedVersion() string {
	return cache.Fingerprint(
		[]byte(i.embedder.Model()),
		[]byte(strconv.Itoa(i.embedder.Dimension())),
	)
}

// searchKey derives the retrieval cache key from the query embedding, the
// index version, and the search parameters.
func (i *Index) searchKey(vec []float32, topK int, minSimilarity float32) string {
	buf := make([]byte, 0, len(vec)*4)
	var scratch [4]byte
	for _, f := range vec {
		binary.BigEndian.PutUint32(scratch[:], math.Float32bits(f))
		buf = append(buf, scratch[:]...)
	}
	params := fmt.Sprintf("%d|%g", topK, minSimilarity)
	return cache.Fingerprint(buf, []byte(i.VersionHash()), []byte(params))
}

func (i *Index) cachedHits(key string) ([]Hit, bool) {
	payload, ok := i.l2.Get(key)
	if !ok {
		return nil, false
	}
	var hits []Hit
	if err := json.Unmarshal(payload, &hits); err != nil {
		return nil, false
	}
	return hits, true
}

func (i *Index) storeHits(key string, hits []Hit) {
	payload, err := json.Marshal(hits)
	if err != nil {
		return
	}
	if err := i.l2.Put(key, payload); err != nil {
		i.log.Warn("retrieval cache write failed", "error", err)
	}
}

func (i *Index) saveState() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.saveStateLocked()
}

func (i *Index) saveStateLocked() error {
	const op = "rag.save_state"

	if i.cfg.StatePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(indexState{
		FormatVersion: stateFormatVersion,
		Model:         i.embedder.Model(),
		Dimension:     i.embedder.Dimension(),
		VersionHash:   i.version,
	}, "", "  ")
	if err != nil {
		return fault.Repository(op, "encode index state", err)
	}

	if err := os.MkdirAll(filepath.Dir(i.cfg.StatePath), 0o755); err != nil {
		return fault.Repository(op, "create state dir", err)
	}
	tmp := i.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.Repository(op, "write index state", err)
	}
	if err := os.Rename(tmp, i.cfg.StatePath); err != nil {
		os.Remove(tmp)
		return fault.Repository(op, "commit index state", err)
	}
	return nil
}

// loadState reads the sidecar. A missing file returns (nil, nil): a fresh
// index, not an error.
func loadState(path string) (*indexState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st indexState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt index state %s: %w", path, err)
	}
	return &st, nil
}

// embeddingText renders the document portion that gets embedded. Binary
// bodies are references, not content, and embed nothing.
func embeddingText(doc feed.Document) string {
	if doc.ContentType == feed.ContentTypeBinaryRef {
		return ""
	}
	return strings.TrimSpace(doc.Title + "\n\n" + doc.ContentBody)
}
