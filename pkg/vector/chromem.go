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

package vector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
)

// ChromemProvider stores vectors in-process with chromem-go. It is the
// default for the single-file archive deployment: pure Go, optional gob
// persistence, cosine similarity. All vectors live in RAM, so it suits
// archives up to a few hundred thousand posts, not clusters.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string
	compress    bool

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// ChromemConfig configures the embedded provider.
type ChromemConfig struct {
	// PersistPath is a directory for the gob snapshot. Empty keeps the
	// index in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress gzips the snapshot.
	Compress bool `yaml:"compress,omitempty"`
}

// NewChromemProvider opens (or creates) an embedded vector store.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	log := logger.GetLogger()

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("create persist directory: %w", err)
		}

		dbPath := snapshotPath(cfg.PersistPath, cfg.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				log.Warn("existing vector snapshot unreadable, starting fresh",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				log.Info("loaded vector snapshot", "path", dbPath)
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemProvider{
		db:          db,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func snapshotPath(dir string, compress bool) string {
	p := filepath.Join(dir, "vectors.gob")
	if compress {
		p += ".gz"
	}
	return p
}

func (p *ChromemProvider) getCollection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	// Vectors arrive pre-computed; the embedding func must never run.
	col, err := p.db.GetOrCreateCollection(name, nil, func(context.Context, string) ([]float32, error) {
		return nil, fmt.Errorf("collection %q received text without a vector", name)
	})
	if err != nil {
		return nil, fmt.Errorf("get or create collection %q: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}

// Upsert adds or replaces one vector.
func (p *ChromemProvider) Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error {
	return p.UpsertBatch(ctx, collection, []Item{{ID: id, Vector: vector, Metadata: metadata}})
}

// UpsertBatch adds or replaces many vectors and persists once at the end.
func (p *ChromemProvider) UpsertBatch(ctx context.Context, collection string, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(items))
	for _, item := range items {
		meta := make(map[string]string, len(item.Metadata))
		content := ""
		for k, v := range item.Metadata {
			meta[k] = fmt.Sprint(v)
		}
		if c, ok := item.Metadata["content"].(string); ok {
			content = c
		}
		docs = append(docs, chromem.Document{
			ID:        item.ID,
			Content:   content,
			Metadata:  meta,
			Embedding: item.Vector,
		})
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert %d documents: %w", len(docs), err)
	}

	if err := p.persist(); err != nil {
		logger.GetLogger().Warn("persist after upsert failed", "error", err)
	}
	return nil
}

// Search returns the topK most similar vectors.
func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

// SearchWithFilter combines similarity with metadata equality filters.
func (p *ChromemProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults beyond the collection size.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = make(map[string]string, len(filter))
		for k, v := range filter {
			where[k] = fmt.Sprint(v)
		}
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", collection, err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		out = append(out, Result{
			ID:       r.ID,
			Score:    r.Similarity,
			Content:  r.Content,
			Vector:   r.Embedding,
			Metadata: metadata,
		})
	}
	return out, nil
}

// Delete removes one vector by ID.
func (p *ChromemProvider) Delete(ctx context.Context, collection string, id string) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete %q: %w", id, err)
	}
	if err := p.persist(); err != nil {
		logger.GetLogger().Warn("persist after delete failed", "error", err)
	}
	return nil
}

// DeleteByFilter removes every vector whose metadata matches the filter.
func (p *ChromemProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	where := make(map[string]string, len(filter))
	for k, v := range filter {
		where[k] = fmt.Sprint(v)
	}
	if err := col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("delete by filter: %w", err)
	}
	if err := p.persist(); err != nil {
		logger.GetLogger().Warn("persist after delete failed", "error", err)
	}
	return nil
}

// CreateCollection ensures the collection exists. chromem collections are
// dimensionless until the first vector arrives, so the dimension is unused.
func (p *ChromemProvider) CreateCollection(_ context.Context, collection string, _ int) error {
	_, err := p.getCollection(collection)
	return err
}

// DeleteCollection drops the collection and its vectors.
func (p *ChromemProvider) DeleteCollection(_ context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("delete collection %q: %w", collection, err)
	}
	delete(p.collections, collection)

	if err := p.persist(); err != nil {
		logger.GetLogger().Warn("persist after collection delete failed", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Name() string { return "chromem" }

// Close writes the final snapshot.
func (p *ChromemProvider) Close() error {
	return p.persist()
}

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}
	//nolint:staticcheck // Export is deprecated but is the whole-DB snapshot API.
	if err := p.db.Export(snapshotPath(p.persistPath, p.compress), p.compress, ""); err != nil {
		return fmt.Errorf("persist vector snapshot: %w", err)
	}
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
