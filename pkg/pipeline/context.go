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

// Package pipeline assembles the ingestion pipeline and drives a run:
// entries stream from the source adapter, fold into windows, each window is
// enriched and written in turn, and every committed window advances the
// run's resume cursor. The runner is the only component that sees the whole
// picture; everything it coordinates hangs off a Context.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/adapter"
	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/config"
	"github.com/franklinbaldo/egregora-sub012/pkg/enrich"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
	"github.com/franklinbaldo/egregora-sub012/pkg/observability"
	"github.com/franklinbaldo/egregora-sub012/pkg/rag"
	"github.com/franklinbaldo/egregora-sub012/pkg/run"
	"github.com/franklinbaldo/egregora-sub012/pkg/store"
	"github.com/franklinbaldo/egregora-sub012/pkg/vector"
	"github.com/franklinbaldo/egregora-sub012/pkg/writer"
)

// Client is the generation surface the pipeline shares between the writer
// and the enrichment workers: synchronous calls for posts, batch submission
// for enrichment. *llm.Client satisfies it.
type Client interface {
	Generate(ctx context.Context, messages []llm.Message, settings llm.Settings) (*llm.Response, error)
	SubmitBatch(ctx context.Context, requests []llm.BatchRequest) (llm.BatchHandle, error)
	WaitBatch(ctx context.Context, handle llm.BatchHandle, interval time.Duration) (*llm.BatchStatus, error)
	BatchThreshold() int
	Counter() *llm.TokenCounter
}

// Repository is the document store surface the pipeline reads and writes.
// *store.DocumentStore satisfies it.
type Repository interface {
	Get(ctx context.Context, docType feed.DocType, id string) (feed.Document, error)
	Upsert(ctx context.Context, doc feed.Document) error
	List(ctx context.Context, q store.Query) ([]feed.Document, error)
	RecentPosts(ctx context.Context, limit int) ([]feed.Document, error)
}

// Index is the retrieval surface the runner drives: search while preparing
// a window, upsert after its posts commit. *rag.Index satisfies it.
type Index interface {
	Search(ctx context.Context, query string, topK int, minSimilarity float32) ([]rag.Hit, error)
	IndexDocuments(ctx context.Context, docs []feed.Document) (int, error)
}

// Tracker records run lifecycles and the per-run resume cursor.
// *run.Tracker satisfies it.
type Tracker interface {
	Create(ctx context.Context, configFingerprint string) (string, error)
	Start(ctx context.Context, runID string) error
	Advance(ctx context.Context, runID, windowLabel string, orderKey int64) error
	Finish(ctx context.Context, runID string, status run.Status, errSummary string) error
	Get(ctx context.Context, runID string) (*run.Run, error)
	Latest(ctx context.Context, configFingerprint string) (*run.Run, error)
}

// Context carries everything a run needs. NewContext wires the production
// graph from a Config; tests assemble one by hand with fakes.
type Context struct {
	Config  *config.Config
	Source  adapter.Source
	Repo    Repository
	Tracker Tracker
	Tasks   enrich.Store
	Client  Client
	Index   Index
	Caches  *cache.Manager
	Sinks   []Sink
	Obs     *observability.Manager
	Logger  *slog.Logger

	closers []func(context.Context) error
}

// NewContext opens every stateful collaborator: the archive database (which
// also hosts the run tracker and the task queue), the cache tiers, the LLM
// client, the vector index and the source adapter. On error, everything
// opened so far is closed again.
func NewContext(ctx context.Context, cfg *config.Config) (*Context, error) {
	const op = "pipeline.new_context"

	pc := &Context{Config: cfg, Logger: logger.GetLogger()}
	ok := false
	defer func() {
		if !ok {
			pc.Close(context.WithoutCancel(ctx))
		}
	}()

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return nil, err
	}
	pc.Obs = obs
	pc.closers = append(pc.closers, obs.Shutdown)

	if cfg.Store.Driver == "sqlite3" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o755); err != nil {
			return nil, fault.Repository(op, "create data dir", err)
		}
	}
	repo, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	pc.Repo = repo
	pc.closers = append(pc.closers, func(context.Context) error { return repo.Close() })

	tracker, err := run.NewTracker(repo.DB(), repo.Dialect())
	if err != nil {
		return nil, err
	}
	pc.Tracker = tracker

	tasks, err := enrich.NewSQLStore(repo.DB(), repo.Dialect())
	if err != nil {
		return nil, err
	}
	pc.Tasks = tasks

	caches, err := cache.NewManager(cache.Config{
		Dir:           cfg.Cache.Dir,
		EnrichmentTTL: cfg.Cache.EnrichmentTTL,
		RetrievalTTL:  cfg.Cache.RetrievalTTL,
		WriterTTL:     cfg.Cache.WriterTTL,
	})
	if err != nil {
		return nil, err
	}
	pc.Caches = caches

	client, err := llm.New(cfg.LLM.ClientConfig())
	if err != nil {
		return nil, err
	}
	pc.Client = client
	pc.closers = append(pc.closers, func(context.Context) error { return client.Close() })

	embedder, err := rag.NewGeminiEmbedder(ctx, cfg.RAG.Embedder)
	if err != nil {
		return nil, err
	}
	provider, err := vector.NewProvider(&cfg.RAG.Provider)
	if err != nil {
		embedder.Close()
		return nil, err
	}
	// The router serializes embedding traffic through the client's limiter
	// so bulk indexing cannot starve interactive calls.
	index, err := rag.New(ctx, rag.Deps{
		Provider: provider,
		Embedder: rag.NewRouter(embedder, client.Limiter()),
		Lister:   repo,
		Cache:    caches.Retrieval,
	}, cfg.RAG.IndexConfig())
	if err != nil {
		provider.Close()
		embedder.Close()
		return nil, err
	}
	pc.Index = index
	pc.closers = append(pc.closers, func(context.Context) error { return index.Close() })

	anon, err := cfg.Source.Anonymizer()
	if err != nil {
		return nil, fault.Invalid(op, "source anonymizer", err)
	}
	source, err := adapter.Open(cfg.Source.Kind, cfg.Source.Path, anon)
	if err != nil {
		return nil, err
	}
	pc.Source = source

	sink, err := NewFSSink(cfg.Output.Dir)
	if err != nil {
		return nil, err
	}
	pc.Sinks = []Sink{sink}

	ok = true
	return pc, nil
}

// Metadata implements writer.MetadataProvider: the one canonical description
// of the pipeline exposed to the model's metadata tool. Only configuration
// identity goes in here, never raw participant data or local paths.
func (c *Context) Metadata() map[string]string {
	m := map[string]string{
		"source_kind":    c.Config.Source.Kind,
		"window_unit":    c.Config.Window.Unit,
		"window_size":    strconv.Itoa(c.Config.Window.Size),
		"prompt_version": writer.PromptVersion,
		"collection":     c.Config.RAG.Collection,
		"feed_title":     c.Config.Output.Feed.Title,
	}
	if len(c.Config.LLM.Models) > 0 {
		m["model"] = c.Config.LLM.Models[0].Name
	}
	return m
}

// Close releases collaborators in reverse construction order.
func (c *Context) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

var _ writer.MetadataProvider = (*Context)(nil)
