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

// Package writer turns a conversation window into published posts. It runs
// an agentic generation loop: the model reads the rendered window plus its
// enrichment context, may call retrieval tools to ground itself in the
// archive's history, and answers with a JSON array of posts. Outputs are
// cached by a semantic fingerprint so reruns over unchanged inputs skip the
// model entirely.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/enrich"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
	"github.com/franklinbaldo/egregora-sub012/pkg/rag"
	"github.com/franklinbaldo/egregora-sub012/pkg/window"
)

// PromptVersion tags the writer's prompt contract. It participates in the
// output cache key and in the pipeline config fingerprint, so bumping it
// invalidates cached generations and forces a full reprocess.
const PromptVersion = "writer-v1"

// Generator is the slice of the LLM client the writer drives.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, settings llm.Settings) (*llm.Response, error)
	Counter() *llm.TokenCounter
}

// Repository is the document store surface the writer persists posts to and
// its tools read from.
type Repository interface {
	Get(ctx context.Context, docType feed.DocType, id string) (feed.Document, error)
	Upsert(ctx context.Context, doc feed.Document) error
	RecentPosts(ctx context.Context, limit int) ([]feed.Document, error)
}

// Searcher answers semantic queries over previously published posts.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, minSimilarity float32) ([]rag.Hit, error)
}

// TaskQueue is the slice of the enrichment task store the writer needs to
// request banners for fresh posts.
type TaskQueue interface {
	Enqueue(ctx context.Context, kind enrich.Kind, payload string) (enrich.Task, error)
}

// MetadataProvider describes the pipeline to the model's metadata tool.
type MetadataProvider interface {
	Metadata() map[string]string
}

// Deps wires the writer's collaborators. Client, Templates, Repo and Search
// are required; Tasks, Cache and Meta degrade gracefully when absent.
type Deps struct {
	Client    Generator
	Templates TemplateSource
	Repo      Repository
	Search    Searcher
	Tasks     TaskQueue
	Cache     *cache.Store
	Meta      MetadataProvider
	Logger    *slog.Logger
}

// Config tunes generation. Zero values take documented defaults.
type Config struct {
	// TopK is the default result count for the rag_search tool.
	TopK int
	// MaxToolRounds bounds the tool-call loop before generation is
	// declared stuck.
	MaxToolRounds int
	// RecentLimit is the default result count for the recent_posts tool.
	RecentLimit int
	// Temperature and MaxOutputTokens pass through to the model.
	Temperature     float64
	MaxOutputTokens int
	// MaxPromptTokens, when positive, rejects oversized prompts before the
	// client is invoked. The client enforces the model's real context
	// limit regardless; this is for callers that want a tighter budget.
	MaxPromptTokens int
}

// SetDefaults fills unset fields in place.
func (c *Config) SetDefaults() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 4
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 10
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 4096
	}
}

// Request carries one window and its prepared context.
type Request struct {
	Window window.Window
	// Enrichments are URL and media descriptions whose source entries fall
	// inside the window.
	Enrichments []feed.Document
	// Profiles describe authors who speak in the window.
	Profiles []feed.Document
	// Context holds retrieval hits from the archive, best match first.
	Context []feed.Document
}

// Result is the outcome of writing one window. Zero posts with a nil error
// means the window held nothing worth publishing.
type Result struct {
	Posts     []feed.Document
	FromCache bool
}

// Writer generates and persists posts for conversation windows.
type Writer struct {
	client  Generator
	repo    Repository
	tasks   TaskQueue
	cache   *cache.Store
	log     *slog.Logger
	cfg     Config
	prompts prompts
	tools   *toolset
}

// NewWriter validates deps, loads prompt templates and builds the tool
// surface.
func NewWriter(deps Deps, cfg Config) (*Writer, error) {
	const op = "writer.new"

	cfg.SetDefaults()

	if deps.Client == nil {
		return nil, fault.Invalid(op, "llm client is required", nil)
	}
	if deps.Templates == nil {
		return nil, fault.Invalid(op, "template source is required", nil)
	}
	if deps.Repo == nil {
		return nil, fault.Invalid(op, "document repository is required", nil)
	}
	if deps.Search == nil {
		return nil, fault.Invalid(op, "search index is required", nil)
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetLogger()
	}

	p, err := loadPrompts(deps.Templates)
	if err != nil {
		return nil, err
	}

	meta := deps.Meta
	if meta == nil {
		meta = emptyMetadata{}
	}

	ragTool, err := newRAGSearchTool(deps.Search, deps.Repo, cfg.TopK)
	if err != nil {
		return nil, err
	}
	recentTool, err := newRecentPostsTool(deps.Repo, cfg.RecentLimit)
	if err != nil {
		return nil, err
	}
	metaTool, err := newPipelineMetadataTool(meta)
	if err != nil {
		return nil, err
	}

	return &Writer{
		client:  deps.Client,
		repo:    deps.Repo,
		tasks:   deps.Tasks,
		cache:   deps.Cache,
		log:     deps.Logger,
		cfg:     cfg,
		prompts: p,
		tools:   newToolset(ragTool, recentTool, metaTool),
	}, nil
}

// Write generates posts for one window, persists them and requests banners.
// A PromptTooLarge fault means the window must be split by the caller; the
// writer never splits on its own.
func (w *Writer) Write(ctx context.Context, req Request) (*Result, error) {
	const op = "writer.write"

	if req.Window.Size() == 0 {
		return nil, fault.Invalid(op, "window has no entries", nil)
	}

	// Canonical ordering makes both the rendered prompt and the cache key
	// independent of worker completion order.
	req.Enrichments = sortedByID(req.Enrichments)
	req.Profiles = sortedByID(req.Profiles)

	key := w.semanticKey(req)
	if posts, ok := w.cachedPosts(key); ok {
		if err := w.persist(ctx, req.Window.Label, posts); err != nil {
			return nil, err
		}
		w.log.Info("window served from cache",
			"window", req.Window.Label,
			"posts", len(posts),
		)
		return &Result{Posts: posts, FromCache: true}, nil
	}

	systemText, userText, err := w.prompts.render(req)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemText},
		{Role: llm.RoleUser, Content: userText},
	}

	if w.cfg.MaxPromptTokens > 0 {
		if counter := w.client.Counter(); counter != nil {
			if n := counter.CountMessages(messages); n > w.cfg.MaxPromptTokens {
				return nil, fault.PromptTooLarge(op,
					fmt.Sprintf("prompt is ~%d tokens, writer budget is %d", n, w.cfg.MaxPromptTokens), nil)
			}
		}
	}

	start := time.Now()
	text, rounds, err := w.converse(ctx, messages)
	if err != nil {
		return nil, err
	}

	payloads, err := parsePosts(text)
	if err != nil {
		return nil, err
	}
	posts, err := buildPosts(payloads, req.Window)
	if err != nil {
		return nil, err
	}

	if err := w.persist(ctx, req.Window.Label, posts); err != nil {
		return nil, err
	}
	w.storePosts(key, posts)

	w.log.Info("window written",
		"window", req.Window.Label,
		"posts", len(posts),
		"tool_rounds", rounds,
		"duration", time.Since(start),
	)
	return &Result{Posts: posts}, nil
}

// converse runs the tool-call loop until the model answers with plain text.
func (w *Writer) converse(ctx context.Context, messages []llm.Message) (string, int, error) {
	const op = "writer.converse"

	settings := llm.Settings{
		Temperature:     w.cfg.Temperature,
		MaxOutputTokens: w.cfg.MaxOutputTokens,
		Tools:           w.tools.definitions(),
	}

	for round := 0; round <= w.cfg.MaxToolRounds; round++ {
		resp, err := w.client.Generate(ctx, messages, settings)
		if err != nil {
			return "", round, err
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Text, round, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			content, err := w.tools.dispatch(ctx, call)
			if err != nil {
				return "", round, err
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleTool,
				Name:    call.Name,
				Content: content,
			})
		}
	}
	return "", w.cfg.MaxToolRounds, fault.Transient(op,
		fmt.Sprintf("no final answer within %d tool rounds", w.cfg.MaxToolRounds), nil)
}

// persist upserts posts and queues a banner task for each one. Banner
// enqueueing is idempotent, so cache hits re-request them harmlessly; that
// heals a fresh task store running against a warm output cache.
func (w *Writer) persist(ctx context.Context, windowLabel string, posts []feed.Document) error {
	for _, post := range posts {
		if err := w.repo.Upsert(ctx, post); err != nil {
			return err
		}
		if w.tasks == nil {
			continue
		}
		if _, err := w.tasks.Enqueue(ctx, enrich.KindBanner, post.ID); err != nil {
			w.log.Warn("banner enqueue failed",
				"post", post.ID,
				"window", windowLabel,
				"error", err,
			)
		}
	}
	return nil
}

// semanticKey fingerprints everything that shapes the generation: prompt
// contract, window content, enrichment context and retrieval context.
func (w *Writer) semanticKey(req Request) string {
	parts := [][]byte{
		[]byte(PromptVersion),
		[]byte(w.prompts.checksum),
		[]byte(req.Window.Label),
	}
	for _, e := range req.Window.Entries {
		parts = append(parts,
			[]byte(e.ID),
			[]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)),
			[]byte(e.AuthorID),
			[]byte(e.Content),
		)
	}
	for _, doc := range req.Enrichments {
		parts = append(parts, []byte(doc.ID), []byte(doc.ContentBody))
	}
	for _, doc := range req.Profiles {
		parts = append(parts, []byte(doc.ID), []byte(doc.ContentBody))
	}
	// Context order is rank order and rank shapes the prompt, so it stays
	// unsorted.
	for _, doc := range req.Context {
		parts = append(parts, []byte(doc.ID), []byte(doc.ContentBody))
	}
	return cache.Fingerprint(parts...)
}

func (w *Writer) cachedPosts(key string) ([]feed.Document, bool) {
	if w.cache == nil {
		return nil, false
	}
	data, ok := w.cache.Get(key)
	if !ok {
		return nil, false
	}
	var posts []feed.Document
	if err := json.Unmarshal(data, &posts); err != nil {
		w.log.Warn("dropping undecodable cached generation", "key", key, "error", err)
		return nil, false
	}
	return posts, true
}

func (w *Writer) storePosts(key string, posts []feed.Document) {
	if w.cache == nil {
		return
	}
	data, err := json.Marshal(posts)
	if err != nil {
		w.log.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := w.cache.Put(key, data); err != nil {
		w.log.Warn("cache write failed", "key", key, "error", err)
	}
}

func sortedByID(docs []feed.Document) []feed.Document {
	out := make([]feed.Document, len(docs))
	copy(out, docs)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type emptyMetadata struct{}

func (emptyMetadata) Metadata() map[string]string { return map[string]string{} }
