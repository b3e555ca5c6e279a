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

package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
	"github.com/franklinbaldo/egregora-sub012/pkg/observability"
	"github.com/franklinbaldo/egregora-sub012/pkg/store"
)

// Generation parameters for description calls. Descriptions are short and
// factual; the temperature stays low.
const (
	descTemperature     = 0.3
	descMaxOutputTokens = 512
)

// maxReasonBytes caps the failure reason recorded on a task.
const maxReasonBytes = 500

// Worker is a drainable background worker. Run claims one bounded batch of
// pending tasks and reports how many it settled (done or failed). Per-item
// failures are recorded on their tasks and do not surface as errors; a
// non-nil error means the worker had to stop (cancellation, credentials
// exhausted) and releases the tasks it never reached.
type Worker interface {
	Name() string
	Run(ctx context.Context) (int, error)
}

// Generator is the slice of the model client the workers use. All workers
// receive the pipeline's shared client; none constructs its own.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, settings llm.Settings) (*llm.Response, error)
	SubmitBatch(ctx context.Context, requests []llm.BatchRequest) (llm.BatchHandle, error)
	WaitBatch(ctx context.Context, handle llm.BatchHandle, interval time.Duration) (*llm.BatchStatus, error)
	BatchThreshold() int
}

// Repository is the slice of the document store the workers use.
type Repository interface {
	Get(ctx context.Context, docType feed.DocType, id string) (feed.Document, error)
	Upsert(ctx context.Context, doc feed.Document) error
	List(ctx context.Context, q store.Query) ([]feed.Document, error)
}

// EnrichmentRecord is the canonical result row of an enrichment pass. Every
// worker reports outcomes in this one shape; consumers convert it with
// DocumentIDs instead of interpreting worker-specific results.
type EnrichmentRecord struct {
	TaskID     string
	Kind       Kind
	Subject    string // the input described: a url, media id, author id, or post id
	DocumentID string // persisted document id; empty when the item failed
	FromCache  bool
	Err        string // per-item failure reason; empty on success
}

// Failed reports whether the item failed.
func (r EnrichmentRecord) Failed() bool {
	return r.Err != ""
}

// DocumentIDs extracts the document ids an enrichment pass produced, in pass
// order, skipping failed records.
func DocumentIDs(records []EnrichmentRecord) []string {
	var ids []string
	for _, r := range records {
		if !r.Failed() && r.DocumentID != "" {
			ids = append(ids, r.DocumentID)
		}
	}
	return ids
}

// Deps are the shared dependencies of every worker.
type Deps struct {
	Tasks  Store
	Repo   Repository
	Client Generator

	// Cache is the enrichment cache tier. Nil disables description caching.
	Cache *cache.Store

	Logger *slog.Logger
}

// Config tunes the workers. The zero value is usable after SetDefaults.
type Config struct {
	ClaimLimit     int           // tasks claimed per Run; default 32
	MaxParallel    int           // concurrent prepare workers; default 4
	PollInterval   time.Duration // batch poll interval; default 5s
	MediaDir       string        // directory holding extracted media assets
	FetchTimeout   time.Duration // per-url page fetch budget; default 10s
	ContentByteCap int           // max fetched or extracted bytes per prompt; default 16 KiB
	SourceLimit    int           // posts aggregated per author profile; default 10
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 32
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.ContentByteCap <= 0 {
		c.ContentByteCap = 16 * 1024
	}
	if c.SourceLimit <= 0 {
		c.SourceLimit = 10
	}
}

// item is one task moving through a worker run: prepared into a prompt,
// described by cache or model, persisted as a document.
type item struct {
	task     Task
	subject  string
	cacheKey string // empty disables caching for this item
	messages []llm.Message
	build    func(body string) (feed.Document, error)

	body      string
	fromCache bool
	err       error
}

// prepareFunc turns a claimed task into an item. Implementations do the
// kind-specific work: loading documents, fetching pages, parsing
// attachments, checking the cache, assembling the prompt.
type prepareFunc func(ctx context.Context, t Task) item

// base carries the shared claim/describe/persist machinery.
type base struct {
	name  string
	tasks Store
	repo  Repository
	gen   Generator
	cache *cache.Store
	log   *slog.Logger

	claimLimit   int
	maxParallel  int
	pollInterval time.Duration
	settings     llm.Settings
}

func newBase(op, name string, deps Deps, cfg Config) (base, error) {
	if deps.Tasks == nil {
		return base{}, fault.Invalid(op, "task store is required", nil)
	}
	if deps.Repo == nil {
		return base{}, fault.Invalid(op, "document repository is required", nil)
	}
	if deps.Client == nil {
		return base{}, fault.Invalid(op, "llm client is required", nil)
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.SetDefaults()

	return base{
		name:         name,
		tasks:        deps.Tasks,
		repo:         deps.Repo,
		gen:          deps.Client,
		cache:        deps.Cache,
		log:          log,
		claimLimit:   cfg.ClaimLimit,
		maxParallel:  cfg.MaxParallel,
		pollInterval: cfg.PollInterval,
		settings: llm.Settings{
			Temperature:     descTemperature,
			MaxOutputTokens: descMaxOutputTokens,
		},
	}, nil
}

// runKind claims one bounded batch of tasks of a kind and processes it.
func (b *base) runKind(ctx context.Context, kind Kind, prepare prepareFunc) (int, error) {
	tasks, err := b.tasks.Claim(ctx, kind, b.claimLimit)
	if err != nil {
		return 0, err
	}
	records, err := b.process(ctx, tasks, prepare)
	return len(records), err
}

// process settles a batch of claimed tasks: prepare concurrently, describe
// via cache or model, persist documents, complete or fail each task.
// Cancellation and fatal client errors stop the run; tasks the run never
// reached go back to pending.
func (b *base) process(ctx context.Context, tasks []Task, prepare prepareFunc) ([]EnrichmentRecord, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	items := make([]item, len(tasks))

	// Prepare concurrently. This phase does the blocking I/O and local CPU
	// work: page fetches, attachment parsing, cache lookups.
	var cacheHits, prepFailures atomic.Int64
	sem := semaphore.NewWeighted(int64(b.maxParallel))
	var wg sync.WaitGroup
	for i, t := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			items[i] = item{task: t, subject: t.Payload, err: fault.Cancelled("enrich.prepare", err)}
			continue
		}
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			defer sem.Release(1)

			it := prepare(ctx, t)
			switch {
			case it.err != nil:
				prepFailures.Add(1)
			case it.fromCache:
				cacheHits.Add(1)
			}
			items[i] = it
		}(i, t)
	}
	wg.Wait()

	describeErr := b.describe(ctx, items)
	if describeErr == nil && ctx.Err() != nil {
		// The claim must not come back as settled work, or a drain loop
		// would spin re-claiming what cancellation released.
		describeErr = fault.Cancelled("enrich.process", ctx.Err())
	}

	// Settlement writes must land even when ctx is already cancelled;
	// otherwise finished work would be lost on shutdown.
	settleCtx := context.WithoutCancel(ctx)

	var records []EnrichmentRecord
	var done, failed, released int
	for i := range items {
		it := &items[i]
		switch {
		case it.err == nil && it.body == "":
			// Never described: the run aborted first. Back to pending.
			b.release(settleCtx, it.task)
			released++

		case it.err != nil && fault.IsCancelled(it.err):
			b.release(settleCtx, it.task)
			released++

		case it.err != nil:
			records = append(records, b.fail(settleCtx, it, it.err))
			failed++

		default:
			rec, err := b.persist(settleCtx, it)
			if err != nil {
				records = append(records, b.fail(settleCtx, it, err))
				failed++
				continue
			}
			records = append(records, rec)
			done++
		}
	}

	b.log.Info("enrichment batch settled",
		"worker", b.name,
		"claimed", len(tasks),
		"done", done,
		"failed", failed,
		"released", released,
		"cache_hits", cacheHits.Load(),
		"prepare_failures", prepFailures.Load())

	return records, describeErr
}

// describe fills a body into every prepared item the cache did not already
// serve: one batch submission when the miss count crosses the client's
// threshold, individual calls otherwise. Per-item failures land on the
// items; the returned error is reserved for failures that stop the worker
// and leaves the remaining items untouched.
func (b *base) describe(ctx context.Context, items []item) error {
	var misses []int
	for i := range items {
		if items[i].err == nil && items[i].body == "" {
			misses = append(misses, i)
		}
	}
	if len(misses) == 0 {
		return nil
	}

	if t := b.gen.BatchThreshold(); t > 0 && len(misses) >= t {
		return b.describeBatch(ctx, items, misses)
	}

	for _, i := range misses {
		resp, err := b.gen.Generate(ctx, items[i].messages, b.settings)
		if err != nil {
			if stopsWorker(err) {
				return err
			}
			items[i].err = err
			continue
		}
		items[i].body = strings.TrimSpace(resp.Text)
		if items[i].body == "" {
			items[i].err = fault.Transient("enrich.describe", "model returned an empty description", nil)
		}
	}
	return nil
}

func (b *base) describeBatch(ctx context.Context, items []item, misses []int) error {
	requests := make([]llm.BatchRequest, len(misses))
	for bi, i := range misses {
		requests[bi] = llm.BatchRequest{
			Index:    bi,
			Messages: items[i].messages,
			Settings: b.settings,
		}
	}

	handle, err := b.gen.SubmitBatch(ctx, requests)
	if err != nil {
		if stopsWorker(err) {
			return err
		}
		markMisses(items, misses, err)
		return nil
	}

	status, err := b.gen.WaitBatch(ctx, handle, b.pollInterval)
	if err != nil {
		if stopsWorker(err) {
			return err
		}
		markMisses(items, misses, err)
		return nil
	}

	if status.State == llm.BatchFailed {
		markMisses(items, misses, fault.Transient("enrich.describe",
			fmt.Sprintf("batch failed: %s", status.Reason), nil))
		return nil
	}

	for _, res := range status.Results {
		if res.Index < 0 || res.Index >= len(misses) {
			continue
		}
		i := misses[res.Index]
		if res.Err != "" {
			items[i].err = fault.Transient("enrich.describe", res.Err, nil)
			continue
		}
		if res.Response == nil || strings.TrimSpace(res.Response.Text) == "" {
			items[i].err = fault.Transient("enrich.describe", "model returned an empty description", nil)
			continue
		}
		items[i].body = strings.TrimSpace(res.Response.Text)
	}

	// A result the provider never reported is a failure, not a silent skip.
	markMisses(items, misses, fault.Transient("enrich.describe", "batch result missing for request", nil))
	return nil
}

// persist builds the output document, writes it through the repository,
// fills the cache, and marks the task done.
func (b *base) persist(ctx context.Context, it *item) (EnrichmentRecord, error) {
	doc, err := it.build(it.body)
	if err != nil {
		return EnrichmentRecord{}, err
	}
	if err := b.repo.Upsert(ctx, doc); err != nil {
		return EnrichmentRecord{}, err
	}

	if b.cache != nil && it.cacheKey != "" && !it.fromCache {
		if err := b.cache.Put(it.cacheKey, []byte(it.body)); err != nil {
			b.log.Warn("cache write failed", "tier", "enrichment", "error", err)
		}
	}

	if err := b.tasks.Complete(ctx, it.task.ID); err != nil {
		b.log.Warn("failed to mark task done", "task", it.task.ID, "error", err)
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordEnrichmentTask(ctx, string(it.task.Kind), string(StatusDone))
	}

	return EnrichmentRecord{
		TaskID:     it.task.ID,
		Kind:       it.task.Kind,
		Subject:    it.subject,
		DocumentID: doc.ID,
		FromCache:  it.fromCache,
	}, nil
}

// fail records a per-item failure on the task and returns its record.
func (b *base) fail(ctx context.Context, it *item, cause error) EnrichmentRecord {
	reason := clip(cause.Error(), maxReasonBytes)
	if err := b.tasks.Fail(ctx, it.task.ID, reason); err != nil {
		b.log.Warn("failed to record task failure", "task", it.task.ID, "error", err)
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordEnrichmentTask(ctx, string(it.task.Kind), string(StatusFailed))
	}
	return EnrichmentRecord{
		TaskID:  it.task.ID,
		Kind:    it.task.Kind,
		Subject: it.subject,
		Err:     reason,
	}
}

func (b *base) release(ctx context.Context, t Task) {
	if err := b.tasks.Release(ctx, t.ID); err != nil {
		b.log.Warn("failed to release task", "task", t.ID, "error", err)
	}
}

// cached looks the key up in the enrichment cache tier.
func (b *base) cached(key string) (string, bool) {
	if b.cache == nil || key == "" {
		return "", false
	}
	v, ok := b.cache.Get(key)
	if !ok {
		return "", false
	}
	return string(v), true
}

// markMisses sets err on every miss that has neither a body nor an error.
func markMisses(items []item, misses []int, err error) {
	for _, i := range misses {
		if items[i].err == nil && items[i].body == "" {
			items[i].err = err
		}
	}
}

// stopsWorker reports whether err must abort the worker rather than being
// recorded on a single task: cancellation, and fatal client errors such as
// auth failures or credentials exhausted.
func stopsWorker(err error) bool {
	return fault.IsCancelled(err) ||
		fault.IsKind(err, fault.KindFatal) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// clip truncates s to at most max bytes without splitting a rune.
func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
