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
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/franklinbaldo/egregora-sub012/pkg/adapter"
	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/config"
	"github.com/franklinbaldo/egregora-sub012/pkg/enrich"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/logger"
	"github.com/franklinbaldo/egregora-sub012/pkg/observability"
	"github.com/franklinbaldo/egregora-sub012/pkg/run"
	"github.com/franklinbaldo/egregora-sub012/pkg/store"
	"github.com/franklinbaldo/egregora-sub012/pkg/window"
	"github.com/franklinbaldo/egregora-sub012/pkg/writer"
)

// itemState tracks a window through the work queue. A queued window waits on
// the stack; processing covers enrichment, retrieval and writing;
// split_pending marks a parent whose halves have replaced it on the queue;
// done and failed are terminal.
type itemState string

const (
	stateQueued       itemState = "queued"
	stateProcessing   itemState = "processing"
	stateSplitPending itemState = "split_pending"
	stateDone         itemState = "done"
	stateFailed       itemState = "failed"
)

// reasonSplitBudget marks a window that overflowed the prompt but could not
// be split any further, by depth or by entry count.
const reasonSplitBudget = "split_budget_exhausted"

// workItem is one window on the queue, with its split lineage depth.
type workItem struct {
	win    window.Window
	depth  int
	state  itemState
	reason string
}

// runState accumulates progress across the stream: the committed cursor,
// terminal window counts and the consecutive-failure streak.
type runState struct {
	run *run.Run

	// resumeKey is the cursor as of resumption; only windows a previous
	// invocation committed fall at or below it. cursorKey tracks this
	// invocation's commits and can run ahead of the raw stream keys when
	// split parts share an end instant.
	resumeKey   int64
	cursorKey   int64
	cursorLabel string
	done        int
	failed      []string
	consecutive int
}

// Params selects how a run starts.
type Params struct {
	// FromScratch ignores any resumable run and the saved checkpoint and
	// processes the stream from the beginning. Warm caches still apply.
	FromScratch bool

	// Refresh invalidates cache tiers before the first window.
	Refresh cache.RefreshMode
}

// Runner drives one pipeline run end to end: resolve the run record, stream
// entries into windows, process each window sequentially, commit the cursor
// after each success and publish the feed snapshot at the end.
type Runner struct {
	pc       *Context
	cfg      config.RunnerConfig
	spec     window.Spec
	writer   *writer.Writer
	enricher *enrich.Enricher
	profiles *enrich.ProfileWorker
	banners  *enrich.BannerWorker
	tracer   *observability.Tracer
	log      *slog.Logger
}

// NewRunner wires the writer and the enrichment workers on top of a Context.
func NewRunner(pc *Context) (*Runner, error) {
	const op = "pipeline.new_runner"

	if pc == nil {
		return nil, fault.Invalid(op, "pipeline context is required", nil)
	}
	for name, missing := range map[string]bool{
		"config":      pc.Config == nil,
		"source":      pc.Source == nil,
		"repository":  pc.Repo == nil,
		"run tracker": pc.Tracker == nil,
		"task store":  pc.Tasks == nil,
		"llm client":  pc.Client == nil,
		"index":       pc.Index == nil,
	} {
		if missing {
			return nil, fault.Invalid(op, name+" is required", nil)
		}
	}

	log := pc.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	spec, err := pc.Config.Window.Spec()
	if err != nil {
		return nil, fault.Invalid(op, "window spec", err)
	}
	if spec.Unit == window.UnitTokens {
		counter := pc.Client.Counter()
		spec.Sizer = func(e feed.Entry) int { return counter.Count(e.Content) }
	}

	templates := writer.DefaultSource()
	if dir := pc.Config.Writer.TemplateDir; dir != "" {
		templates = writer.DirSource(dir)
	}

	var writerCache, enrichCache *cache.Store
	if pc.Caches != nil {
		writerCache = pc.Caches.Writer
		enrichCache = pc.Caches.Enrichment
	}

	w, err := writer.NewWriter(writer.Deps{
		Client:    pc.Client,
		Templates: templates,
		Repo:      pc.Repo,
		Search:    pc.Index,
		Tasks:     pc.Tasks,
		Cache:     writerCache,
		Meta:      pc,
		Logger:    log,
	}, pc.Config.Writer.AgentConfig())
	if err != nil {
		return nil, err
	}

	workerDeps := enrich.Deps{
		Tasks:  pc.Tasks,
		Repo:   pc.Repo,
		Client: pc.Client,
		Cache:  enrichCache,
		Logger: log,
	}
	workerCfg := pc.Config.Enrich.EnricherConfig()
	enricher, err := enrich.NewEnricher(workerDeps, workerCfg)
	if err != nil {
		return nil, err
	}
	profiles, err := enrich.NewProfileWorker(workerDeps, workerCfg)
	if err != nil {
		return nil, err
	}
	banners, err := enrich.NewBannerWorker(workerDeps, workerCfg)
	if err != nil {
		return nil, err
	}

	var tracer *observability.Tracer
	if pc.Obs != nil {
		tracer = pc.Obs.GetTracer()
	}

	return &Runner{
		pc:       pc,
		cfg:      pc.Config.Runner,
		spec:     spec,
		writer:   w,
		enricher: enricher,
		profiles: profiles,
		banners:  banners,
		tracer:   tracer,
		log:      log,
	}, nil
}

// Run processes the source stream under the given parameters and returns
// the final run record. The error is nil only when the run succeeded; a
// storage failure returns with the run still resumable, every other outcome
// finishes the run as failed or cancelled.
func (r *Runner) Run(ctx context.Context, params Params) (*run.Run, error) {
	const op = "pipeline.run"

	if params.Refresh != cache.RefreshNone && params.Refresh != "" {
		if r.pc.Caches == nil {
			return nil, fault.Invalid(op, "refresh requested but caches are not configured", nil)
		}
		if err := r.pc.Caches.ApplyRefresh(params.Refresh); err != nil {
			return nil, err
		}
		r.log.Info("caches refreshed", "mode", params.Refresh)
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	rec, err := r.resolveRun(ctx, params)
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.StartRun(ctx, rec.ID, rec.ConfigFingerprint)
	defer span.End()

	r.materializeMedia(ctx)

	windows, err := window.Windows(r.pc.Source.ReadEntries(ctx), r.spec)
	if err != nil {
		return r.finish(ctx, rec, run.StatusFailed, err)
	}

	st := &runState{run: rec, resumeKey: rec.CursorKey, cursorKey: rec.CursorKey, cursorLabel: rec.CursorLabel}
	err = r.processStream(ctx, windows, st)
	if err == nil {
		err = r.finalDrain(ctx)
	}
	if err == nil {
		err = r.publish(ctx)
	}

	switch kind := fault.KindOf(err); {
	case err == nil && len(st.failed) == 0:
		return r.finish(ctx, rec, run.StatusSucceeded, nil)

	case err == nil:
		// The cursor has moved past the failed windows, so resuming cannot
		// heal them; only a terminal status makes the gap visible.
		return r.finish(ctx, rec, run.StatusFailed, fault.Fatal(op,
			fmt.Sprintf("%d of %d windows failed: %s",
				len(st.failed), st.done+len(st.failed), strings.Join(st.failed, ", ")), nil))

	case kind == fault.KindCancelled:
		return r.finish(ctx, rec, run.StatusCancelled, err)

	case kind == fault.KindRepository:
		// Storage is gone; nothing can be recorded. The run stays running
		// and the next invocation resumes it from the committed cursor.
		r.log.Error("storage failure, leaving run resumable",
			"run", rec.ID, "cursor", st.cursorLabel, "error", err)
		if fresh, gerr := r.pc.Tracker.Get(context.WithoutCancel(ctx), rec.ID); gerr == nil {
			rec = fresh
		}
		return rec, err

	default:
		return r.finish(ctx, rec, run.StatusFailed, err)
	}
}

// resolveRun picks up the most recent resumable run for the current config
// fingerprint, or creates a fresh one. FromScratch always creates fresh and
// drops the file checkpoint alongside.
func (r *Runner) resolveRun(ctx context.Context, params Params) (*run.Run, error) {
	fp := r.pc.Config.Fingerprint()

	if params.FromScratch {
		if path := r.cfg.CheckpointPath; path != "" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				r.log.Warn("could not remove checkpoint", "path", path, "error", err)
			}
		}
	} else {
		latest, err := r.pc.Tracker.Latest(ctx, fp)
		switch {
		case err == nil && latest.Resumable():
			if err := r.pc.Tracker.Start(ctx, latest.ID); err != nil {
				return nil, err
			}
			latest.Status = run.StatusRunning
			r.log.Info("resuming run",
				"run", latest.ID, "cursor", latest.CursorLabel, "windows_done", latest.WindowsDone)
			return latest, nil
		case err == nil:
			// Latest run already ended; start a fresh one.
		case !errors.Is(err, run.ErrNotFound):
			return nil, err
		}
	}

	id, err := r.pc.Tracker.Create(ctx, fp)
	if err != nil {
		return nil, err
	}
	if err := r.pc.Tracker.Start(ctx, id); err != nil {
		return nil, err
	}
	rec, err := r.pc.Tracker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.log.Info("run started", "run", rec.ID, "fingerprint", fp[:12])
	return rec, nil
}

// materializeMedia copies source media assets into the configured media
// directory when the adapter can. Failure degrades media enrichment but
// never blocks the run.
func (r *Runner) materializeMedia(ctx context.Context) {
	m, ok := r.pc.Source.(adapter.MediaMaterializer)
	if !ok || r.pc.Config.Enrich.MediaDir == "" {
		return
	}
	n, err := m.MaterializeMedia(ctx, r.pc.Config.Enrich.MediaDir)
	if err != nil {
		r.log.Warn("media materialization failed", "error", err)
		return
	}
	if n > 0 {
		r.log.Debug("materialized media assets", "count", n, "dir", r.pc.Config.Enrich.MediaDir)
	}
}

// processStream walks the window stream in order. Windows at or before the
// cursor recorded at resumption were finished by a previous invocation and
// are skipped wholesale; everything else goes through the work queue.
func (r *Runner) processStream(ctx context.Context, windows iter.Seq2[window.Window, error], st *runState) error {
	for w, err := range windows {
		if err != nil {
			return err
		}
		if w.OrderKey() <= st.resumeKey {
			r.log.Debug("skipping committed window", "window", w.Label)
			continue
		}
		if err := r.processTree(ctx, w, st); err != nil {
			return err
		}
	}
	return nil
}

// processTree runs one top-level window and any splits it spawns. Halves are
// pushed in reverse so the queue pops them in timestamp order; only leaves
// ever commit, a split parent is fully represented by its children.
func (r *Runner) processTree(ctx context.Context, root window.Window, st *runState) error {
	const op = "pipeline.window"

	stack := []*workItem{{win: root, state: stateQueued}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return fault.Cancelled(op, err)
		}

		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		it.state = stateProcessing
		start := time.Now()

		res, err := r.writeWindow(ctx, it)
		switch {
		case err == nil:
			if cerr := r.commit(ctx, it.win, res.Posts, st); cerr != nil {
				return cerr
			}
			it.state = stateDone
			st.consecutive = 0
			r.recordWindow(ctx, string(stateDone), start)

		case fault.IsPromptTooLarge(err) && r.splittable(it):
			parts, serr := window.SplitIntoParts(it.win, 2)
			if serr != nil {
				if ferr := r.failWindow(ctx, it, st, serr, start); ferr != nil {
					return ferr
				}
				break
			}
			it.state = stateSplitPending
			for i := len(parts) - 1; i >= 0; i-- {
				stack = append(stack, &workItem{win: parts[i], depth: it.depth + 1, state: stateQueued})
			}
			r.recordWindow(ctx, "split", start)
			r.log.Info("window split",
				"window", it.win.Label, "entries", it.win.Size(), "depth", it.depth+1)

		case fault.IsPromptTooLarge(err):
			cause := fault.Fatal(op, reasonSplitBudget, err)
			if ferr := r.failWindow(ctx, it, st, cause, start); ferr != nil {
				return ferr
			}

		case fault.IsCancelled(err):
			return err

		case fault.IsKind(err, fault.KindRepository):
			return err

		default:
			if ferr := r.failWindow(ctx, it, st, err, start); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

func (r *Runner) splittable(it *workItem) bool {
	return it.depth < r.cfg.MaxSplitDepth && it.win.Size() >= 2*r.cfg.MinWindowSize
}

// failWindow settles a window as permanently failed. The returned error is
// non-nil only when the failure streak crossed the abort threshold, which
// fails the whole run.
func (r *Runner) failWindow(ctx context.Context, it *workItem, st *runState, cause error, start time.Time) error {
	it.state = stateFailed
	it.reason = cause.Error()
	st.failed = append(st.failed, fmt.Sprintf("%s (%s)", it.win.Label, it.reason))
	st.consecutive++
	r.recordWindow(ctx, string(stateFailed), start)
	r.log.Error("window failed",
		"window", it.win.Label, "reason", it.reason, "consecutive", st.consecutive)

	if st.consecutive >= r.cfg.AbortThreshold {
		return fault.Fatal("pipeline.window",
			fmt.Sprintf("aborting run after %d consecutive window failures", st.consecutive), cause)
	}
	return nil
}

// writeWindow prepares one window and hands it to the writer: enrichment and
// archive retrieval run concurrently, then the writer sees the window with
// both attached.
func (r *Runner) writeWindow(ctx context.Context, it *workItem) (*writer.Result, error) {
	w := it.win
	ctx, span := r.tracer.StartWindow(ctx, w.Label, w.Size(), it.depth)
	defer span.End()

	var (
		enrichments []feed.Document
		archive     []feed.Document
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := r.enrichWindow(gctx, w)
		enrichments = docs
		return err
	})
	g.Go(func() error {
		docs, err := r.retrieve(gctx, w)
		archive = docs
		return err
	})
	if err := g.Wait(); err != nil {
		r.tracer.RecordError(span, err)
		return nil, err
	}

	res, err := r.writer.Write(ctx, writer.Request{
		Window:      w,
		Enrichments: enrichments,
		Profiles:    r.profileDocs(ctx, w),
		Context:     archive,
	})
	if err != nil {
		r.tracer.RecordError(span, err)
		return nil, err
	}
	if res.FromCache {
		r.log.Debug("window served from writer cache", "window", w.Label)
	}
	return res, nil
}

// enrichWindow registers the window's media and links as documents, queues
// their enrichment plus a profile refresh per author, and drains the queue
// once. It returns the enrichment documents belonging to this window's
// subjects; leftovers from other windows settle too but attach elsewhere.
func (r *Runner) enrichWindow(ctx context.Context, w window.Window) ([]feed.Document, error) {
	subjects := make(map[string]struct{})
	authors := make(map[string]struct{})

	for _, e := range w.Entries {
		if e.AuthorID != "" {
			authors[e.AuthorID] = struct{}{}
		}
		for _, ref := range e.MediaRefs {
			doc, err := feed.NewMediaDocument(ref, e.Timestamp)
			if err != nil {
				r.log.Warn("skipping malformed media ref", "window", w.Label, "error", err)
				continue
			}
			if err := r.pc.Repo.Upsert(ctx, doc); err != nil {
				return nil, err
			}
			task, err := r.enricher.EnqueueMedia(ctx, doc.ID)
			if err != nil {
				r.log.Warn("media enqueue failed", "doc", doc.ID, "error", err)
				continue
			}
			subjects[task.Payload] = struct{}{}
		}
		for _, link := range e.Links {
			// The URL's enrichment hangs off a media document recording
			// the link itself.
			doc, err := feed.NewMediaDocument(feed.MediaRef{URI: link}, e.Timestamp)
			if err != nil {
				r.log.Warn("skipping malformed link", "window", w.Label, "error", err)
				continue
			}
			if err := r.pc.Repo.Upsert(ctx, doc); err != nil {
				return nil, err
			}
			task, err := r.enricher.EnqueueURL(ctx, link)
			if err != nil {
				r.log.Debug("link not enrichable", "url", link, "error", err)
				continue
			}
			subjects[task.Payload] = struct{}{}
		}
	}

	for author := range authors {
		if _, err := r.profiles.Enqueue(ctx, author); err != nil {
			r.log.Warn("profile enqueue failed", "author", author, "error", err)
		}
	}

	records, err := r.enricher.Pass(ctx)
	if err != nil {
		return nil, err
	}

	var docs []feed.Document
	for _, rec := range records {
		if rec.Failed() || rec.DocumentID == "" {
			continue
		}
		if _, ours := subjects[rec.Subject]; !ours {
			continue
		}
		doc, err := r.pc.Repo.Get(ctx, feed.DocTypeEnrichment, rec.DocumentID)
		if err != nil {
			r.log.Warn("enrichment document missing", "id", rec.DocumentID, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// profileDocs loads the stored profile for each window author, in entry
// order. Authors without a profile yet are simply absent.
func (r *Runner) profileDocs(ctx context.Context, w window.Window) []feed.Document {
	seen := make(map[string]struct{})
	var docs []feed.Document
	for _, e := range w.Entries {
		if e.AuthorID == "" {
			continue
		}
		if _, ok := seen[e.AuthorID]; ok {
			continue
		}
		seen[e.AuthorID] = struct{}{}
		doc, err := r.pc.Repo.Get(ctx, feed.DocTypeProfile, e.AuthorID)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

// retrieve searches the archive index for material related to the window.
// Retrieval failures degrade to an empty context instead of failing the
// window; only cancellation propagates.
func (r *Runner) retrieve(ctx context.Context, w window.Window) ([]feed.Document, error) {
	query := windowQuery(w)
	if query == "" {
		return nil, nil
	}

	hits, err := r.pc.Index.Search(ctx, query, r.pc.Config.RAG.TopK, r.pc.Config.RAG.MinSimilarity)
	if err != nil {
		if fault.IsCancelled(err) {
			return nil, err
		}
		r.log.Warn("retrieval failed, writing without archive context",
			"window", w.Label, "error", err)
		return nil, nil
	}

	docs := make([]feed.Document, 0, len(hits))
	for _, h := range hits {
		doc, err := r.pc.Repo.Get(ctx, feed.DocTypePost, h.DocID)
		if err != nil {
			// The index can run ahead of the repository; skip strays.
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// windowQuery condenses a window into a retrieval query: the first line of
// each entry, capped at 2 KiB.
func windowQuery(w window.Window) string {
	const maxQueryBytes = 2048

	var b strings.Builder
	for _, e := range w.Entries {
		text := strings.TrimSpace(e.Content)
		if text == "" {
			continue
		}
		if line, _, found := strings.Cut(text, "\n"); found {
			text = line
		}
		if b.Len()+len(text)+1 > maxQueryBytes {
			break
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

// commit makes a finished window durable: sinks first, then the index, one
// worker drain, and finally the cursor. Sinks precede the cursor because a
// committed window never reruns; replaying an uncommitted one is safe since
// Persist is idempotent.
func (r *Runner) commit(ctx context.Context, w window.Window, posts []feed.Document, st *runState) error {
	for _, doc := range posts {
		for _, s := range r.pc.Sinks {
			if err := s.Persist(ctx, doc); err != nil {
				return err
			}
		}
	}

	if _, err := r.pc.Index.IndexDocuments(ctx, posts); err != nil {
		if fault.IsCancelled(err) {
			return err
		}
		// The index is derived state and can be rebuilt offline; a failed
		// upsert degrades retrieval but must not wedge the cursor.
		r.log.Warn("reindex failed", "window", w.Label, "error", err)
	}

	if err := r.drain(ctx); err != nil {
		return err
	}

	// Split parts can share an end instant with each other and with the
	// parent; the cursor must still advance on every commit, so a colliding
	// key is bumped just past it.
	key := w.OrderKey()
	if key <= st.cursorKey {
		key = st.cursorKey + 1
	}
	if err := r.pc.Tracker.Advance(ctx, st.run.ID, w.Label, key); err != nil {
		return err
	}
	st.cursorKey = key
	st.cursorLabel = w.Label
	st.done++

	if path := r.cfg.CheckpointPath; path != "" {
		cp := window.Checkpoint{
			WindowLabel: w.Label,
			ResumeAfter: time.Unix(0, key).UTC(),
		}
		if err := window.SaveCheckpoint(path, cp); err != nil {
			r.log.Warn("checkpoint write failed", "window", w.Label, "error", err)
		}
	}

	r.log.Info("window committed",
		"window", w.Label, "posts", len(posts), "windows_done", st.done)
	return nil
}

// drain gives each background worker one pass over its queue. Worker errors
// are logged and swallowed; their tasks stay queued for the next drain.
func (r *Runner) drain(ctx context.Context) error {
	for _, worker := range []enrich.Worker{r.banners, r.profiles, r.enricher} {
		n, err := worker.Run(ctx)
		if err != nil {
			if fault.IsCancelled(err) {
				return err
			}
			r.log.Warn("worker drain failed", "worker", worker.Name(), "error", err)
			continue
		}
		if n > 0 {
			r.log.Debug("worker drained tasks", "worker", worker.Name(), "settled", n)
		}
	}
	return nil
}

// finalDrain loops the workers until the task queue is empty or no pass
// settles anything, so the published archive includes every banner and
// profile the run requested.
func (r *Runner) finalDrain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fault.Cancelled("pipeline.drain", err)
		}

		settled := 0
		for _, worker := range []enrich.Worker{r.banners, r.profiles, r.enricher} {
			n, err := worker.Run(ctx)
			if err != nil {
				if fault.IsCancelled(err) {
					return err
				}
				r.log.Warn("final drain failed", "worker", worker.Name(), "error", err)
				continue
			}
			settled += n
		}

		pending, err := r.pc.Tasks.CountPending(ctx, "")
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		if settled == 0 {
			r.log.Warn("tasks stuck in queue after drain", "pending", pending)
			return nil
		}
	}
}

// publish snapshots the whole archive into each sink's feed.
func (r *Runner) publish(ctx context.Context) error {
	posts, err := r.pc.Repo.List(ctx, store.Query{DocType: feed.DocTypePost, Desc: true})
	if err != nil {
		return err
	}
	f, err := feed.FromDocuments(r.pc.Config.Output.Meta(), posts)
	if err != nil {
		return err
	}
	for _, s := range r.pc.Sinks {
		if err := s.Publish(ctx, f); err != nil {
			return err
		}
	}
	r.log.Info("feed published", "entries", len(posts))
	return nil
}

// finish records the terminal status. The tracker write uses a context that
// survives cancellation: a cancelled run must still end up marked cancelled.
func (r *Runner) finish(ctx context.Context, rec *run.Run, status run.Status, cause error) (*run.Run, error) {
	summary := ""
	if cause != nil {
		summary = cause.Error()
	}

	fctx := context.WithoutCancel(ctx)
	if err := r.pc.Tracker.Finish(fctx, rec.ID, status, summary); err != nil {
		r.log.Error("could not record terminal status",
			"run", rec.ID, "status", status, "error", err)
		if cause == nil {
			cause = err
		}
		return rec, cause
	}

	final, err := r.pc.Tracker.Get(fctx, rec.ID)
	if err != nil {
		rec.Status = status
		rec.ErrorSummary = summary
		final = rec
	}

	switch status {
	case run.StatusSucceeded:
		r.log.Info("run succeeded",
			"run", final.ID, "windows_done", final.WindowsDone, "cursor", final.CursorLabel)
		return final, nil
	default:
		r.log.Warn("run finished",
			"run", final.ID, "status", status, "summary", summary)
		return final, cause
	}
}

func (r *Runner) recordWindow(ctx context.Context, status string, start time.Time) {
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordWindow(ctx, status, time.Since(start))
	}
}
