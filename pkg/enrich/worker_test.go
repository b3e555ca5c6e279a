package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
	"github.com/franklinbaldo/egregora-sub012/pkg/store"
)

// fakeGen satisfies Generator. The zero value answers every Generate call
// with a canned description and never batches.
type fakeGen struct {
	mu        sync.Mutex
	generated int
	submitted [][]llm.BatchRequest

	generateFn  func(messages []llm.Message) (*llm.Response, error)
	threshold   int
	submitErr   error
	waitErr     error
	batchStatus *llm.BatchStatus
}

func (g *fakeGen) Generate(_ context.Context, messages []llm.Message, _ llm.Settings) (*llm.Response, error) {
	g.mu.Lock()
	g.generated++
	g.mu.Unlock()
	if g.generateFn != nil {
		return g.generateFn(messages)
	}
	return &llm.Response{Text: "a plain description"}, nil
}

func (g *fakeGen) SubmitBatch(_ context.Context, requests []llm.BatchRequest) (llm.BatchHandle, error) {
	g.mu.Lock()
	g.submitted = append(g.submitted, requests)
	g.mu.Unlock()
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return llm.BatchHandle("batch-1"), nil
}

func (g *fakeGen) WaitBatch(_ context.Context, _ llm.BatchHandle, _ time.Duration) (*llm.BatchStatus, error) {
	if g.waitErr != nil {
		return nil, g.waitErr
	}
	if g.batchStatus != nil {
		return g.batchStatus, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	last := g.submitted[len(g.submitted)-1]
	status := &llm.BatchStatus{State: llm.BatchDone}
	for _, req := range last {
		status.Results = append(status.Results, llm.BatchResult{
			Index:    req.Index,
			Response: &llm.Response{Text: fmt.Sprintf("batch description %d", req.Index)},
		})
	}
	return status, nil
}

func (g *fakeGen) BatchThreshold() int { return g.threshold }

func (g *fakeGen) generateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generated
}

// fakeRepo satisfies Repository with an in-memory document map keyed by
// type and id.
type fakeRepo struct {
	mu      sync.Mutex
	docs    map[string]feed.Document
	upserts []feed.Document
	listFn  func(q store.Query) ([]feed.Document, error)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{docs: make(map[string]feed.Document)}
}

func repoKey(docType feed.DocType, id string) string {
	return string(docType) + "/" + id
}

func (r *fakeRepo) put(doc feed.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[repoKey(doc.DocType, doc.ID)] = doc
}

func (r *fakeRepo) Get(_ context.Context, docType feed.DocType, id string) (feed.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[repoKey(docType, id)]
	if !ok {
		return feed.Document{}, fault.Repository("test.get", fmt.Sprintf("document %s/%s not found", docType, id), nil)
	}
	return doc, nil
}

func (r *fakeRepo) Upsert(_ context.Context, doc feed.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[repoKey(doc.DocType, doc.ID)] = doc
	r.upserts = append(r.upserts, doc)
	return nil
}

func (r *fakeRepo) List(_ context.Context, q store.Query) ([]feed.Document, error) {
	if r.listFn != nil {
		return r.listFn(q)
	}
	return nil, nil
}

func (r *fakeRepo) upserted() []feed.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feed.Document(nil), r.upserts...)
}

// testWorker drives the shared machinery with a synthetic prepare step.
type testWorker struct {
	base
	prepare prepareFunc
}

func newTestWorker(t *testing.T, deps Deps, prepare prepareFunc) *testWorker {
	t.Helper()

	b, err := newBase("enrich.test", "test-worker", deps, Config{})
	require.NoError(t, err)
	return &testWorker{base: b, prepare: prepare}
}

// urlPrepare is the default synthetic prepare: a url-style item whose
// document hangs off the content address of the payload.
func urlPrepare(_ context.Context, t Task) item {
	parentID := feed.ContentAddress([]byte(t.Payload))
	return item{
		task:    t,
		subject: t.Payload,
		messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Describe " + t.Payload},
		},
		build: func(body string) (feed.Document, error) {
			return feed.NewEnrichmentDocument(parentID, body, time.Unix(1700000000, 0).UTC())
		},
	}
}

func enqueueURLs(t *testing.T, tasks Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tasks.Enqueue(context.Background(), KindURL, fmt.Sprintf("https://example.com/%d", i))
		require.NoError(t, err)
	}
}

func TestDocumentIDs(t *testing.T) {
	records := []EnrichmentRecord{
		{TaskID: "1", DocumentID: "doc-a"},
		{TaskID: "2", Err: "boom"},
		{TaskID: "3", DocumentID: "doc-b", FromCache: true},
	}
	assert.Equal(t, []string{"doc-a", "doc-b"}, DocumentIDs(records))
	assert.Nil(t, DocumentIDs(nil))

	assert.False(t, records[0].Failed())
	assert.True(t, records[1].Failed())
}

func TestWorkerRequiresDeps(t *testing.T) {
	_, err := newBase("enrich.test", "w", Deps{}, Config{})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))

	_, err = newBase("enrich.test", "w", Deps{Tasks: NewMemoryStore(), Repo: newFakeRepo()}, Config{})
	require.Error(t, err)
}

func TestProcessSettlesBatch(t *testing.T) {
	tasks := NewMemoryStore()
	repo := newFakeRepo()
	gen := &fakeGen{}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: repo, Client: gen}, urlPrepare)
	enqueueURLs(t, tasks, 3)

	n, err := w.runKind(context.Background(), KindURL, w.prepare)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, gen.generateCalls())
	assert.Len(t, repo.upserted(), 3)

	done, err := tasks.List(context.Background(), KindURL, StatusDone)
	require.NoError(t, err)
	assert.Len(t, done, 3)

	pending, err := tasks.CountPending(context.Background(), KindURL)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestProcessPerItemFailureContinues(t *testing.T) {
	tasks := NewMemoryStore()
	repo := newFakeRepo()
	gen := &fakeGen{
		generateFn: func(messages []llm.Message) (*llm.Response, error) {
			if strings.Contains(messages[0].Content, "example.com/1") {
				return nil, fault.Transient("test.generate", "throttled upstream", nil)
			}
			return &llm.Response{Text: "fine"}, nil
		},
	}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: repo, Client: gen}, urlPrepare)
	enqueueURLs(t, tasks, 3)

	claimed, err := tasks.Claim(context.Background(), KindURL, 10)
	require.NoError(t, err)
	records, err := w.process(context.Background(), claimed, w.prepare)
	require.NoError(t, err)
	require.Len(t, records, 3)

	var failed []EnrichmentRecord
	for _, r := range records {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "https://example.com/1", failed[0].Subject)
	assert.Contains(t, failed[0].Err, "throttled upstream")

	got, err := tasks.Get(context.Background(), failed[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Len(t, repo.upserted(), 2)
}

func TestProcessFatalReleasesUnprocessed(t *testing.T) {
	tasks := NewMemoryStore()
	gen := &fakeGen{
		generateFn: func([]llm.Message) (*llm.Response, error) {
			return nil, fault.Fatal("test.generate", "all credentials exhausted", nil)
		},
	}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: newFakeRepo(), Client: gen}, urlPrepare)
	enqueueURLs(t, tasks, 3)

	n, err := w.runKind(context.Background(), KindURL, w.prepare)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindFatal))
	assert.Equal(t, 0, n)

	// Nothing settled: the whole claim went back to pending.
	pending, err := tasks.CountPending(context.Background(), KindURL)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestProcessEmptyDescriptionFails(t *testing.T) {
	tasks := NewMemoryStore()
	gen := &fakeGen{
		generateFn: func([]llm.Message) (*llm.Response, error) {
			return &llm.Response{Text: "   \n"}, nil
		},
	}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: newFakeRepo(), Client: gen}, urlPrepare)
	enqueueURLs(t, tasks, 1)

	claimed, err := tasks.Claim(context.Background(), KindURL, 10)
	require.NoError(t, err)
	records, err := w.process(context.Background(), claimed, w.prepare)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Failed())
	assert.Contains(t, records[0].Err, "empty description")
}

func TestProcessPreparedBodySkipsModel(t *testing.T) {
	tasks := NewMemoryStore()
	repo := newFakeRepo()
	gen := &fakeGen{}
	prepare := func(ctx context.Context, task Task) item {
		it := urlPrepare(ctx, task)
		it.body = "cached description"
		it.fromCache = true
		return it
	}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: repo, Client: gen}, prepare)
	enqueueURLs(t, tasks, 2)

	claimed, err := tasks.Claim(context.Background(), KindURL, 10)
	require.NoError(t, err)
	records, err := w.process(context.Background(), claimed, w.prepare)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].FromCache)
	assert.Equal(t, 0, gen.generateCalls())
	assert.Len(t, repo.upserted(), 2)
}

func TestProcessBatchPath(t *testing.T) {
	tasks := NewMemoryStore()
	repo := newFakeRepo()
	gen := &fakeGen{threshold: 2}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: repo, Client: gen}, urlPrepare)
	enqueueURLs(t, tasks, 3)

	n, err := w.runKind(context.Background(), KindURL, w.prepare)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// One batch, no individual calls.
	assert.Equal(t, 0, gen.generateCalls())
	require.Len(t, gen.submitted, 1)
	assert.Len(t, gen.submitted[0], 3)

	docs := repo.upserted()
	require.Len(t, docs, 3)
	bodies := make(map[string]bool)
	for _, d := range docs {
		bodies[d.ContentBody] = true
	}
	assert.True(t, bodies["batch description 0"])
	assert.True(t, bodies["batch description 2"])
}

func TestProcessBatchPartialFailure(t *testing.T) {
	tasks := NewMemoryStore()
	gen := &fakeGen{
		threshold: 2,
		batchStatus: &llm.BatchStatus{
			State: llm.BatchDone,
			Results: []llm.BatchResult{
				{Index: 0, Response: &llm.Response{Text: "ok zero"}},
				{Index: 1, Err: "internal error"},
				// Index 2 never reported.
			},
		},
	}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: newFakeRepo(), Client: gen}, urlPrepare)
	enqueueURLs(t, tasks, 3)

	claimed, err := tasks.Claim(context.Background(), KindURL, 10)
	require.NoError(t, err)
	records, err := w.process(context.Background(), claimed, w.prepare)
	require.NoError(t, err)
	require.Len(t, records, 3)

	byTask := make(map[string]EnrichmentRecord)
	for _, r := range records {
		byTask[r.Subject] = r
	}
	assert.False(t, byTask["https://example.com/0"].Failed())
	assert.Contains(t, byTask["https://example.com/1"].Err, "internal error")
	assert.Contains(t, byTask["https://example.com/2"].Err, "batch result missing")
}

func TestProcessBatchWideFailure(t *testing.T) {
	tasks := NewMemoryStore()
	gen := &fakeGen{
		threshold:   2,
		batchStatus: &llm.BatchStatus{State: llm.BatchFailed, Reason: "quota exceeded"},
	}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: newFakeRepo(), Client: gen}, urlPrepare)
	enqueueURLs(t, tasks, 2)

	// A failed batch fails its items; the worker itself keeps going.
	n, err := w.runKind(context.Background(), KindURL, w.prepare)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	failed, err := tasks.List(context.Background(), KindURL, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Contains(t, failed[0].Error, "quota exceeded")
}

func TestProcessBatchFatalSubmit(t *testing.T) {
	tasks := NewMemoryStore()
	gen := &fakeGen{
		threshold: 2,
		submitErr: fault.Fatal("test.submit", "invalid credentials", nil),
	}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: newFakeRepo(), Client: gen}, urlPrepare)
	enqueueURLs(t, tasks, 2)

	_, err := w.runKind(context.Background(), KindURL, w.prepare)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindFatal))

	pending, err := tasks.CountPending(context.Background(), KindURL)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestProcessCancelledReleases(t *testing.T) {
	tasks := NewMemoryStore()
	gen := &fakeGen{}
	w := newTestWorker(t, Deps{Tasks: tasks, Repo: newFakeRepo(), Client: gen}, urlPrepare)
	enqueueURLs(t, tasks, 2)

	claimed, err := tasks.Claim(context.Background(), KindURL, 10)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	records, err := w.process(ctx, claimed, w.prepare)
	require.Error(t, err)
	assert.Empty(t, records)

	// Settlement runs on a detached context, so the release lands even
	// though ctx is gone.
	pending, err := tasks.CountPending(context.Background(), KindURL)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestStopsWorker(t *testing.T) {
	assert.True(t, stopsWorker(fault.Fatal("op", "auth", nil)))
	assert.True(t, stopsWorker(fault.Cancelled("op", context.Canceled)))
	assert.True(t, stopsWorker(context.Canceled))
	assert.True(t, stopsWorker(context.DeadlineExceeded))
	assert.False(t, stopsWorker(fault.Transient("op", "throttle", nil)))
	assert.False(t, stopsWorker(errors.New("plain")))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 10))
	assert.Equal(t, "ab", clip("abcd", 2))
	assert.Equal(t, "", clip("", 4))

	// Never splits a rune.
	s := "aße"
	clipped := clip(s, 2)
	assert.Equal(t, "a", clipped)
	assert.Equal(t, s, clip(s, 100))
}
