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
	"sync"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
)

// Router schedules embedding work over two queues that share one limiter
// bucket. Queries take the low-latency queue and are always served before
// waiting bulk work; document batches take the bulk queue. A single
// dispatcher goroutine owns the embedder, so limiter acquisition is strictly
// ordered and bulk indexing can never starve an interactive query for more
// than one in-flight call.
//
// Both queues are unbuffered: a send succeeds only when the dispatcher
// receives it, so every accepted job is guaranteed a response and a send
// after Close fails instead of parking work on a dead queue.
type Router struct {
	embedder Embedder
	limiter  *llm.RateLimiter

	queryQ chan *embedJob
	bulkQ  chan *embedJob
	done   chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

type embedJob struct {
	ctx   context.Context
	texts []string
	query bool
	resp  chan embedResult
}

type embedResult struct {
	vectors [][]float32
	err     error
}

// NewRouter starts the dispatcher. A nil limiter disables rate limiting;
// production wiring passes the client's limiter so generation, enrichment
// and embedding draw from the same budget.
func NewRouter(embedder Embedder, limiter *llm.RateLimiter) *Router {
	r := &Router{
		embedder: embedder,
		limiter:  limiter,
		queryQ:   make(chan *embedJob),
		bulkQ:    make(chan *embedJob),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	for {
		// Serve any waiting query before considering bulk work.
		select {
		case job := <-r.queryQ:
			r.serve(job)
			continue
		case <-r.done:
			return
		default:
		}

		select {
		case job := <-r.queryQ:
			r.serve(job)
		case job := <-r.bulkQ:
			r.serve(job)
		case <-r.done:
			return
		}
	}
}

func (r *Router) serve(job *embedJob) {
	if err := r.acquire(job.ctx, job.texts); err != nil {
		job.resp <- embedResult{err: err}
		return
	}

	if job.query {
		vec, err := r.embedder.EmbedQuery(job.ctx, job.texts[0])
		if err != nil {
			job.resp <- embedResult{err: err}
			return
		}
		job.resp <- embedResult{vectors: [][]float32{vec}}
		return
	}

	vecs, err := r.embedder.EmbedDocuments(job.ctx, job.texts)
	job.resp <- embedResult{vectors: vecs, err: err}
}

func (r *Router) acquire(ctx context.Context, texts []string) error {
	if r.limiter == nil {
		return nil
	}
	tokens := 0
	for _, t := range texts {
		// bytes/4 approximates tokens for limiter accounting.
		tokens += len(t) / 4
	}
	return r.limiter.Acquire(ctx, tokens)
}

// EmbedQuery routes one query through the low-latency queue.
func (r *Router) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	const op = "rag.router.query"

	if text == "" {
		return nil, fault.Invalid(op, "query text is empty", nil)
	}
	job := &embedJob{ctx: ctx, texts: []string{text}, query: true, resp: make(chan embedResult, 1)}
	res, err := r.submit(ctx, op, r.queryQ, job)
	if err != nil {
		return nil, err
	}
	return res.vectors[0], nil
}

// EmbedDocuments routes a document batch through the bulk queue. The
// embedder chunks internally, so the batch travels as one job.
func (r *Router) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "rag.router.documents"

	if len(texts) == 0 {
		return nil, nil
	}
	job := &embedJob{ctx: ctx, texts: texts, resp: make(chan embedResult, 1)}
	res, err := r.submit(ctx, op, r.bulkQ, job)
	if err != nil {
		return nil, err
	}
	return res.vectors, nil
}

func (r *Router) submit(ctx context.Context, op string, queue chan *embedJob, job *embedJob) (embedResult, error) {
	select {
	case queue <- job:
	case <-r.done:
		return embedResult{}, fault.Invalid(op, "router is closed", nil)
	case <-ctx.Done():
		return embedResult{}, fault.Cancelled(op, ctx.Err())
	}

	// The job was accepted, so the dispatcher will deliver exactly one
	// result; resp is buffered so the dispatcher never blocks on it.
	select {
	case res := <-job.resp:
		if res.err != nil {
			return embedResult{}, res.err
		}
		return res, nil
	case <-ctx.Done():
		return embedResult{}, fault.Cancelled(op, ctx.Err())
	}
}

// Dimension reports the underlying embedder's dimensionality.
func (r *Router) Dimension() int { return r.embedder.Dimension() }

// Model reports the underlying embedder's model identifier.
func (r *Router) Model() string { return r.embedder.Model() }

// Close stops the dispatcher, waits for any in-flight job to finish, and
// closes the embedder. Jobs submitted after Close fail immediately.
func (r *Router) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	return r.embedder.Close()
}

// The router is itself an Embedder, so the index works against either a raw
// embedder or the routed one.
var _ Embedder = (*Router)(nil)
