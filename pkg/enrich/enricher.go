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
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/httpclient"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
)

// Prompt versions participate in L1 cache keys; bump when the wording changes.
const (
	urlPromptVersion   = "url-v1"
	mediaPromptVersion = "media-v1"
)

const urlSystemPrompt = `You describe shared links for a community archive.
Summarize what the linked page is about in two or three sentences, in the
language of the page when that is obvious. State what the page contains;
do not editorialize and do not address the reader.`

const mediaSystemPrompt = `You describe shared files for a community archive.
Given a file name, its type, and any extracted content, summarize what the
file contains in two or three sentences. State facts only; if the content
is unavailable, describe what the name and type suggest.`

const fetchUserAgent = "egregora/1.0"

// Enricher describes shared urls and media attachments. Both kinds share the
// claim/describe/persist machinery and the model client; they differ only in
// how the prompt is assembled. URL pages are fetched best-effort with
// rate-limit-absorbing retries, media content is extracted from local files
// when a native parser covers the format.
type Enricher struct {
	base
	cfg     Config
	fetch   *httpclient.Client
	parsers *ParserRegistry
}

// NewEnricher builds the url and media enrichment worker.
func NewEnricher(deps Deps, cfg Config) (*Enricher, error) {
	cfg.SetDefaults()
	b, err := newBase("enrich.new_enricher", "enricher", deps, cfg)
	if err != nil {
		return nil, err
	}
	// Web pages carry no credential to rotate, so 429s are absorbed
	// in-transport instead of surfacing to the worker.
	fetch := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout}),
		httpclient.WithRetryStrategy(httpclient.AbsorbRateLimits),
	)
	return &Enricher{
		base:    b,
		cfg:     cfg,
		fetch:   fetch,
		parsers: NewParserRegistry(),
	}, nil
}

var _ Worker = (*Enricher)(nil)

// Name implements Worker.
func (e *Enricher) Name() string { return "enricher" }

// EnqueueURL queues a shared link for description. Only http and https
// links are accepted. A pending task for the same url is returned as is.
func (e *Enricher) EnqueueURL(ctx context.Context, rawURL string) (Task, error) {
	const op = "enrich.enqueue_url"

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Task{}, fault.Invalid(op, "malformed url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Task{}, fault.Invalid(op, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	if u.Host == "" {
		return Task{}, fault.Invalid(op, "url has no host", nil)
	}
	return e.tasks.Enqueue(ctx, KindURL, u.String())
}

// EnqueueMedia queues a stored media document for description. The payload
// is the media document id.
func (e *Enricher) EnqueueMedia(ctx context.Context, mediaDocID string) (Task, error) {
	const op = "enrich.enqueue_media"

	if strings.TrimSpace(mediaDocID) == "" {
		return Task{}, fault.Invalid(op, "media document id is required", nil)
	}
	return e.tasks.Enqueue(ctx, KindMedia, mediaDocID)
}

// Run claims one bounded batch spanning both kinds and settles it.
func (e *Enricher) Run(ctx context.Context) (int, error) {
	tasks, err := e.claimBoth(ctx)
	if err != nil {
		return 0, err
	}
	records, err := e.process(ctx, tasks, e.prepare)
	return len(records), err
}

// Pass drains the url and media queues, claiming and settling batches until
// both are empty. The returned records cover everything settled, including
// batches before an abort.
func (e *Enricher) Pass(ctx context.Context) ([]EnrichmentRecord, error) {
	var all []EnrichmentRecord
	for {
		tasks, err := e.claimBoth(ctx)
		if err != nil {
			return all, err
		}
		if len(tasks) == 0 {
			return all, nil
		}
		records, err := e.process(ctx, tasks, e.prepare)
		all = append(all, records...)
		if err != nil {
			return all, err
		}
	}
}

// URLWorker exposes the url side alone, for callers that drain kinds
// separately.
func (e *Enricher) URLWorker() Worker {
	return &kindWorker{enricher: e, kind: KindURL, name: "url-enricher"}
}

// MediaWorker exposes the media side alone.
func (e *Enricher) MediaWorker() Worker {
	return &kindWorker{enricher: e, kind: KindMedia, name: "media-enricher"}
}

type kindWorker struct {
	enricher *Enricher
	kind     Kind
	name     string
}

func (w *kindWorker) Name() string { return w.name }

func (w *kindWorker) Run(ctx context.Context) (int, error) {
	return w.enricher.runKind(ctx, w.kind, w.enricher.prepare)
}

// claimBoth claims up to ClaimLimit tasks across both kinds, urls first, so
// one model batch can span them.
func (e *Enricher) claimBoth(ctx context.Context) ([]Task, error) {
	tasks, err := e.tasks.Claim(ctx, KindURL, e.claimLimit)
	if err != nil {
		return nil, err
	}
	if remaining := e.claimLimit - len(tasks); remaining > 0 {
		media, err := e.tasks.Claim(ctx, KindMedia, remaining)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, media...)
	}
	return tasks, nil
}

func (e *Enricher) prepare(ctx context.Context, t Task) item {
	switch t.Kind {
	case KindURL:
		return e.prepareURL(ctx, t)
	case KindMedia:
		return e.prepareMedia(ctx, t)
	default:
		return item{task: t, subject: t.Payload,
			err: fault.Invalid("enrich.prepare", fmt.Sprintf("enricher cannot handle kind %q", t.Kind), nil)}
	}
}

// prepareURL assembles the description prompt for a shared link. The page
// fetch is best-effort: when it fails the model describes the bare url.
func (e *Enricher) prepareURL(ctx context.Context, t Task) item {
	rawURL := t.Payload
	it := item{task: t, subject: rawURL}

	// The enrichment document hangs off the media document the url was
	// recorded as, whose id is the content address of the url itself.
	parentID := feed.ContentAddress([]byte(rawURL))
	now := time.Now().UTC()
	it.build = func(body string) (feed.Document, error) {
		return feed.NewEnrichmentDocument(parentID, body, now)
	}

	it.cacheKey = cache.Fingerprint([]byte(rawURL), []byte(urlPromptVersion))
	if body, ok := e.cached(it.cacheKey); ok {
		it.body = body
		it.fromCache = true
		return it
	}

	page, err := e.fetchPage(ctx, rawURL)
	if err != nil {
		if fault.IsCancelled(err) {
			it.err = err
			return it
		}
		e.log.Debug("page fetch failed, describing bare url", "url", rawURL, "error", err)
		page = ""
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "URL: %s\n", rawURL)
	if page != "" {
		fmt.Fprintf(&prompt, "\nPage content:\n%s\n", page)
	}

	it.messages = []llm.Message{
		{Role: llm.RoleSystem, Content: urlSystemPrompt},
		{Role: llm.RoleUser, Content: prompt.String()},
	}
	return it
}

// prepareMedia assembles the description prompt for a stored media document.
// Content extraction is best-effort; the file name and type alone still make
// a prompt.
func (e *Enricher) prepareMedia(ctx context.Context, t Task) item {
	it := item{task: t, subject: t.Payload}

	doc, err := e.repo.Get(ctx, feed.DocTypeMedia, t.Payload)
	if err != nil {
		it.err = err
		return it
	}

	assetKey := doc.ContentBody
	now := time.Now().UTC()
	it.build = func(body string) (feed.Document, error) {
		return feed.NewEnrichmentDocument(doc.ID, body, now)
	}

	it.cacheKey = cache.Fingerprint([]byte(assetKey), []byte(mediaPromptVersion))
	if body, ok := e.cached(it.cacheKey); ok {
		it.body = body
		it.fromCache = true
		return it
	}

	var extracted string
	if e.cfg.MediaDir != "" {
		// Base() pins the lookup inside MediaDir regardless of what the
		// asset key contains.
		path := filepath.Join(e.cfg.MediaDir, filepath.Base(assetKey))
		if e.parsers.Supported(path) {
			result, err := e.parsers.Parse(ctx, path)
			switch {
			case err != nil && fault.IsCancelled(err):
				it.err = err
				return it
			case err != nil:
				e.log.Warn("media extraction failed, describing by name",
					"asset", assetKey, "error", err)
			default:
				extracted = clip(result.Content, e.cfg.ContentByteCap)
			}
		}
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "File: %s\n", assetKey)
	if mt := doc.Metadata["mime_type"]; mt != "" {
		fmt.Fprintf(&prompt, "Type: %s\n", mt)
	}
	if uri := doc.Metadata["uri"]; uri != "" && uri != assetKey {
		fmt.Fprintf(&prompt, "Source: %s\n", uri)
	}
	if extracted != "" {
		fmt.Fprintf(&prompt, "\nExtracted content:\n%s\n", extracted)
	}

	it.messages = []llm.Message{
		{Role: llm.RoleSystem, Content: mediaSystemPrompt},
		{Role: llm.RoleUser, Content: prompt.String()},
	}
	return it
}

// fetchPage downloads a url for prompt context. Only textual content types
// are accepted, capped at ContentByteCap bytes.
func (e *Enricher) fetchPage(ctx context.Context, rawURL string) (string, error) {
	const op = "enrich.fetch_page"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fault.Invalid(op, "building page request", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := e.fetch.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fault.Cancelled(op, ctx.Err())
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fault.Transient(op, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	if !textualContentType(resp.Header.Get("Content-Type")) {
		return "", fault.Invalid(op, fmt.Sprintf("unsupported content type %q", resp.Header.Get("Content-Type")), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(e.cfg.ContentByteCap)))
	if err != nil {
		return "", fault.Transient(op, "reading page body", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// textualContentType reports whether a Content-Type header names something
// worth feeding into a prompt.
func textualContentType(header string) bool {
	if header == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "application/xml":
		return true
	case strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"):
		return true
	}
	return false
}
