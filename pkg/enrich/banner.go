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
	"strings"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
)

const bannerPromptVersion = "banner-v1"

const bannerSystemPrompt = `You write banner art directions for blog posts.
Given a post, describe in two or three sentences a single wide illustration
that captures its theme: the scene, the mood, the palette. Describe imagery
only; no text in the image, no names, no faces of real people.`

// bannerSourceBytes caps how much of the post body enters the prompt.
const bannerSourceBytes = 2000

// BannerWorker writes banner art directions for posts. A banner hangs off
// its post (same id, ParentID set), so regenerating a post's banner
// overwrites the previous one.
type BannerWorker struct {
	base
}

var _ Worker = (*BannerWorker)(nil)

// NewBannerWorker builds the banner worker.
func NewBannerWorker(deps Deps, cfg Config) (*BannerWorker, error) {
	b, err := newBase("enrich.new_banner_worker", "banner-worker", deps, cfg)
	if err != nil {
		return nil, err
	}
	return &BannerWorker{base: b}, nil
}

// Name implements Worker.
func (w *BannerWorker) Name() string { return "banner-worker" }

// Enqueue queues a post for banner generation. The payload is the post id.
func (w *BannerWorker) Enqueue(ctx context.Context, postID string) (Task, error) {
	const op = "enrich.enqueue_banner"

	if strings.TrimSpace(postID) == "" {
		return Task{}, fault.Invalid(op, "post id is required", nil)
	}
	return w.tasks.Enqueue(ctx, KindBanner, postID)
}

// Run claims one bounded batch of banner tasks and settles it.
func (w *BannerWorker) Run(ctx context.Context) (int, error) {
	return w.runKind(ctx, KindBanner, w.prepare)
}

func (w *BannerWorker) prepare(ctx context.Context, t Task) item {
	postID := t.Payload
	it := item{task: t, subject: postID}

	post, err := w.repo.Get(ctx, feed.DocTypePost, postID)
	if err != nil {
		it.err = err
		return it
	}

	now := time.Now().UTC()
	it.build = func(body string) (feed.Document, error) {
		return feed.NewBannerDocument(postID, body, now)
	}

	// An edited post gets a fresh banner: the body hash keys the cache.
	it.cacheKey = cache.Fingerprint(
		[]byte(postID),
		[]byte(feed.ContentAddress([]byte(post.ContentBody))),
		[]byte(bannerPromptVersion),
	)
	if body, ok := w.cached(it.cacheKey); ok {
		it.body = body
		it.fromCache = true
		return it
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Post title: %s\n\n", post.Title)
	fmt.Fprintf(&prompt, "Post:\n%s\n", clip(strings.TrimSpace(post.ContentBody), bannerSourceBytes))

	it.messages = []llm.Message{
		{Role: llm.RoleSystem, Content: bannerSystemPrompt},
		{Role: llm.RoleUser, Content: prompt.String()},
	}
	return it
}
