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
	"github.com/franklinbaldo/egregora-sub012/pkg/store"
)

const profilePromptVersion = "profile-v1"

const profileSystemPrompt = `You write short profiles of community members
from the posts they contributed to. Summarize the member's recurring topics
and apparent interests in one short paragraph written in third person.
Members are known only by anonymized identifiers; never speculate about who
a member might be, and never invent details the posts do not support.`

// excerptBytes caps how much of each post body enters the profile prompt.
const excerptBytes = 600

// ProfileWorker writes author profiles. A profile condenses the author's
// recent posts into one document keyed by the author id, so a rerun
// overwrites rather than accumulates.
type ProfileWorker struct {
	base
	sourceLimit int
}

var _ Worker = (*ProfileWorker)(nil)

// NewProfileWorker builds the profile worker.
func NewProfileWorker(deps Deps, cfg Config) (*ProfileWorker, error) {
	cfg.SetDefaults()
	b, err := newBase("enrich.new_profile_worker", "profile-worker", deps, cfg)
	if err != nil {
		return nil, err
	}
	return &ProfileWorker{base: b, sourceLimit: cfg.SourceLimit}, nil
}

// Name implements Worker.
func (w *ProfileWorker) Name() string { return "profile-worker" }

// Enqueue queues an author for profiling. The payload is the anonymized
// author id.
func (w *ProfileWorker) Enqueue(ctx context.Context, authorID string) (Task, error) {
	const op = "enrich.enqueue_profile"

	if strings.TrimSpace(authorID) == "" {
		return Task{}, fault.Invalid(op, "author id is required", nil)
	}
	return w.tasks.Enqueue(ctx, KindProfile, authorID)
}

// Run claims one bounded batch of profile tasks and settles it.
func (w *ProfileWorker) Run(ctx context.Context) (int, error) {
	return w.runKind(ctx, KindProfile, w.prepare)
}

// prepare gathers the author's newest posts and assembles the profile
// prompt. An author with no posts fails the task: there is nothing to
// profile until a later run enqueues them again with material behind it.
func (w *ProfileWorker) prepare(ctx context.Context, t Task) item {
	authorID := t.Payload
	it := item{task: t, subject: authorID}

	posts, err := w.repo.List(ctx, store.Query{
		DocType:   feed.DocTypePost,
		Author:    authorID,
		Limit:     w.sourceLimit,
		Desc:      true,
		ByUpdated: true,
	})
	if err != nil {
		it.err = err
		return it
	}
	if len(posts) == 0 {
		it.err = fault.Invalid("enrich.profile", fmt.Sprintf("author %s has no posts", authorID), nil)
		return it
	}

	now := time.Now().UTC()
	it.build = func(body string) (feed.Document, error) {
		return feed.NewProfileDocument(authorID, body, now)
	}

	// The source posts participate in the key: a profile goes stale the
	// moment any of them changes.
	parts := [][]byte{[]byte(authorID), []byte(profilePromptVersion)}
	for _, p := range posts {
		parts = append(parts, []byte(p.ID), []byte(p.UpdatedAt.UTC().Format(time.RFC3339)))
	}
	it.cacheKey = cache.Fingerprint(parts...)
	if body, ok := w.cached(it.cacheKey); ok {
		it.body = body
		it.fromCache = true
		return it
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Member: %s\n", authorID)
	fmt.Fprintf(&prompt, "Posts the member contributed to (newest first):\n")
	for i, p := range posts {
		fmt.Fprintf(&prompt, "\n%d. %s\n", i+1, p.Title)
		if excerpt := clip(strings.TrimSpace(p.ContentBody), excerptBytes); excerpt != "" {
			fmt.Fprintf(&prompt, "%s\n", excerpt)
		}
	}

	it.messages = []llm.Message{
		{Role: llm.RoleSystem, Content: profileSystemPrompt},
		{Role: llm.RoleUser, Content: prompt.String()},
	}
	return it
}
