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

package writer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/window"
)

// postPayload is one element of the model's JSON output contract. Date is
// advisory only; the window start is canonical so multi-day windows collapse
// to a single post date.
type postPayload struct {
	Title   string   `json:"title"`
	Date    string   `json:"date"`
	Authors []string `json:"authors"`
	Body    string   `json:"body"`
}

// parsePosts decodes the model's final text into post payloads. An empty
// array is a valid outcome: some windows hold nothing worth publishing.
func parsePosts(text string) ([]postPayload, error) {
	const op = "writer.parse"

	cleaned := stripFences(text)
	if cleaned == "" {
		return nil, fault.Invalid(op, "model returned no content", nil)
	}

	var payloads []postPayload
	if err := json.Unmarshal([]byte(cleaned), &payloads); err != nil {
		return nil, fault.Invalid(op, "model output is not a JSON array of posts", err)
	}
	return payloads, nil
}

// stripFences removes a markdown code fence if the model wrapped its output
// in one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:] // drop the opening fence line, including any language tag
	} else {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		return strings.TrimSpace(s)
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// buildPosts turns payloads into post documents anchored to the window.
// Post IDs are date-prefixed slugs; colliding titles within one batch get
// numeric suffixes. Author lists are filtered to IDs that actually spoke in
// the window, so hallucinated attribution never reaches the feed.
func buildPosts(payloads []postPayload, win window.Window) ([]feed.Document, error) {
	const op = "writer.build_posts"

	known := make(map[string]bool, len(win.Entries))
	for _, e := range win.Entries {
		known[e.AuthorID] = true
	}

	date := win.StartTime.UTC()
	day := date.Format("2006-01-02")

	seen := make(map[string]bool, len(payloads))
	posts := make([]feed.Document, 0, len(payloads))
	for i, p := range payloads {
		title := strings.TrimSpace(p.Title)
		body := strings.TrimSpace(p.Body)
		if title == "" {
			return nil, fault.Invalid(op, fmt.Sprintf("post %d has no title", i), nil)
		}
		if body == "" {
			return nil, fault.Invalid(op, fmt.Sprintf("post %d has no body", i), nil)
		}

		slug := feed.Slugify(title)
		if slug == "" {
			return nil, fault.Invalid(op, fmt.Sprintf("title %q yields an empty slug", p.Title), nil)
		}

		id := day + "-" + slug
		base := id
		for n := 2; seen[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		seen[id] = true

		post, err := feed.NewPost(id, title, date, filterAuthors(p.Authors, known), body)
		if err != nil {
			return nil, err
		}
		post.SourceWindow = win.Label
		posts = append(posts, post)
	}
	return posts, nil
}

func filterAuthors(raw []string, known map[string]bool) []string {
	var out []string
	kept := make(map[string]bool, len(raw))
	for _, a := range raw {
		a = strings.TrimSpace(a)
		if a == "" || !known[a] || kept[a] {
			continue
		}
		kept[a] = true
		out = append(out, a)
	}
	return out
}
