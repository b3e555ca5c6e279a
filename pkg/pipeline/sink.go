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
	"bytes"
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
)

// Sink is a passive output boundary. The runner pushes finished documents
// into it after each committed window and a feed snapshot at the end of the
// run; a sink never reaches back into the pipeline.
//
// Persist must be idempotent on (doc type, id): committed windows replay
// their documents after a crash-resume, and the sink must converge to the
// same state. Publish replaces the previous snapshot wholesale.
type Sink interface {
	Persist(ctx context.Context, doc feed.Document) error
	Documents(ctx context.Context) iter.Seq2[feed.Document, error]
	Publish(ctx context.Context, f feed.Feed) error
}

// FeedFileName is the Atom snapshot written by FSSink.Publish.
const FeedFileName = "feed.xml"

// FSSink renders the archive as a static site fragment: one markdown file
// with YAML front matter per post under posts/, and the Atom feed at the
// root. Media assets are materialized separately by the source adapter and
// served from the same tree.
type FSSink struct {
	dir string
}

var _ Sink = (*FSSink)(nil)

// NewFSSink creates the output directory layout under dir.
func NewFSSink(dir string) (*FSSink, error) {
	const op = "pipeline.new_sink"
	if dir == "" {
		return nil, fault.Invalid(op, "output directory is required", nil)
	}
	if err := os.MkdirAll(filepath.Join(dir, "posts"), 0o755); err != nil {
		return nil, fault.Repository(op, "create output directory", err)
	}
	return &FSSink{dir: dir}, nil
}

// Dir returns the sink's root directory.
func (s *FSSink) Dir() string { return s.dir }

// postFrontMatter is the YAML header of a rendered post file. Fields
// round-trip through Documents so the sink can be read back as a corpus.
type postFrontMatter struct {
	Title   string    `yaml:"title"`
	Date    time.Time `yaml:"date"`
	Updated time.Time `yaml:"updated,omitempty"`
	Authors []string  `yaml:"authors,omitempty"`
	Window  string    `yaml:"window,omitempty"`
}

// Persist implements Sink. Posts render to posts/<id>.md; every other
// document type lives in the repository only and is a no-op here.
func (s *FSSink) Persist(ctx context.Context, doc feed.Document) error {
	const op = "sink.persist"
	if err := ctx.Err(); err != nil {
		return fault.Cancelled(op, err)
	}
	if doc.DocType != feed.DocTypePost {
		return nil
	}
	if doc.ID == "" || doc.ID != filepath.Base(doc.ID) {
		return fault.Invalid(op, fmt.Sprintf("post id %q is not a bare slug", doc.ID), nil)
	}

	data, err := renderPost(doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.postPath(doc.ID), data)
}

// Documents implements Sink: it streams the persisted posts back in file
// name order. Unreadable files yield their error and the iteration
// continues, so one corrupt file does not hide the rest.
func (s *FSSink) Documents(ctx context.Context) iter.Seq2[feed.Document, error] {
	const op = "sink.documents"
	return func(yield func(feed.Document, error) bool) {
		entries, err := os.ReadDir(filepath.Join(s.dir, "posts"))
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			yield(feed.Document{}, fault.Repository(op, "read posts directory", err))
			return
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(feed.Document{}, fault.Cancelled(op, err))
				return
			}
			doc, err := s.readPost(e.Name())
			if err != nil {
				if !yield(feed.Document{}, err) {
					return
				}
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Publish implements Sink by replacing feed.xml atomically.
func (s *FSSink) Publish(ctx context.Context, f feed.Feed) error {
	const op = "sink.publish"
	if err := ctx.Err(); err != nil {
		return fault.Cancelled(op, err)
	}
	data, err := f.MarshalAtom()
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, FeedFileName), data)
}

func (s *FSSink) postPath(id string) string {
	return filepath.Join(s.dir, "posts", id+".md")
}

func renderPost(doc feed.Document) ([]byte, error) {
	fm := postFrontMatter{
		Title:   doc.Title,
		Date:    doc.CreatedAt.UTC(),
		Authors: doc.Authors,
		Window:  doc.SourceWindow,
	}
	if !doc.UpdatedAt.IsZero() && !doc.UpdatedAt.Equal(doc.CreatedAt) {
		fm.Updated = doc.UpdatedAt.UTC()
	}
	head, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fault.Invalid("sink.render", "encode front matter for post "+doc.ID, err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n")
	buf.WriteString(doc.ContentBody)
	if !strings.HasSuffix(doc.ContentBody, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (s *FSSink) readPost(name string) (feed.Document, error) {
	const op = "sink.documents"

	raw, err := os.ReadFile(filepath.Join(s.dir, "posts", name))
	if err != nil {
		return feed.Document{}, fault.Repository(op, "read post "+name, err)
	}
	body := string(raw)
	rest, found := strings.CutPrefix(body, "---\n")
	if !found {
		return feed.Document{}, fault.Invalid(op, "post "+name+" has no front matter", nil)
	}
	head, content, found := strings.Cut(rest, "\n---\n")
	if !found {
		return feed.Document{}, fault.Invalid(op, "post "+name+" has unterminated front matter", nil)
	}

	var fm postFrontMatter
	if err := yaml.Unmarshal([]byte(head), &fm); err != nil {
		return feed.Document{}, fault.Invalid(op, "decode front matter of post "+name, err)
	}
	updated := fm.Updated
	if updated.IsZero() {
		updated = fm.Date
	}
	return feed.Document{
		ID:           strings.TrimSuffix(name, ".md"),
		DocType:      feed.DocTypePost,
		Title:        fm.Title,
		CreatedAt:    fm.Date,
		UpdatedAt:    updated,
		Authors:      fm.Authors,
		SourceWindow: fm.Window,
		ContentBody:  strings.Trim(content, "\n"),
		ContentType:  feed.ContentTypeMarkdown,
	}, nil
}

// writeFileAtomic writes via a temp file and rename so readers never observe
// a partial file.
func writeFileAtomic(path string, data []byte) error {
	const op = "sink.write"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.Repository(op, "write "+filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fault.Repository(op, "commit "+filepath.Base(path), err)
	}
	return nil
}
