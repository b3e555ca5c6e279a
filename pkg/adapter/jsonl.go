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

package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
)

func init() {
	register("jsonl", func(path string, anon *Anonymizer) (Source, error) {
		return NewJSONLSource(path, anon)
	})
}

// JSONLSource reads a line-delimited JSON archive: one message object per
// line, blank lines ignored. The expected shape:
//
//	{"ts":"2025-01-02T21:30:00Z","author":"+5511...","text":"hello","media":["photo.jpg"]}
//
// ts accepts RFC 3339 or Unix seconds. Lines must already be in timestamp
// order; a regressed timestamp is clamped forward.
type JSONLSource struct {
	path string
	anon *Anonymizer
}

// NewJSONLSource validates the path and constructs the source.
func NewJSONLSource(path string, anon *Anonymizer) (*JSONLSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fault.Invalid("adapter.jsonl", fmt.Sprintf("archive not readable: %s", path), err)
	}
	return &JSONLSource{path: path, anon: anon}, nil
}

type jsonlRecord struct {
	TS         json.RawMessage `json:"ts"`
	Author     string          `json:"author"`
	AuthorName string          `json:"author_name"`
	Text       string          `json:"text"`
	Media      []string        `json:"media"`
}

// ReadEntries implements Source.
func (s *JSONLSource) ReadEntries(ctx context.Context) iter.Seq2[feed.Entry, error] {
	return func(yield func(feed.Entry, error) bool) {
		const op = "adapter.jsonl.read"

		f, err := os.Open(s.path)
		if err != nil {
			yield(feed.Entry{}, fault.Invalid(op, "open archive", err))
			return
		}
		defer f.Close()

		sourceID := sourceIDFromPath(s.path)
		seen := map[string]int{}
		var last time.Time
		lineNo := 0

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				yield(feed.Entry{}, fault.Cancelled(op, err))
				return
			}
			lineNo++

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var rec jsonlRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				yield(feed.Entry{}, fault.Invalid(op, fmt.Sprintf("line %d: malformed record", lineNo), err))
				return
			}
			if rec.Author == "" {
				yield(feed.Entry{}, fault.Invalid(op, fmt.Sprintf("line %d: missing author", lineNo), nil))
				return
			}

			ts, err := parseJSONLTimestamp(rec.TS)
			if err != nil {
				yield(feed.Entry{}, fault.Invalid(op, fmt.Sprintf("line %d: bad timestamp", lineNo), err))
				return
			}
			if ts.Before(last) {
				ts = last
			}
			last = ts

			content := s.anon.ScrubText(strings.TrimSpace(rec.Text))
			var refs []feed.MediaRef
			for _, m := range rec.Media {
				refs = append(refs, feed.MediaRef{URI: m, Handle: m, MimeType: mimeByExt(m)})
			}
			if content == "" && len(refs) == 0 {
				continue
			}

			addr := feed.ContentAddress([]byte(sourceID + "\x00" + ts.Format(time.RFC3339) + "\x00" + rec.Author + "\x00" + content))
			id := addr[:16]
			seen[id]++
			if n := seen[id]; n > 1 {
				id = fmt.Sprintf("%s-%d", id, n)
			}

			display := rec.AuthorName
			if display == "" {
				display = s.anon.DisplayName(rec.Author)
			} else {
				// A push name may itself be a phone number; scrub it.
				display = s.anon.ScrubText(display)
			}

			entry := feed.Entry{
				ID:            id,
				Source:        sourceID,
				Timestamp:     ts,
				AuthorID:      s.anon.AuthorID(rec.Author),
				AuthorDisplay: display,
				Content:       content,
				MediaRefs:     refs,
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(feed.Entry{}, fault.Invalid(op, "scan archive", err))
		}
	}
}

func parseJSONLTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing ts")
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		ts, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return time.Time{}, err
		}
		return ts.UTC(), nil
	}

	var unix int64
	if err := json.Unmarshal(raw, &unix); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("ts must be RFC 3339 or Unix seconds, got %s", raw)
}

// Metadata implements Source.
func (s *JSONLSource) Metadata(ctx context.Context) (Metadata, error) {
	meta := Metadata{
		SourceID: sourceIDFromPath(s.path),
		Title:    sourceIDFromPath(s.path),
		Kind:     "jsonl",
	}
	for e, err := range s.ReadEntries(ctx) {
		if err != nil {
			return Metadata{}, err
		}
		if meta.First.IsZero() {
			meta.First = e.Timestamp
		}
		meta.Last = e.Timestamp
	}
	meta.Participants = s.anon.Participants()
	return meta, nil
}
