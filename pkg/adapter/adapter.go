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

// Package adapter defines the input boundary: sources that turn an external
// archive (a WhatsApp export, a JSONL dump) into the canonical entry stream.
//
// The contract every source honors:
//   - entries arrive in non-decreasing timestamp order;
//   - author identities are anonymized before an entry leaves the adapter;
//     nothing downstream ever sees a raw identifier;
//   - reading is streaming and cancellable.
package adapter

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
)

// Source is the minimal capability every input adapter provides.
type Source interface {
	// ReadEntries streams the archive as canonical entries, ordered by
	// timestamp, with authors already anonymized. Iteration stops early
	// when ctx is cancelled; the final yielded error reports why.
	ReadEntries(ctx context.Context) iter.Seq2[feed.Entry, error]

	// Metadata describes the source without reading the full archive.
	Metadata(ctx context.Context) (Metadata, error)
}

// MediaExtractor is an optional capability: sources that carry media assets
// (attachments in an export archive) expose them for upsert into the
// document repository.
type MediaExtractor interface {
	ExtractMedia(ctx context.Context) iter.Seq2[feed.MediaRef, error]
}

// MediaMaterializer is an optional capability: sources that hold media bytes
// (zip archives, export directories) copy them into dir so enrichment workers
// and the published site can read them by file name. Returns the number of
// assets written. Existing files are overwritten; the copy is idempotent.
type MediaMaterializer interface {
	MaterializeMedia(ctx context.Context, dir string) (int, error)
}

// Metadata describes a source archive.
type Metadata struct {
	// SourceID identifies the archive (used as Entry.Source).
	SourceID string

	// Title is a human-readable name, e.g. the chat group subject.
	Title string

	// Kind names the adapter type ("whatsapp", "jsonl").
	Kind string

	// Participants counts distinct (anonymized) authors, when known.
	Participants int

	// First and Last bound the archive's timestamps, when known.
	First time.Time
	Last  time.Time
}

// openFunc constructs a source for a given path.
type openFunc func(path string, anon *Anonymizer) (Source, error)

var registry = map[string]openFunc{}

func register(kind string, fn openFunc) {
	registry[kind] = fn
}

// Open constructs the source registered under kind. The anonymizer is
// mandatory: passing nil is a programming error and fails fast.
func Open(kind, path string, anon *Anonymizer) (Source, error) {
	const op = "adapter.open"

	if anon == nil {
		return nil, fault.Invalid(op, "anonymizer is required", nil)
	}
	fn, ok := registry[kind]
	if !ok {
		return nil, fault.Invalid(op, fmt.Sprintf("unknown adapter kind %q (available: %v)", kind, Kinds()), nil)
	}
	return fn(path, anon)
}

// Kinds lists the registered adapter kinds, sorted.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
