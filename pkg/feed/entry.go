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

// Package feed defines the canonical data model of the pipeline: entries
// (atomic input units, modeled on Atom), documents (persisted artifacts),
// and the feed aggregate with its XML serialization.
package feed

import (
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

// MediaRef points at a media asset referenced by an entry, either by URI or
// by a content-addressed handle produced during media extraction.
type MediaRef struct {
	// URI is the original asset location (may be empty when Handle is set).
	URI string

	// Handle is a content-addressed identifier for extracted media.
	Handle string

	// MimeType of the asset, when known.
	MimeType string
}

// Key returns the stable identifier of the referenced asset.
func (r MediaRef) Key() string {
	if r.Handle != "" {
		return r.Handle
	}
	return r.URI
}

// Entry is a single atomic input item from an adapter (e.g. one chat
// message). Author identity is already anonymized by the adapter; the core
// never sees raw identities.
type Entry struct {
	// ID is stable and unique within the source.
	ID string

	// Source identifies the originating adapter and namespace.
	Source string

	// Timestamp is the instant the entry was produced. Always UTC.
	Timestamp time.Time

	// AuthorID is the opaque, anonymized author identifier.
	AuthorID string

	// AuthorDisplay is an optional alias chosen by the adapter.
	AuthorDisplay string

	// Content is the entry text, possibly including inline mention tokens.
	Content string

	// MediaRefs are references to media assets, in document order.
	MediaRefs []MediaRef

	// Links are external links extracted from the content.
	Links []string

	// Extensions carries source-specific fields opaquely.
	Extensions map[string]string
}

// NewEntry validates and normalizes an entry. Timestamps are converted to
// UTC; a zero timestamp, empty id, source, or author id is rejected.
func NewEntry(e Entry) (Entry, error) {
	const op = "feed.new_entry"

	if e.ID == "" {
		return Entry{}, fault.Invalid(op, "entry id is required", nil)
	}
	if e.Source == "" {
		return Entry{}, fault.Invalid(op, "entry source is required", nil)
	}
	if e.Timestamp.IsZero() {
		return Entry{}, fault.Invalid(op, "entry timestamp is required", nil)
	}
	if e.AuthorID == "" {
		return Entry{}, fault.Invalid(op, "entry author id is required", nil)
	}

	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// ByteSize returns the UTF-8 byte length of the entry content. Used by the
// windowing engine's bytes unit.
func (e Entry) ByteSize() int {
	return len(e.Content)
}
