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

package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

// DocType tags the kind of a persisted document. Dispatch on document kind
// goes through this tag, never through runtime type inspection.
type DocType string

const (
	DocTypePost       DocType = "post"
	DocTypeMedia      DocType = "media"
	DocTypeEnrichment DocType = "enrichment"
	DocTypeProfile    DocType = "profile"
	DocTypeBanner     DocType = "banner"
)

// ParseDocType converts a string into a DocType.
func ParseDocType(s string) (DocType, error) {
	switch DocType(s) {
	case DocTypePost, DocTypeMedia, DocTypeEnrichment, DocTypeProfile, DocTypeBanner:
		return DocType(s), nil
	default:
		return "", fault.Invalid("feed.parse_doc_type", fmt.Sprintf("unknown doc type %q", s), nil)
	}
}

// IsValid reports whether t is a known document type.
func (t DocType) IsValid() bool {
	_, err := ParseDocType(string(t))
	return err == nil
}

// ContentType identifies the body encoding of a document.
type ContentType string

const (
	ContentTypeText     ContentType = "text/plain"
	ContentTypeMarkdown ContentType = "text/markdown"

	// ContentTypeBinaryRef marks a body that holds a handle to binary
	// content rather than the content itself.
	ContentTypeBinaryRef ContentType = "application/octet-stream"
)

// Document is a persisted artifact produced or managed by the pipeline.
// (ID, DocType) is unique; mutation rewrites the whole record.
type Document struct {
	// ID is the stable identifier. Posts use a semantic slug; media and
	// enrichments use a content-addressed hash; profiles use the author id;
	// banners use the id of the post they decorate.
	ID string

	DocType DocType

	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Authors holds the anonymized author ids that contributed.
	Authors []string

	ContentBody string
	ContentType ContentType

	// ParentID links derived documents to their origin
	// (enrichment -> media, banner -> post).
	ParentID string

	// SourceWindow is the label of the window that produced the document.
	SourceWindow string

	Metadata map[string]string

	// Vector is the optional embedding. When present its dimensionality
	// must equal the active index dimensionality.
	Vector []float32
}

// Key identifies a document row.
type Key struct {
	ID      string
	DocType DocType
}

// Key returns the document's (id, doc_type) identity.
func (d Document) Key() Key {
	return Key{ID: d.ID, DocType: d.DocType}
}

// ContentAddress returns the hex sha256 of data. The single content-address
// derivation used for media and enrichment ids and for cache keys.
func ContentAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalize(d Document) Document {
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	if d.UpdatedAt.Before(d.CreatedAt) {
		d.UpdatedAt = d.CreatedAt
	}
	return d
}

// NewPost builds a post document. The id must be provided explicitly; posts
// without an identifier are rejected rather than defaulted. Slugify is the
// only legal id derivation path and is invoked by callers, not here.
func NewPost(id, title string, date time.Time, authors []string, body string) (Document, error) {
	const op = "feed.new_post"

	if id == "" {
		return Document{}, fault.Invalid(op, "post id is required (derive it with Slugify)", nil)
	}
	if title == "" {
		return Document{}, fault.Invalid(op, "post title is required", nil)
	}
	if date.IsZero() {
		return Document{}, fault.Invalid(op, "post date is required", nil)
	}

	return normalize(Document{
		ID:          id,
		DocType:     DocTypePost,
		Title:       title,
		CreatedAt:   date,
		UpdatedAt:   date,
		Authors:     authors,
		ContentBody: body,
		ContentType: ContentTypeMarkdown,
	}), nil
}

// NewMediaDocument builds a media document for a referenced asset. The id is
// the content address of the asset handle (or URI when not yet extracted).
func NewMediaDocument(ref MediaRef, ts time.Time) (Document, error) {
	const op = "feed.new_media"

	key := ref.Key()
	if key == "" {
		return Document{}, fault.Invalid(op, "media reference has neither handle nor uri", nil)
	}
	if ts.IsZero() {
		return Document{}, fault.Invalid(op, "media timestamp is required", nil)
	}

	meta := map[string]string{}
	if ref.URI != "" {
		meta["uri"] = ref.URI
	}
	if ref.MimeType != "" {
		meta["mime_type"] = ref.MimeType
	}

	return normalize(Document{
		ID:          ContentAddress([]byte(key)),
		DocType:     DocTypeMedia,
		Title:       ref.URI,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		ContentBody: key,
		ContentType: ContentTypeBinaryRef,
		Metadata:    meta,
	}), nil
}

// NewEnrichmentDocument builds an enrichment document describing a parent
// media or link document. The id is content-addressed over parent and body
// so identical enrichments collapse to one record.
func NewEnrichmentDocument(parentID, body string, ts time.Time) (Document, error) {
	const op = "feed.new_enrichment"

	if parentID == "" {
		return Document{}, fault.Invalid(op, "enrichment parent id is required", nil)
	}
	if body == "" {
		return Document{}, fault.Invalid(op, "enrichment body is required", nil)
	}
	if ts.IsZero() {
		return Document{}, fault.Invalid(op, "enrichment timestamp is required", nil)
	}

	return normalize(Document{
		ID:          ContentAddress([]byte(parentID + "\x00" + body)),
		DocType:     DocTypeEnrichment,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		ContentBody: body,
		ContentType: ContentTypeText,
		ParentID:    parentID,
	}), nil
}

// NewProfileDocument builds or refreshes an author profile. The id is the
// anonymized author id, so each author has exactly one profile record.
func NewProfileDocument(authorID, body string, ts time.Time) (Document, error) {
	const op = "feed.new_profile"

	if authorID == "" {
		return Document{}, fault.Invalid(op, "profile author id is required", nil)
	}
	if ts.IsZero() {
		return Document{}, fault.Invalid(op, "profile timestamp is required", nil)
	}

	return normalize(Document{
		ID:          authorID,
		DocType:     DocTypeProfile,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		Authors:     []string{authorID},
		ContentBody: body,
		ContentType: ContentTypeMarkdown,
	}), nil
}

// NewBannerDocument builds a banner for a post. The id equals the post id
// (the doc type disambiguates), which keeps banner regeneration idempotent.
func NewBannerDocument(postID, body string, ts time.Time) (Document, error) {
	const op = "feed.new_banner"

	if postID == "" {
		return Document{}, fault.Invalid(op, "banner post id is required", nil)
	}
	if ts.IsZero() {
		return Document{}, fault.Invalid(op, "banner timestamp is required", nil)
	}

	return normalize(Document{
		ID:          postID,
		DocType:     DocTypeBanner,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		ContentBody: body,
		ContentType: ContentTypeText,
		ParentID:    postID,
	}), nil
}
