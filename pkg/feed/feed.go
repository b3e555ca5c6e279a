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
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

// Meta carries feed-level identity and presentation fields.
type Meta struct {
	// ID is the globally unique feed identifier (an IRI, e.g. a tag URI).
	ID string

	Title    string
	Subtitle string

	// Link is the canonical feed location.
	Link string

	// Author is the feed-level author name (e.g. the archive name).
	Author string
}

// Feed is an ordered collection of documents rendered for syndication.
type Feed struct {
	Meta      Meta
	Updated   time.Time
	Documents []Document
}

// FromDocuments assembles a feed from ordered documents. Document order is
// preserved as given; Updated is the latest document update instant (zero
// for an empty feed, rendered as the epoch).
func FromDocuments(meta Meta, docs []Document) (Feed, error) {
	const op = "feed.from_documents"

	if meta.ID == "" {
		return Feed{}, fault.Invalid(op, "feed id is required", nil)
	}
	if meta.Title == "" {
		return Feed{}, fault.Invalid(op, "feed title is required", nil)
	}

	var updated time.Time
	for _, d := range docs {
		if d.UpdatedAt.After(updated) {
			updated = d.UpdatedAt
		}
	}

	return Feed{Meta: meta, Updated: updated.UTC(), Documents: docs}, nil
}

// Atom rendering is driven entirely by these declarative structs; the
// encoder is the single source of truth for the output format.

type atomFeed struct {
	XMLName  xml.Name    `xml:"feed"`
	Xmlns    string      `xml:"xmlns,attr"`
	Title    string      `xml:"title"`
	Subtitle string      `xml:"subtitle,omitempty"`
	ID       string      `xml:"id"`
	Updated  string      `xml:"updated"`
	Link     *atomLink   `xml:"link,omitempty"`
	Author   *atomPerson `xml:"author,omitempty"`
	Entries  []atomEntry `xml:"entry"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr,omitempty"`
	Type string `xml:"type,attr,omitempty"`
}

type atomPerson struct {
	Name string `xml:"name"`
}

type atomEntry struct {
	ID        string       `xml:"id"`
	Title     string       `xml:"title"`
	Updated   string       `xml:"updated"`
	Published string       `xml:"published,omitempty"`
	Authors   []atomPerson `xml:"author"`
	Link      *atomLink    `xml:"link,omitempty"`
	Content   *atomContent `xml:"content,omitempty"`
}

type atomContent struct {
	Type string `xml:"type,attr"`
	Body string `xml:",chardata"`
}

func atomTime(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return t.UTC().Format(time.RFC3339)
}

// EntryID returns the Atom entry id for a document. Deterministic: the same
// document identity always renders the same id.
func EntryID(feedID string, d Document) string {
	return fmt.Sprintf("%s/%s/%s", feedID, d.DocType, d.ID)
}

func (f Feed) toAtom() atomFeed {
	af := atomFeed{
		Xmlns:    "http://www.w3.org/2005/Atom",
		Title:    f.Meta.Title,
		Subtitle: f.Meta.Subtitle,
		ID:       f.Meta.ID,
		Updated:  atomTime(f.Updated),
	}
	if f.Meta.Link != "" {
		af.Link = &atomLink{Href: f.Meta.Link, Rel: "self", Type: "application/atom+xml"}
	}
	if f.Meta.Author != "" {
		af.Author = &atomPerson{Name: f.Meta.Author}
	}

	for _, d := range f.Documents {
		entry := atomEntry{
			ID:        EntryID(f.Meta.ID, d),
			Title:     d.Title,
			Updated:   atomTime(d.UpdatedAt),
			Published: atomTime(d.CreatedAt),
		}
		for _, a := range d.Authors {
			entry.Authors = append(entry.Authors, atomPerson{Name: a})
		}
		if url, ok := d.Metadata["url"]; ok {
			entry.Link = &atomLink{Href: url, Rel: "alternate"}
		}
		if d.ContentType != ContentTypeBinaryRef {
			entry.Content = &atomContent{Type: "text", Body: d.ContentBody}
		}
		af.Entries = append(af.Entries, entry)
	}

	return af
}

// WriteAtom serializes the feed as Atom 1.0. Output is deterministic: the
// same feed always produces byte-identical XML.
func (f Feed) WriteAtom(w io.Writer) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(f.toAtom()); err != nil {
		return fmt.Errorf("failed to encode atom feed: %w", err)
	}
	return enc.Close()
}

// MarshalAtom returns the Atom 1.0 serialization as bytes.
func (f Feed) MarshalAtom() ([]byte, error) {
	var buf bytes.Buffer
	if err := f.WriteAtom(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
