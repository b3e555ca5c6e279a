package feed

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func testFeed(t *testing.T) Feed {
	t.Helper()

	post1, err := NewPost("first-post", "First Post", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), []string{"a1"}, "body one")
	if err != nil {
		t.Fatalf("NewPost() error = %v", err)
	}
	post2, err := NewPost("second-post", "Second Post", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), []string{"a2"}, "body two")
	if err != nil {
		t.Fatalf("NewPost() error = %v", err)
	}

	f, err := FromDocuments(Meta{
		ID:     "tag:egregora.example,2025:archive",
		Title:  "Family Archive",
		Link:   "https://example.com/feed.xml",
		Author: "egregora",
	}, []Document{post2, post1})
	if err != nil {
		t.Fatalf("FromDocuments() error = %v", err)
	}
	return f
}

func TestFromDocumentsRequiresIdentity(t *testing.T) {
	if _, err := FromDocuments(Meta{Title: "x"}, nil); err == nil {
		t.Error("FromDocuments without id succeeded, want error")
	}
	if _, err := FromDocuments(Meta{ID: "tag:x"}, nil); err == nil {
		t.Error("FromDocuments without title succeeded, want error")
	}
}

func TestFromDocumentsUpdatedIsLatest(t *testing.T) {
	f := testFeed(t)
	want := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	if !f.Updated.Equal(want) {
		t.Errorf("Updated = %v, want %v", f.Updated, want)
	}
}

func TestWriteAtomDeterministic(t *testing.T) {
	f := testFeed(t)

	first, err := f.MarshalAtom()
	if err != nil {
		t.Fatalf("MarshalAtom() error = %v", err)
	}
	second, err := f.MarshalAtom()
	if err != nil {
		t.Fatalf("MarshalAtom() error = %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("MarshalAtom() output differs between calls")
	}
}

func TestWriteAtomShape(t *testing.T) {
	f := testFeed(t)

	out, err := f.MarshalAtom()
	if err != nil {
		t.Fatalf("MarshalAtom() error = %v", err)
	}
	xml := string(out)

	for _, want := range []string{
		`xmlns="http://www.w3.org/2005/Atom"`,
		"<title>Family Archive</title>",
		"<id>tag:egregora.example,2025:archive</id>",
		"<id>tag:egregora.example,2025:archive/post/first-post</id>",
		"<name>a1</name>",
		`<content type="text">body one</content>`,
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("atom output missing %q\n%s", want, xml)
		}
	}
}

func TestWriteAtomEmptyFeed(t *testing.T) {
	f, err := FromDocuments(Meta{ID: "tag:x", Title: "Empty"}, nil)
	if err != nil {
		t.Fatalf("FromDocuments() error = %v", err)
	}
	out, err := f.MarshalAtom()
	if err != nil {
		t.Fatalf("MarshalAtom() error = %v", err)
	}
	if !strings.Contains(string(out), "<updated>1970-01-01T00:00:00Z</updated>") {
		t.Errorf("empty feed updated not rendered as epoch:\n%s", out)
	}
	if strings.Contains(string(out), "<entry>") {
		t.Error("empty feed rendered entries")
	}
}

func TestBinaryDocumentsOmitContent(t *testing.T) {
	media, err := NewMediaDocument(MediaRef{URI: "https://example.com/a.png"}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewMediaDocument() error = %v", err)
	}
	f, err := FromDocuments(Meta{ID: "tag:x", Title: "Media"}, []Document{media})
	if err != nil {
		t.Fatalf("FromDocuments() error = %v", err)
	}
	out, err := f.MarshalAtom()
	if err != nil {
		t.Fatalf("MarshalAtom() error = %v", err)
	}
	if strings.Contains(string(out), "<content") {
		t.Error("binary document rendered inline content")
	}
}
