package feed

import (
	"strings"
	"testing"
	"time"
)

var testDate = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func TestNewEntryValidation(t *testing.T) {
	valid := Entry{
		ID:        "msg-1",
		Source:    "whatsapp:family",
		Timestamp: testDate,
		AuthorID:  "a1b2",
		Content:   "hello",
	}

	if _, err := NewEntry(valid); err != nil {
		t.Fatalf("NewEntry(valid) error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(Entry) Entry
	}{
		{"missing id", func(e Entry) Entry { e.ID = ""; return e }},
		{"missing source", func(e Entry) Entry { e.Source = ""; return e }},
		{"missing timestamp", func(e Entry) Entry { e.Timestamp = time.Time{}; return e }},
		{"missing author", func(e Entry) Entry { e.AuthorID = ""; return e }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEntry(tt.mutate(valid)); err == nil {
				t.Error("NewEntry() error = nil, want validation error")
			}
		})
	}
}

func TestNewEntryNormalizesUTC(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*60*60)
	e, err := NewEntry(Entry{
		ID:        "msg-2",
		Source:    "whatsapp:family",
		Timestamp: time.Date(2025, 3, 14, 6, 0, 0, 0, loc),
		AuthorID:  "a1b2",
	})
	if err != nil {
		t.Fatalf("NewEntry() error = %v", err)
	}
	if e.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp location = %v, want UTC", e.Timestamp.Location())
	}
	if !e.Timestamp.Equal(testDate) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, testDate)
	}
}

func TestNewPostRequiresExplicitID(t *testing.T) {
	if _, err := NewPost("", "A Title", testDate, nil, "body"); err == nil {
		t.Error("NewPost without id succeeded, want rejection")
	}

	post, err := NewPost(Slugify("A Title"), "A Title", testDate, []string{"a1"}, "body")
	if err != nil {
		t.Fatalf("NewPost() error = %v", err)
	}
	if post.ID != "a-title" {
		t.Errorf("post.ID = %q, want a-title", post.ID)
	}
	if post.DocType != DocTypePost {
		t.Errorf("post.DocType = %q, want post", post.DocType)
	}
	if post.UpdatedAt.Before(post.CreatedAt) {
		t.Error("UpdatedAt before CreatedAt")
	}
}

func TestContentAddressDeterministic(t *testing.T) {
	a := ContentAddress([]byte("https://example.com/img.png"))
	b := ContentAddress([]byte("https://example.com/img.png"))
	if a != b {
		t.Errorf("ContentAddress not deterministic: %q != %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("ContentAddress length = %d, want 64 hex chars", len(a))
	}
}

func TestMediaDocumentIdentity(t *testing.T) {
	ref := MediaRef{URI: "https://example.com/img.png", MimeType: "image/png"}

	d1, err := NewMediaDocument(ref, testDate)
	if err != nil {
		t.Fatalf("NewMediaDocument() error = %v", err)
	}
	d2, err := NewMediaDocument(ref, testDate.Add(time.Hour))
	if err != nil {
		t.Fatalf("NewMediaDocument() error = %v", err)
	}

	if d1.ID != d2.ID {
		t.Errorf("same asset produced different ids: %q != %q", d1.ID, d2.ID)
	}
	if d1.DocType != DocTypeMedia {
		t.Errorf("DocType = %q, want media", d1.DocType)
	}
}

func TestEnrichmentDocumentParentLink(t *testing.T) {
	d, err := NewEnrichmentDocument("media-123", "a photo of a sunset", testDate)
	if err != nil {
		t.Fatalf("NewEnrichmentDocument() error = %v", err)
	}
	if d.ParentID != "media-123" {
		t.Errorf("ParentID = %q, want media-123", d.ParentID)
	}
	if d.DocType != DocTypeEnrichment {
		t.Errorf("DocType = %q, want enrichment", d.DocType)
	}
}

func TestProfileAndBannerIdentity(t *testing.T) {
	profile, err := NewProfileDocument("author-9", "writes about go", testDate)
	if err != nil {
		t.Fatalf("NewProfileDocument() error = %v", err)
	}
	if profile.ID != "author-9" {
		t.Errorf("profile.ID = %q, want author-9", profile.ID)
	}

	banner, err := NewBannerDocument("a-title", "banner text", testDate)
	if err != nil {
		t.Fatalf("NewBannerDocument() error = %v", err)
	}
	if banner.ID != "a-title" || banner.ParentID != "a-title" {
		t.Errorf("banner identity = (%q, parent %q), want post id for both", banner.ID, banner.ParentID)
	}
}

func TestParseDocType(t *testing.T) {
	for _, valid := range []string{"post", "media", "enrichment", "profile", "banner"} {
		if _, err := ParseDocType(valid); err != nil {
			t.Errorf("ParseDocType(%q) error = %v", valid, err)
		}
	}
	if _, err := ParseDocType("attachment"); err == nil {
		t.Error("ParseDocType(attachment) error = nil, want error")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Hello, World!", "hello-world"},
		{"  spaced   out  ", "spaced-out"},
		{"Caffè com Açúcar", "caffe-com-acucar"},
		{"UPPER lower 42", "upper-lower-42"},
		{"---", ""},
	}

	for _, tt := range tests {
		if got := Slugify(tt.title); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestSlugifyTruncatesLongTitles(t *testing.T) {
	long := strings.Repeat("word ", 40)
	slug := Slugify(long)
	if len(slug) > 80 {
		t.Errorf("slug length = %d, want <= 80", len(slug))
	}
	if strings.HasSuffix(slug, "-") {
		t.Errorf("slug %q has trailing hyphen", slug)
	}
}

func TestSlugifyIsPure(t *testing.T) {
	for i := 0; i < 3; i++ {
		if got := Slugify("Same Title Every Time"); got != "same-title-every-time" {
			t.Fatalf("Slugify changed across calls: %q", got)
		}
	}
}
