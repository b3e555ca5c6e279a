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
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
)

func init() {
	register("whatsapp", func(path string, anon *Anonymizer) (Source, error) {
		return NewWhatsAppSource(path, anon)
	})
}

// WhatsAppSource reads a WhatsApp chat export: either the exported zip
// archive, a directory containing its extracted contents, or a bare chat
// transcript file.
//
// Both export dialects are understood:
//
//	[02/01/2025, 21:30:44] Alice: message      (iOS)
//	02/01/2025 21:30 - Alice: message          (Android)
//
// Continuation lines extend the previous message. System notices (no
// author segment) are dropped. Dates are parsed day-first; a month value
// over 12 flips the interpretation for US-style exports.
type WhatsAppSource struct {
	path string
	anon *Anonymizer
}

// NewWhatsAppSource validates the path and constructs the source.
func NewWhatsAppSource(path string, anon *Anonymizer) (*WhatsAppSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fault.Invalid("adapter.whatsapp", fmt.Sprintf("export not readable: %s", path), err)
	}
	return &WhatsAppSource{path: path, anon: anon}, nil
}

var (
	iosHeaderRe = regexp.MustCompile(
		`^\x{200e}?\[(\d{1,2}/\d{1,2}/\d{2,4}),? (\d{1,2}:\d{2}(?::\d{2})?)(?:\s?([AaPp])\.?[Mm]\.?)?\] ([^:]+): (.*)$`)
	androidHeaderRe = regexp.MustCompile(
		`^(\d{1,2}/\d{1,2}/\d{2,4}),? (\d{1,2}:\d{2}(?::\d{2})?)(?:\s?([AaPp])\.?[Mm]\.?)? - ([^:]+): (.*)$`)
	systemLineRe = regexp.MustCompile(
		`^(?:\x{200e}?\[\d{1,2}/\d{1,2}/\d{2,4},? [^\]]+\] |\d{1,2}/\d{1,2}/\d{2,4},? \d{1,2}:\d{2}[^-]* - )`)

	attachedRe     = regexp.MustCompile(`<attached:\s*([^>]+)>`)
	fileAttachedRe = regexp.MustCompile(`([\w\-(). ]+\.\w{2,5})\s+\(file attached\)`)
)

// rawMessage is one parsed chat message before anonymization.
type rawMessage struct {
	ts      time.Time
	author  string
	content []string
	media   []string
}

// ReadEntries implements Source.
func (s *WhatsAppSource) ReadEntries(ctx context.Context) iter.Seq2[feed.Entry, error] {
	return func(yield func(feed.Entry, error) bool) {
		rc, sourceID, err := s.openChat()
		if err != nil {
			yield(feed.Entry{}, err)
			return
		}
		defer rc.Close()

		seen := map[string]int{}
		var last time.Time

		emit := func(m *rawMessage) bool {
			if m == nil {
				return true
			}
			e, ok := s.toEntry(m, sourceID, seen, &last)
			if !ok {
				return true
			}
			return yield(e, nil)
		}

		var current *rawMessage
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				yield(feed.Entry{}, fault.Cancelled("adapter.whatsapp.read", err))
				return
			}

			line := strings.TrimRight(scanner.Text(), "\r")
			if m, ok := parseHeader(line); ok {
				if !emit(current) {
					return
				}
				current = m
				continue
			}
			if systemLineRe.MatchString(line) {
				// Timestamped line with no author: a system notice.
				if !emit(current) {
					return
				}
				current = nil
				continue
			}
			if current != nil {
				current.content = append(current.content, strings.TrimPrefix(line, "‎"))
			}
		}
		if err := scanner.Err(); err != nil {
			yield(feed.Entry{}, fault.Invalid("adapter.whatsapp.read", "scan export", err))
			return
		}
		emit(current)
	}
}

// toEntry anonymizes and normalizes a raw message. Returns ok=false for
// messages that reduce to nothing (media placeholder with no asset name).
func (s *WhatsAppSource) toEntry(m *rawMessage, sourceID string, seen map[string]int, last *time.Time) (feed.Entry, bool) {
	content := s.anon.ScrubText(strings.TrimSpace(strings.Join(m.content, "\n")))

	// Exports are chronological; clamp the rare regressed timestamp so the
	// downstream ordering contract holds.
	ts := m.ts
	if ts.Before(*last) {
		ts = *last
	}
	*last = ts

	var refs []feed.MediaRef
	for _, name := range m.media {
		refs = append(refs, feed.MediaRef{
			URI:      name,
			Handle:   filepath.Base(name),
			MimeType: mimeByExt(name),
		})
	}

	if content == "" && len(refs) == 0 {
		return feed.Entry{}, false
	}

	addr := feed.ContentAddress([]byte(sourceID + "\x00" + ts.Format(time.RFC3339) + "\x00" + m.author + "\x00" + content))
	id := addr[:16]
	seen[id]++
	if n := seen[id]; n > 1 {
		id = fmt.Sprintf("%s-%d", id, n)
	}

	return feed.Entry{
		ID:            id,
		Source:        sourceID,
		Timestamp:     ts,
		AuthorID:      s.anon.AuthorID(m.author),
		AuthorDisplay: s.anon.DisplayName(m.author),
		Content:       content,
		MediaRefs:     refs,
	}, true
}

func parseHeader(line string) (*rawMessage, bool) {
	groups := iosHeaderRe.FindStringSubmatch(line)
	if groups == nil {
		groups = androidHeaderRe.FindStringSubmatch(line)
	}
	if groups == nil {
		return nil, false
	}

	ts, err := parseTimestamp(groups[1], groups[2], groups[3])
	if err != nil {
		return nil, false
	}

	body := strings.TrimPrefix(groups[5], "‎")
	m := &rawMessage{ts: ts, author: strings.TrimSpace(groups[4])}

	if att := attachedRe.FindStringSubmatch(body); att != nil {
		m.media = append(m.media, strings.TrimSpace(att[1]))
		body = strings.TrimSpace(attachedRe.ReplaceAllString(body, ""))
	}
	if att := fileAttachedRe.FindStringSubmatch(body); att != nil {
		m.media = append(m.media, strings.TrimSpace(att[1]))
		body = strings.TrimSpace(fileAttachedRe.ReplaceAllString(body, ""))
	}
	if body != "" && body != "<Media omitted>" {
		m.content = append(m.content, body)
	}
	return m, true
}

func parseTimestamp(date, clock, meridiem string) (time.Time, error) {
	dp := strings.Split(date, "/")
	if len(dp) != 3 {
		return time.Time{}, fmt.Errorf("malformed date %q", date)
	}
	day, _ := strconv.Atoi(dp[0])
	month, _ := strconv.Atoi(dp[1])
	year, _ := strconv.Atoi(dp[2])
	if year < 100 {
		year += 2000
	}
	// Day-first is the default; an impossible month means a US export.
	if month > 12 && day <= 12 {
		day, month = month, day
	}

	cp := strings.Split(clock, ":")
	hour, _ := strconv.Atoi(cp[0])
	minute, _ := strconv.Atoi(cp[1])
	second := 0
	if len(cp) == 3 {
		second, _ = strconv.Atoi(cp[2])
	}
	switch strings.ToLower(meridiem) {
	case "p":
		if hour < 12 {
			hour += 12
		}
	case "a":
		if hour == 12 {
			hour = 0
		}
	}

	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("impossible date %q", date)
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}

// openChat locates and opens the transcript, returning a reader and the
// derived source id.
func (s *WhatsAppSource) openChat() (io.ReadCloser, string, error) {
	const op = "adapter.whatsapp.open"

	sourceID := sourceIDFromPath(s.path)

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, "", fault.Invalid(op, "stat export", err)
	}

	switch {
	case info.IsDir():
		name, err := findChatFile(s.path)
		if err != nil {
			return nil, "", fault.Invalid(op, fmt.Sprintf("no chat transcript in %s", s.path), err)
		}
		f, err := os.Open(filepath.Join(s.path, name))
		if err != nil {
			return nil, "", fault.Invalid(op, "open transcript", err)
		}
		return f, sourceID, nil

	case strings.EqualFold(filepath.Ext(s.path), ".zip"):
		zr, err := zip.OpenReader(s.path)
		if err != nil {
			return nil, "", fault.Invalid(op, "open export archive", err)
		}
		for _, f := range zr.File {
			if isChatFile(f.Name) {
				rc, err := f.Open()
				if err != nil {
					zr.Close()
					return nil, "", fault.Invalid(op, "open transcript in archive", err)
				}
				return &zipEntryReader{rc: rc, zr: zr}, sourceID, nil
			}
		}
		zr.Close()
		return nil, "", fault.Invalid(op, fmt.Sprintf("no chat transcript in %s", s.path), nil)

	default:
		f, err := os.Open(s.path)
		if err != nil {
			return nil, "", fault.Invalid(op, "open transcript", err)
		}
		return f, sourceID, nil
	}
}

// zipEntryReader closes both the entry and the enclosing archive.
type zipEntryReader struct {
	rc io.ReadCloser
	zr *zip.ReadCloser
}

func (z *zipEntryReader) Read(p []byte) (int, error) { return z.rc.Read(p) }

func (z *zipEntryReader) Close() error {
	err := z.rc.Close()
	if cerr := z.zr.Close(); err == nil {
		err = cerr
	}
	return err
}

func isChatFile(name string) bool {
	base := filepath.Base(name)
	return base == "_chat.txt" ||
		(strings.HasSuffix(base, ".txt") && strings.Contains(strings.ToLower(base), "chat"))
}

func findChatFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() && isChatFile(e.Name()) {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("no chat transcript found")
}

func sourceIDFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimPrefix(base, "WhatsApp Chat - ")
	return feed.Slugify(base)
}

// Metadata implements Source. It scans the transcript once, counting
// messages and participants without materializing entries.
func (s *WhatsAppSource) Metadata(ctx context.Context) (Metadata, error) {
	meta := Metadata{
		SourceID: sourceIDFromPath(s.path),
		Title:    strings.TrimSuffix(strings.TrimPrefix(filepath.Base(s.path), "WhatsApp Chat - "), filepath.Ext(s.path)),
		Kind:     "whatsapp",
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

// ExtractMedia implements MediaExtractor for zip and directory exports: it
// yields every non-transcript asset in the archive. A bare .txt source has
// no extractable assets.
func (s *WhatsAppSource) ExtractMedia(ctx context.Context) iter.Seq2[feed.MediaRef, error] {
	return func(yield func(feed.MediaRef, error) bool) {
		info, err := os.Stat(s.path)
		if err != nil {
			yield(feed.MediaRef{}, fault.Invalid("adapter.whatsapp.media", "stat export", err))
			return
		}

		emit := func(name string) bool {
			if isChatFile(name) || strings.HasPrefix(filepath.Base(name), ".") {
				return true
			}
			return yield(feed.MediaRef{
				URI:      name,
				Handle:   filepath.Base(name),
				MimeType: mimeByExt(name),
			}, nil)
		}

		switch {
		case info.IsDir():
			entries, err := os.ReadDir(s.path)
			if err != nil {
				yield(feed.MediaRef{}, fault.Invalid("adapter.whatsapp.media", "read export dir", err))
				return
			}
			for _, e := range entries {
				if err := ctx.Err(); err != nil {
					yield(feed.MediaRef{}, fault.Cancelled("adapter.whatsapp.media", err))
					return
				}
				if !e.IsDir() && !emit(e.Name()) {
					return
				}
			}

		case strings.EqualFold(filepath.Ext(s.path), ".zip"):
			zr, err := zip.OpenReader(s.path)
			if err != nil {
				yield(feed.MediaRef{}, fault.Invalid("adapter.whatsapp.media", "open export archive", err))
				return
			}
			defer zr.Close()
			for _, f := range zr.File {
				if err := ctx.Err(); err != nil {
					yield(feed.MediaRef{}, fault.Cancelled("adapter.whatsapp.media", err))
					return
				}
				if !f.FileInfo().IsDir() && !emit(f.Name) {
					return
				}
			}
		}
	}
}

// MaterializeMedia implements MediaMaterializer: it copies every
// non-transcript asset into dir, flattened to its base name so lookups by
// attachment handle resolve. Bare .txt exports have nothing to copy.
func (s *WhatsAppSource) MaterializeMedia(ctx context.Context, dir string) (int, error) {
	const op = "adapter.whatsapp.materialize"

	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fault.Invalid(op, "stat export", err)
	}
	if !info.IsDir() && !strings.EqualFold(filepath.Ext(s.path), ".zip") {
		return 0, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fault.Repository(op, "create media dir", err)
	}

	copyAsset := func(name string, open func() (io.ReadCloser, error)) error {
		src, err := open()
		if err != nil {
			return fault.Invalid(op, "open asset "+name, err)
		}
		defer src.Close()
		dst, err := os.Create(filepath.Join(dir, filepath.Base(name)))
		if err != nil {
			return fault.Repository(op, "create asset "+filepath.Base(name), err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return fault.Repository(op, "copy asset "+filepath.Base(name), err)
		}
		return dst.Close()
	}

	skip := func(name string) bool {
		return isChatFile(name) || strings.HasPrefix(filepath.Base(name), ".")
	}

	written := 0
	if info.IsDir() {
		entries, err := os.ReadDir(s.path)
		if err != nil {
			return written, fault.Invalid(op, "read export dir", err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return written, fault.Cancelled(op, err)
			}
			if e.IsDir() || skip(e.Name()) {
				continue
			}
			name := e.Name()
			if err := copyAsset(name, func() (io.ReadCloser, error) {
				return os.Open(filepath.Join(s.path, name))
			}); err != nil {
				return written, err
			}
			written++
		}
		return written, nil
	}

	zr, err := zip.OpenReader(s.path)
	if err != nil {
		return written, fault.Invalid(op, "open export archive", err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return written, fault.Cancelled(op, err)
		}
		if f.FileInfo().IsDir() || skip(f.Name) {
			continue
		}
		if err := copyAsset(f.Name, f.Open); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func mimeByExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".opus":
		return "audio/opus"
	case ".ogg":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".vcf":
		return "text/vcard"
	default:
		return "application/octet-stream"
	}
}
