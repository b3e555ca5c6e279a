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

package enrich

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

// ParseResult is the text extracted from a document attachment, ready to
// feed an enrichment prompt.
type ParseResult struct {
	Content  string
	Title    string
	Metadata map[string]string
}

// attachmentParser extracts text from one family of file formats.
type attachmentParser interface {
	CanParse(path string) bool
	Parse(ctx context.Context, path string) (*ParseResult, error)
	Extensions() []string
}

// ParserRegistry routes attachment files to their native parser. Media
// assets in unsupported formats are described from their name and mime type
// alone.
type ParserRegistry struct {
	parsers []attachmentParser
}

// NewParserRegistry creates a registry with the built-in PDF and Office
// parsers.
func NewParserRegistry() *ParserRegistry {
	return &ParserRegistry{
		parsers: []attachmentParser{
			&pdfParser{},
			&officeParser{},
		},
	}
}

// Supported reports whether some parser handles this file.
func (r *ParserRegistry) Supported(path string) bool {
	return r.find(path) != nil
}

// Parse extracts text from the file with the matching parser.
func (r *ParserRegistry) Parse(ctx context.Context, path string) (*ParseResult, error) {
	p := r.find(path)
	if p == nil {
		return nil, fault.Invalid("enrich.parse",
			fmt.Sprintf("no parser for %s files", filepath.Ext(path)), nil)
	}
	return p.Parse(ctx, path)
}

func (r *ParserRegistry) find(path string) attachmentParser {
	for _, p := range r.parsers {
		if p.CanParse(path) {
			return p
		}
	}
	return nil
}

// Extensions returns every supported file extension.
func (r *ParserRegistry) Extensions() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range r.parsers {
		for _, ext := range p.Extensions() {
			if !seen[ext] {
				seen[ext] = true
				out = append(out, ext)
			}
		}
	}
	return out
}

// =============================================================================
// PDF parser
// =============================================================================

type pdfParser struct{}

func (p *pdfParser) CanParse(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".pdf"
}

func (p *pdfParser) Extensions() []string {
	return []string{".pdf"}
}

func (p *pdfParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	const op = "enrich.parse_pdf"

	file, err := os.Open(path)
	if err != nil {
		return nil, fault.Invalid(op, fmt.Sprintf("open %s", filepath.Base(path)), err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fault.Invalid(op, fmt.Sprintf("stat %s", filepath.Base(path)), err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, fault.Invalid(op, fmt.Sprintf("parse %s", filepath.Base(path)), err)
	}

	var parts []string
	totalPages := reader.NumPage()
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, fault.Cancelled(op, err)
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			parts = append(parts, fmt.Sprintf("--- Page %d (extraction failed: %v) ---", pageNum, err))
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}

	return &ParseResult{
		Content: strings.Join(parts, "\n\n"),
		Title:   filepath.Base(path),
		Metadata: map[string]string{
			"type":  "pdf",
			"pages": fmt.Sprintf("%d", totalPages),
		},
	}, nil
}

// =============================================================================
// Office parser (DOCX, XLSX)
// =============================================================================

type officeParser struct{}

func (p *officeParser) CanParse(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx", ".xlsx":
		return true
	}
	return false
}

func (p *officeParser) Extensions() []string {
	return []string{".docx", ".xlsx"}
}

func (p *officeParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx":
		return p.parseWord(path)
	case ".xlsx":
		return p.parseExcel(ctx, path)
	default:
		return nil, fault.Invalid("enrich.parse_office",
			fmt.Sprintf("unsupported office format %s", filepath.Ext(path)), nil)
	}
}

func (p *officeParser) parseWord(path string) (*ParseResult, error) {
	const op = "enrich.parse_docx"

	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, fault.Invalid(op, fmt.Sprintf("parse %s", filepath.Base(path)), err)
	}
	defer doc.Close()

	content := flattenDocumentXML(doc.Editable().GetContent())
	return &ParseResult{
		Content: content,
		Title:   filepath.Base(path),
		Metadata: map[string]string{
			"type":       "docx",
			"paragraphs": fmt.Sprintf("%d", len(strings.Split(content, "\n"))),
		},
	}, nil
}

func (p *officeParser) parseExcel(ctx context.Context, path string) (*ParseResult, error) {
	const op = "enrich.parse_xlsx"

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fault.Invalid(op, fmt.Sprintf("parse %s", filepath.Base(path)), err)
	}
	defer f.Close()

	// Limit cells per sheet so a large workbook cannot flood the prompt.
	const maxCells = 1000

	var parts []string
	sheets := f.GetSheetList()
	for _, sheetName := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, fault.Cancelled(op, err)
		}

		var sheet strings.Builder
		fmt.Fprintf(&sheet, "--- Sheet: %s ---\n", sheetName)

		rows, err := f.GetRows(sheetName)
		if err != nil {
			fmt.Fprintf(&sheet, "error reading sheet: %v\n", err)
			parts = append(parts, strings.TrimSpace(sheet.String()))
			continue
		}

		cells := 0
		for rowIndex, row := range rows {
			if cells >= maxCells {
				sheet.WriteString("... (truncated)\n")
				break
			}
			for colIndex, cell := range row {
				if cells >= maxCells {
					break
				}
				if text := strings.TrimSpace(cell); text != "" {
					fmt.Fprintf(&sheet, "%s%d: %s\n", columnLetter(colIndex), rowIndex+1, text)
					cells++
				}
			}
		}

		if text := strings.TrimSpace(sheet.String()); text != "" {
			parts = append(parts, text)
		}
	}

	return &ParseResult{
		Content: strings.Join(parts, "\n\n"),
		Title:   filepath.Base(path),
		Metadata: map[string]string{
			"type":   "xlsx",
			"sheets": fmt.Sprintf("%d", len(sheets)),
		},
	}, nil
}

// columnLetter converts a 0-based column index to the Excel column name
// (A, B, ..., Z, AA, AB, ...).
func columnLetter(index int) string {
	result := ""
	for {
		result = string(rune('A'+index%26)) + result
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return result
}

// flattenDocumentXML reduces WordprocessingML to plain text: paragraph ends
// become newlines, tabs stay tabs, every other tag is dropped, and entities
// are unescaped.
func flattenDocumentXML(s string) string {
	s = strings.ReplaceAll(s, "</w:p>", "\n")
	s = strings.ReplaceAll(s, "<w:tab/>", "\t")

	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(html.UnescapeString(b.String()))
}
