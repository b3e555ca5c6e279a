package enrich

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeTestWorkbook(t *testing.T) string {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "item"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "count"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "apples"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 12))

	path := filepath.Join(t.TempDir(), "inventory.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestRegistrySupported(t *testing.T) {
	r := NewParserRegistry()

	assert.True(t, r.Supported("report.pdf"))
	assert.True(t, r.Supported("notes.DOCX"))
	assert.True(t, r.Supported("sheet.xlsx"))
	assert.False(t, r.Supported("photo.jpg"))
	assert.False(t, r.Supported("audio.opus"))
	assert.False(t, r.Supported("noext"))

	exts := r.Extensions()
	assert.ElementsMatch(t, []string{".pdf", ".docx", ".xlsx"}, exts)
}

func TestRegistryParseUnsupported(t *testing.T) {
	r := NewParserRegistry()

	_, err := r.Parse(context.Background(), "sticker.webp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".webp")
}

func TestParseWorkbook(t *testing.T) {
	path := writeTestWorkbook(t)
	r := NewParserRegistry()

	result, err := r.Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "inventory.xlsx", result.Title)
	assert.Equal(t, "xlsx", result.Metadata["type"])
	assert.Contains(t, result.Content, "--- Sheet: Sheet1 ---")
	assert.Contains(t, result.Content, "A1: item")
	assert.Contains(t, result.Content, "B2: 12")
}

func TestParseWorkbookCancelled(t *testing.T) {
	path := writeTestWorkbook(t)
	r := NewParserRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Parse(ctx, path)
	require.Error(t, err)
}

func TestParseMissingFile(t *testing.T) {
	r := NewParserRegistry()

	_, err := r.Parse(context.Background(), filepath.Join(t.TempDir(), "gone.pdf"))
	require.Error(t, err)
	_, err = r.Parse(context.Background(), filepath.Join(t.TempDir(), "gone.docx"))
	require.Error(t, err)
}

func TestFlattenDocumentXML(t *testing.T) {
	in := `<w:document><w:p><w:r><w:t>First &amp; second</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>left</w:t><w:tab/><w:t>right</w:t></w:r></w:p></w:document>`

	out := flattenDocumentXML(in)
	assert.Equal(t, "First & second\nleft\tright", out)
}

func TestColumnLetter(t *testing.T) {
	assert.Equal(t, "A", columnLetter(0))
	assert.Equal(t, "Z", columnLetter(25))
	assert.Equal(t, "AA", columnLetter(26))
	assert.Equal(t, "AB", columnLetter(27))
	assert.Equal(t, "BA", columnLetter(52))
}
