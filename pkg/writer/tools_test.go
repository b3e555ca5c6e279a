package writer

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
	"github.com/franklinbaldo/egregora-sub012/pkg/rag"
)

type fakeSearcher struct {
	hits     []rag.Hit
	err      error
	gotQuery string
	gotTopK  int
}

func (f *fakeSearcher) Search(_ context.Context, query string, topK int, _ float32) ([]rag.Hit, error) {
	f.gotQuery = query
	f.gotTopK = topK
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type stubRepo struct {
	docs    map[string]feed.Document
	upserts []feed.Document
	recent  []feed.Document
}

func newStubRepo() *stubRepo {
	return &stubRepo{docs: make(map[string]feed.Document)}
}

func (r *stubRepo) put(doc feed.Document) {
	r.docs[string(doc.DocType)+"/"+doc.ID] = doc
}

func (r *stubRepo) Get(_ context.Context, docType feed.DocType, id string) (feed.Document, error) {
	doc, ok := r.docs[string(docType)+"/"+id]
	if !ok {
		return feed.Document{}, fault.Repository("stub.get", "document "+id+" not found", nil)
	}
	return doc, nil
}

func (r *stubRepo) Upsert(_ context.Context, doc feed.Document) error {
	r.upserts = append(r.upserts, doc)
	r.put(doc)
	return nil
}

func (r *stubRepo) RecentPosts(_ context.Context, limit int) ([]feed.Document, error) {
	if limit < len(r.recent) {
		return r.recent[:limit], nil
	}
	return r.recent, nil
}

type staticMeta map[string]string

func (m staticMeta) Metadata() map[string]string { return m }

func testPostDoc(t *testing.T, id, title, body string) feed.Document {
	t.Helper()
	post, err := feed.NewPost(id, title, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), []string{"member-1"}, body)
	require.NoError(t, err)
	return post
}

func TestArgsSchema(t *testing.T) {
	schema, err := argsSchema[ragSearchArgs]()
	require.NoError(t, err)

	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$id")

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "schema has no properties map: %v", schema)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")

	assert.Contains(t, schema["required"], "query")
	assert.NotContains(t, schema["required"], "limit")
}

func TestDecodeArgsWeakTyping(t *testing.T) {
	var args ragSearchArgs
	err := decodeArgs(map[string]any{"query": "gardens", "limit": "7"}, &args)
	require.NoError(t, err)
	assert.Equal(t, "gardens", args.Query)
	assert.Equal(t, 7, args.Limit)

	// JSON numbers arrive as float64.
	var more recentPostsArgs
	require.NoError(t, decodeArgs(map[string]any{"limit": float64(3)}, &more))
	assert.Equal(t, 3, more.Limit)
}

func TestRAGSearchTool(t *testing.T) {
	repo := newStubRepo()
	repo.put(testPostDoc(t, "2025-08-01-garden-kickoff", "Garden kickoff", "The community garden opened."))

	search := &fakeSearcher{hits: []rag.Hit{
		{DocID: "2025-08-01-garden-kickoff", Score: 0.92},
		{DocID: "gone-from-store", Score: 0.5},
	}}

	tool, err := newRAGSearchTool(search, repo, 5)
	require.NoError(t, err)
	assert.Equal(t, "rag_search", tool.Definition().Name)
	assert.NotEmpty(t, tool.Definition().Parameters)

	out, err := tool.Call(context.Background(), map[string]any{"query": "gardens", "limit": 3})
	require.NoError(t, err)
	assert.Equal(t, "gardens", search.gotQuery)
	assert.Equal(t, 3, search.gotTopK)

	results, ok := out["results"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, results, 1, "hits missing from the store are dropped")
	assert.Equal(t, "2025-08-01-garden-kickoff", results[0]["id"])
	assert.Equal(t, "Garden kickoff", results[0]["title"])
	assert.Equal(t, "The community garden opened.", results[0]["excerpt"])
}

func TestRAGSearchToolLimitDefaults(t *testing.T) {
	search := &fakeSearcher{}
	tool, err := newRAGSearchTool(search, newStubRepo(), 5)
	require.NoError(t, err)

	_, err = tool.Call(context.Background(), map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, 5, search.gotTopK, "missing limit falls back to the default")

	_, err = tool.Call(context.Background(), map[string]any{"query": "x", "limit": 99})
	require.NoError(t, err)
	assert.Equal(t, 5, search.gotTopK, "out-of-range limit falls back to the default")
}

func TestRecentPostsTool(t *testing.T) {
	repo := newStubRepo()
	repo.recent = []feed.Document{
		testPostDoc(t, "2025-08-02-tool-drive", "Tool drive", "Donations wanted."),
		testPostDoc(t, "2025-08-01-garden-kickoff", "Garden kickoff", "The community garden opened."),
	}

	tool, err := newRecentPostsTool(repo, 10)
	require.NoError(t, err)

	out, err := tool.Call(context.Background(), map[string]any{"limit": 1})
	require.NoError(t, err)

	posts, ok := out["posts"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, posts, 1)
	assert.Equal(t, "2025-08-02-tool-drive", posts[0]["id"])
	assert.Equal(t, "2025-08-01", posts[0]["date"])
}

func TestPipelineMetadataTool(t *testing.T) {
	tool, err := newPipelineMetadataTool(staticMeta{"source": "whatsapp", "adapter": "zip"})
	require.NoError(t, err)

	out, err := tool.Call(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"source": "whatsapp", "adapter": "zip"}, out["metadata"])
}

func TestToolsetDispatch(t *testing.T) {
	boom, err := newTool("boom", "always fails",
		func(context.Context, pipelineMetadataArgs) (map[string]any, error) {
			return nil, fault.Transient("boom", "nope", nil)
		})
	require.NoError(t, err)
	echo, err := newTool("echo", "returns its input",
		func(_ context.Context, args ragSearchArgs) (map[string]any, error) {
			return map[string]any{"query": args.Query}, nil
		})
	require.NoError(t, err)

	set := newToolset(boom, echo)

	defs := set.definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "boom", defs[0].Name)
	assert.Equal(t, "echo", defs[1].Name)

	content, err := set.dispatch(context.Background(), llm.ToolCall{Name: "echo", Arguments: map[string]any{"query": "hi"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"hi"}`, content)

	content, err = set.dispatch(context.Background(), llm.ToolCall{Name: "boom", Arguments: map[string]any{}})
	require.NoError(t, err, "tool failures are answered to the model, not raised")
	assert.Contains(t, content, `"error"`)
	assert.Contains(t, content, "nope")

	content, err = set.dispatch(context.Background(), llm.ToolCall{Name: "nope", Arguments: nil})
	require.NoError(t, err)
	assert.Contains(t, content, "unknown tool")
}

func TestToolsetDispatchPropagatesCancellation(t *testing.T) {
	slow, err := newTool("slow", "honors cancellation",
		func(ctx context.Context, _ pipelineMetadataArgs) (map[string]any, error) {
			return nil, fault.Cancelled("slow", context.Canceled)
		})
	require.NoError(t, err)

	set := newToolset(slow)
	_, err = set.dispatch(context.Background(), llm.ToolCall{Name: "slow"})
	require.Error(t, err)
	assert.True(t, fault.IsCancelled(err))
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", excerpt("short"))

	long := strings.Repeat("a", excerptLen+50)
	got := excerpt(long)
	assert.Equal(t, excerptLen+3, len(got))
	assert.True(t, strings.HasSuffix(got, "..."))

	// A multibyte rune straddling the cut is dropped whole.
	straddle := strings.Repeat("a", excerptLen-1) + "é" + strings.Repeat("b", 60)
	got = excerpt(straddle)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "a..."))
}
