package writer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklinbaldo/egregora-sub012/pkg/cache"
	"github.com/franklinbaldo/egregora-sub012/pkg/enrich"
	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
	"github.com/franklinbaldo/egregora-sub012/pkg/window"
)

type scriptedGen struct {
	responses []*llm.Response
	errs      []error
	counter   *llm.TokenCounter
	calls     [][]llm.Message
	settings  []llm.Settings
}

func (g *scriptedGen) Generate(_ context.Context, messages []llm.Message, settings llm.Settings) (*llm.Response, error) {
	i := len(g.calls)
	g.calls = append(g.calls, messages)
	g.settings = append(g.settings, settings)
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	if i < len(g.responses) {
		return g.responses[i], nil
	}
	return &llm.Response{Text: "[]"}, nil
}

func (g *scriptedGen) Counter() *llm.TokenCounter { return g.counter }

type writerFixture struct {
	gen    *scriptedGen
	repo   *stubRepo
	search *fakeSearcher
	tasks  *enrich.MemoryStore
	writer *Writer
}

func newWriterFixture(t *testing.T, gen *scriptedGen, cfg Config, mutate func(*Deps)) *writerFixture {
	t.Helper()

	f := &writerFixture{
		gen:    gen,
		repo:   newStubRepo(),
		search: &fakeSearcher{},
		tasks:  enrich.NewMemoryStore(),
	}
	deps := Deps{
		Client:    gen,
		Templates: DefaultSource(),
		Repo:      f.repo,
		Search:    f.search,
		Tasks:     f.tasks,
		Meta:      staticMeta{"source": "whatsapp"},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&deps)
	}

	w, err := NewWriter(deps, cfg)
	require.NoError(t, err)
	f.writer = w
	return f
}

func postJSON(t *testing.T, title, body string, authors ...string) string {
	t.Helper()
	if authors == nil {
		authors = []string{}
	}
	data, err := json.Marshal([]map[string]any{{
		"title":   title,
		"date":    "2025-08-10",
		"authors": authors,
		"body":    body,
	}})
	require.NoError(t, err)
	return string(data)
}

func TestNewWriterValidation(t *testing.T) {
	gen := &scriptedGen{}
	base := func() Deps {
		return Deps{Client: gen, Templates: DefaultSource(), Repo: newStubRepo(), Search: &fakeSearcher{}}
	}

	_, err := NewWriter(base(), Config{})
	require.NoError(t, err, "optional deps may be nil")

	mutations := map[string]func(*Deps){
		"client":    func(d *Deps) { d.Client = nil },
		"templates": func(d *Deps) { d.Templates = nil },
		"repo":      func(d *Deps) { d.Repo = nil },
		"search":    func(d *Deps) { d.Search = nil },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			deps := base()
			mutate(&deps)
			_, err := NewWriter(deps, Config{})
			require.Error(t, err)
			assert.True(t, fault.IsKind(err, fault.KindInvalidInput))
		})
	}
}

func TestWriteGeneratesAndPersists(t *testing.T) {
	gen := &scriptedGen{responses: []*llm.Response{
		{Text: postJSON(t, "Garden kickoff", "The group agreed to start planting.", "member-1", "ghost-9")},
	}}
	f := newWriterFixture(t, gen, Config{}, nil)

	res, err := f.writer.Write(context.Background(), Request{Window: testWindow()})
	require.NoError(t, err)
	require.Len(t, res.Posts, 1)
	assert.False(t, res.FromCache)

	post := res.Posts[0]
	assert.Equal(t, "2025-08-10-garden-kickoff", post.ID)
	assert.Equal(t, []string{"member-1"}, post.Authors, "authors outside the window are dropped")
	assert.Equal(t, "2025-08-10", post.CreatedAt.Format("2006-01-02"))

	require.Len(t, f.repo.upserts, 1)
	assert.Equal(t, post.ID, f.repo.upserts[0].ID)

	pending, err := f.tasks.CountPending(context.Background(), enrich.KindBanner)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "each post gets a banner task")

	require.Len(t, gen.calls, 1)
	messages := gen.calls[0]
	require.Len(t, messages, 2)
	assert.Equal(t, llm.RoleSystem, messages[0].Role)
	assert.Equal(t, llm.RoleUser, messages[1].Role)
	assert.Contains(t, messages[1].Content, "Window 2025-08-10")

	require.Len(t, gen.settings, 1)
	assert.Len(t, gen.settings[0].Tools, 3)
	assert.InDelta(t, 0.7, gen.settings[0].Temperature, 1e-9)
	assert.Equal(t, 4096, gen.settings[0].MaxOutputTokens)
}

func TestWriteRejectsEmptyWindow(t *testing.T) {
	f := newWriterFixture(t, &scriptedGen{}, Config{}, nil)

	_, err := f.writer.Write(context.Background(), Request{Window: window.Window{Label: "2025-08-10"}})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))
	assert.Empty(t, f.gen.calls)
}

func TestWriteZeroPostsIsValid(t *testing.T) {
	gen := &scriptedGen{responses: []*llm.Response{{Text: "[]"}}}
	f := newWriterFixture(t, gen, Config{}, nil)

	res, err := f.writer.Write(context.Background(), Request{Window: testWindow()})
	require.NoError(t, err)
	assert.Empty(t, res.Posts)
	assert.Empty(t, f.repo.upserts)

	pending, err := f.tasks.CountPending(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestWriteToolLoop(t *testing.T) {
	gen := &scriptedGen{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID:        "c1",
			Name:      "recent_posts",
			Arguments: map[string]any{"limit": float64(1)},
		}}},
		{Text: postJSON(t, "Garden kickoff", "Grounded in last month's coverage.", "member-1")},
	}}
	f := newWriterFixture(t, gen, Config{}, nil)
	f.repo.recent = []feed.Document{testPostDoc(t, "2025-08-01-garden-kickoff", "Garden kickoff", "The community garden opened.")}

	res, err := f.writer.Write(context.Background(), Request{Window: testWindow()})
	require.NoError(t, err)
	require.Len(t, res.Posts, 1)

	require.Len(t, gen.calls, 2)
	second := gen.calls[1]
	require.Len(t, second, 4, "system, user, assistant tool call, tool result")
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	require.Len(t, second[2].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, second[3].Role)
	assert.Equal(t, "recent_posts", second[3].Name)
	assert.Contains(t, second[3].Content, "2025-08-01-garden-kickoff")
}

func TestWriteToolLoopExhausted(t *testing.T) {
	resp := &llm.Response{ToolCalls: []llm.ToolCall{{
		ID: "c1", Name: "pipeline_metadata", Arguments: map[string]any{},
	}}}
	gen := &scriptedGen{responses: []*llm.Response{resp, resp, resp}}
	f := newWriterFixture(t, gen, Config{MaxToolRounds: 1}, nil)

	_, err := f.writer.Write(context.Background(), Request{Window: testWindow()})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindTransient))
	assert.Len(t, gen.calls, 2)
	assert.Empty(t, f.repo.upserts)
}

func TestWritePromptTooLargePropagates(t *testing.T) {
	gen := &scriptedGen{errs: []error{
		fault.PromptTooLarge("llm.generate", "estimate exceeds context window", nil),
	}}
	f := newWriterFixture(t, gen, Config{}, nil)

	_, err := f.writer.Write(context.Background(), Request{Window: testWindow()})
	require.Error(t, err)
	assert.True(t, fault.IsPromptTooLarge(err), "split decisions belong to the caller")
	assert.Empty(t, f.repo.upserts)
}

func TestWriteWriterTokenBudget(t *testing.T) {
	counter, err := llm.NewTokenCounter("gemini-2.5-flash")
	require.NoError(t, err)

	gen := &scriptedGen{counter: counter}
	f := newWriterFixture(t, gen, Config{MaxPromptTokens: 1}, nil)

	_, err = f.writer.Write(context.Background(), Request{Window: testWindow()})
	require.Error(t, err)
	assert.True(t, fault.IsPromptTooLarge(err))
	assert.Empty(t, gen.calls, "budget check runs before the client")
}

func TestWriteCacheRoundTrip(t *testing.T) {
	store, err := cache.NewStore(t.TempDir(), cache.TierWriter, time.Hour)
	require.NoError(t, err)

	gen := &scriptedGen{responses: []*llm.Response{
		{Text: postJSON(t, "Garden kickoff", "The group agreed to start planting.", "member-1")},
	}}
	f := newWriterFixture(t, gen, Config{}, func(d *Deps) { d.Cache = store })

	req := Request{
		Window: testWindow(),
		Enrichments: []feed.Document{
			{ID: "e2", ContentBody: "beta description"},
			{ID: "e1", ContentBody: "alpha description"},
		},
	}

	first, err := f.writer.Write(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	require.Len(t, gen.calls, 1)

	// Same inputs with enrichments reordered still hit: the key is
	// order-insensitive for worker-produced context.
	req.Enrichments = []feed.Document{
		{ID: "e1", ContentBody: "alpha description"},
		{ID: "e2", ContentBody: "beta description"},
	}
	second, err := f.writer.Write(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Len(t, gen.calls, 1, "cache hit skips the model")
	require.Len(t, second.Posts, 1)
	assert.Equal(t, first.Posts[0].ID, second.Posts[0].ID)

	// Hits still persist and still request banners.
	assert.Len(t, f.repo.upserts, 2)
	pending, err := f.tasks.CountPending(context.Background(), enrich.KindBanner)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "banner enqueue dedups on the pending task")

	// Editing a message invalidates the key.
	req.Window.Entries[0].Content = "edited message"
	third, err := f.writer.Write(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Len(t, gen.calls, 2)
}

func TestWriteParseFailure(t *testing.T) {
	gen := &scriptedGen{responses: []*llm.Response{{Text: "I could not produce JSON, sorry."}}}
	f := newWriterFixture(t, gen, Config{}, nil)

	_, err := f.writer.Write(context.Background(), Request{Window: testWindow()})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))
	assert.Empty(t, f.repo.upserts)
}
