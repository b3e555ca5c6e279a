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

package writer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/feed"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
)

// Tool is one function the model may call during generation.
type Tool interface {
	Definition() llm.ToolDefinition
	Call(ctx context.Context, args map[string]any) (map[string]any, error)
}

// funcTool adapts a typed Go function into a Tool. The parameter schema is
// generated from the Args struct's json and jsonschema tags; raw arguments
// are decoded back into Args before the call.
type funcTool[Args any] struct {
	def llm.ToolDefinition
	fn  func(ctx context.Context, args Args) (map[string]any, error)
}

func newTool[Args any](name, description string, fn func(context.Context, Args) (map[string]any, error)) (Tool, error) {
	schema, err := argsSchema[Args]()
	if err != nil {
		return nil, fault.Invalid("writer.new_tool", fmt.Sprintf("schema for tool %s", name), err)
	}
	return &funcTool[Args]{
		def: llm.ToolDefinition{Name: name, Description: description, Parameters: schema},
		fn:  fn,
	}, nil
}

func (t *funcTool[Args]) Definition() llm.ToolDefinition {
	return t.def
}

func (t *funcTool[Args]) Call(ctx context.Context, raw map[string]any) (map[string]any, error) {
	var args Args
	if err := decodeArgs(raw, &args); err != nil {
		return nil, fault.Invalid("writer.tool_call", fmt.Sprintf("arguments for %s", t.def.Name), err)
	}
	return t.fn(ctx, args)
}

// argsSchema reflects a JSON schema from the Args type's struct tags.
func argsSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// decodeArgs converts model-provided arguments into the typed struct.
// Weak typing tolerates the JSON number/string fuzziness models produce.
func decodeArgs(in map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}

// toolset is the writer's closed tool surface.
type toolset struct {
	order []string
	tools map[string]Tool
}

func newToolset(tools ...Tool) *toolset {
	s := &toolset{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Definition().Name
		s.order = append(s.order, name)
		s.tools[name] = t
	}
	return s
}

func (s *toolset) definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		defs = append(defs, s.tools[name].Definition())
	}
	return defs
}

// dispatch runs one tool call and renders the result as the JSON content of
// a tool message. Tool failures are answered to the model rather than
// aborting generation; only context cancellation propagates.
func (s *toolset) dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	t, ok := s.tools[call.Name]
	if !ok {
		return toolJSON(map[string]any{"error": fmt.Sprintf("unknown tool %q", call.Name)}), nil
	}

	result, err := t.Call(ctx, call.Arguments)
	if err != nil {
		if fault.IsCancelled(err) || ctx.Err() != nil {
			return "", err
		}
		return toolJSON(map[string]any{"error": err.Error()}), nil
	}
	return toolJSON(result), nil
}

func toolJSON(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

// =============================================================================
// Concrete tools
// =============================================================================

// excerptLen caps post bodies returned through the tool surface.
const excerptLen = 400

type ragSearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search query over previously published posts"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum results,default=5,minimum=1,maximum=20"`
}

func newRAGSearchTool(search Searcher, repo Repository, defaultLimit int) (Tool, error) {
	return newTool("rag_search", "Search previously published posts by semantic similarity.",
		func(ctx context.Context, args ragSearchArgs) (map[string]any, error) {
			limit := args.Limit
			if limit <= 0 || limit > 20 {
				limit = defaultLimit
			}

			hits, err := search.Search(ctx, args.Query, limit, 0)
			if err != nil {
				return nil, err
			}

			results := make([]map[string]any, 0, len(hits))
			for _, hit := range hits {
				doc, err := repo.Get(ctx, feed.DocTypePost, hit.DocID)
				if err != nil {
					continue // index can be ahead of the repository
				}
				results = append(results, map[string]any{
					"id":      doc.ID,
					"title":   doc.Title,
					"score":   hit.Score,
					"excerpt": excerpt(doc.ContentBody),
				})
			}
			return map[string]any{"results": results}, nil
		})
}

type recentPostsArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Number of posts to return,default=5,minimum=1,maximum=20"`
}

func newRecentPostsTool(repo Repository, defaultLimit int) (Tool, error) {
	return newTool("recent_posts", "List the most recently published posts, newest first.",
		func(ctx context.Context, args recentPostsArgs) (map[string]any, error) {
			limit := args.Limit
			if limit <= 0 || limit > 20 {
				limit = defaultLimit
			}

			posts, err := repo.RecentPosts(ctx, limit)
			if err != nil {
				return nil, err
			}

			results := make([]map[string]any, 0, len(posts))
			for _, p := range posts {
				results = append(results, map[string]any{
					"id":      p.ID,
					"title":   p.Title,
					"date":    p.CreatedAt.UTC().Format("2006-01-02"),
					"excerpt": excerpt(p.ContentBody),
				})
			}
			return map[string]any{"posts": results}, nil
		})
}

type pipelineMetadataArgs struct{}

func newPipelineMetadataTool(meta MetadataProvider) (Tool, error) {
	return newTool("pipeline_metadata", "Describe the pipeline producing this archive: source, adapter, versions.",
		func(_ context.Context, _ pipelineMetadataArgs) (map[string]any, error) {
			return map[string]any{"metadata": meta.Metadata()}, nil
		})
}

func excerpt(body string) string {
	if len(body) <= excerptLen {
		return body
	}
	cut := excerptLen
	for cut > 0 && body[cut]&0xC0 == 0x80 {
		cut--
	}
	return body[:cut] + "..."
}
