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

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

// GeminiProvider is the default production provider, backed by the official
// SDK for generation and streaming. Batch operations are REST-only at the
// provider, so they delegate to an embedded RESTProvider on the same
// credential.
type GeminiProvider struct {
	client *genai.Client
	model  string
	rest   *RESTProvider
}

// NewGeminiProvider creates a provider bound to one (model, key) pair. It
// satisfies ProviderFactory and is the client's default factory.
func NewGeminiProvider(model, apiKey string) (Provider, error) {
	return NewGeminiProviderWithHost(DefaultGeminiHost, model, apiKey)
}

// NewGeminiProviderWithHost targets a non-default endpoint, mainly for
// tests against local servers.
func NewGeminiProviderWithHost(host, model, apiKey string) (Provider, error) {
	const op = "llm.gemini"

	if model == "" {
		return nil, fault.Invalid(op, "model is required", nil)
	}
	if apiKey == "" {
		return nil, fault.Invalid(op, "API key is required", nil)
	}
	if host == "" {
		host = DefaultGeminiHost
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: host},
	})
	if err != nil {
		return nil, fault.Fatal(op, "create client", err)
	}

	rest, err := NewRESTProvider(host, model, apiKey, nil)
	if err != nil {
		return nil, err
	}

	return &GeminiProvider{client: client, model: model, rest: rest}, nil
}

func (p *GeminiProvider) ModelName() string { return p.model }

func (p *GeminiProvider) Close() error { return nil }

// Generate performs a single generation call.
func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, settings Settings) (*Response, error) {
	contents, config := p.convert(messages, settings)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, p.wrapErr("llm.gemini.generate", err)
	}
	return p.parse(resp)
}

// GenerateStream opens a streaming generation call.
func (p *GeminiProvider) GenerateStream(ctx context.Context, messages []Message, settings Settings) (<-chan StreamChunk, error) {
	contents, config := p.convert(messages, settings)

	chunks := make(chan StreamChunk, 10)
	go func() {
		defer close(chunks)

		total := 0
		calls := 0
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, config) {
			if err != nil {
				chunks <- StreamChunk{Type: "error", Error: p.wrapErr("llm.gemini.stream", err)}
				return
			}
			if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
				for _, part := range resp.Candidates[0].Content.Parts {
					if part.Text != "" {
						chunks <- StreamChunk{Type: "text", Text: part.Text}
					}
					if part.FunctionCall != nil {
						chunks <- StreamChunk{Type: "tool_call", ToolCall: &ToolCall{
							ID:        fmt.Sprintf("call_%d", calls),
							Name:      part.FunctionCall.Name,
							Arguments: part.FunctionCall.Args,
						}}
						calls++
					}
				}
			}
			if resp.UsageMetadata != nil {
				total = int(resp.UsageMetadata.TotalTokenCount)
			}
		}
		chunks <- StreamChunk{Type: "done", Tokens: total}
	}()
	return chunks, nil
}

// SubmitBatch delegates to the REST batch endpoint.
func (p *GeminiProvider) SubmitBatch(ctx context.Context, requests []BatchRequest) (BatchHandle, error) {
	return p.rest.SubmitBatch(ctx, requests)
}

// PollBatch delegates to the REST batch endpoint.
func (p *GeminiProvider) PollBatch(ctx context.Context, handle BatchHandle) (*BatchStatus, error) {
	return p.rest.PollBatch(ctx, handle)
}

// convert maps provider-independent messages and settings onto SDK types.
// System turns collapse into the dedicated system instruction.
func (p *GeminiProvider) convert(messages []Message, settings Settings) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if settings.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(settings.Temperature))
	}
	if settings.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(settings.MaxOutputTokens)
	}
	if settings.ResponseMIMEType != "" {
		config.ResponseMIMEType = settings.ResponseMIMEType
	}
	if len(settings.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(settings.Tools))
		for _, tool := range settings.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var contents []*genai.Content
	var systemParts []*genai.Part

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, genai.NewPartFromText(msg.Content))
		case RoleTool:
			part := genai.NewPartFromFunctionResponse(msg.Name, map[string]any{"content": msg.Content})
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			role := genai.Role(genai.RoleUser)
			if msg.Role == RoleAssistant {
				role = genai.RoleModel
			}
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, tc.Arguments))
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, role))
			}
		}
	}
	if len(systemParts) > 0 {
		config.SystemInstruction = &genai.Content{Parts: systemParts}
	}

	return contents, config
}

func (p *GeminiProvider) parse(resp *genai.GenerateContentResponse) (*Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fault.Transient("llm.gemini.parse", "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	out := &Response{Model: p.model, FinishReason: string(candidate.FinishReason)}

	if candidate.Content != nil {
		var texts []string
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
			if part.FunctionCall != nil {
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        fmt.Sprintf("call_%d", len(out.ToolCalls)),
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
			}
		}
		out.Text = strings.Join(texts, "")
	}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// wrapErr normalizes SDK errors so the client's classifiers see the same
// shapes the REST provider produces.
func (p *GeminiProvider) wrapErr(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiError(op, &geminiError{Code: apiErr.Code, Message: apiErr.Message, Status: apiErr.Status})
	}
	return err
}
