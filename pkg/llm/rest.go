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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/httpclient"
)

// DefaultGeminiHost is the Gemini REST endpoint.
const DefaultGeminiHost = "https://generativelanguage.googleapis.com"

// RESTProvider talks to the Gemini REST API directly over the shared
// retrying transport. It exists for two reasons: batch endpoints (the SDK
// provider delegates here) and full testability against httptest servers.
type RESTProvider struct {
	host       string
	model      string
	apiKey     string
	httpClient *httpclient.Client
}

// =============================================================================
// Wire types
// =============================================================================

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiToolSet         `json:"tools,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is a loose map: text, functionCall, or functionResponse.
type geminiPart map[string]any

type geminiToolSet struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	Error         *geminiError      `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Batch wire types. The batch API wraps plain generate requests in an
// operation that is polled until done.

type batchEnvelope struct {
	Batch batchSpec `json:"batch"`
}

type batchSpec struct {
	DisplayName string           `json:"displayName,omitempty"`
	InputConfig batchInputConfig `json:"inputConfig"`
}

type batchInputConfig struct {
	Requests batchRequestList `json:"requests"`
}

type batchRequestList struct {
	Requests []batchRequestItem `json:"requests"`
}

type batchRequestItem struct {
	Request  geminiRequest     `json:"request"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type batchOperation struct {
	Name     string         `json:"name"`
	Done     bool           `json:"done"`
	Metadata batchMetadata  `json:"metadata"`
	Response *batchResponse `json:"response,omitempty"`
	Error    *geminiError   `json:"error,omitempty"`
}

type batchMetadata struct {
	State string `json:"state"`
}

type batchResponse struct {
	InlinedResponses batchInlineList `json:"inlinedResponses"`
}

type batchInlineList struct {
	InlinedResponses []batchInlineResponse `json:"inlinedResponses"`
}

type batchInlineResponse struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	Response *geminiResponse   `json:"response,omitempty"`
	Error    *geminiError      `json:"error,omitempty"`
}

// =============================================================================
// Provider implementation
// =============================================================================

// NewRESTProvider creates a REST provider. A nil httpClient gets the default
// retrying transport, which surfaces rate limits instead of absorbing them
// so the rotation layer can act on 429s.
func NewRESTProvider(host, model, apiKey string, client *httpclient.Client) (*RESTProvider, error) {
	if model == "" {
		return nil, fault.Invalid("llm.rest", "model is required", nil)
	}
	if apiKey == "" {
		return nil, fault.Invalid("llm.rest", "API key is required", nil)
	}
	if host == "" {
		host = DefaultGeminiHost
	}
	if client == nil {
		client = httpclient.New()
	}
	return &RESTProvider{host: host, model: model, apiKey: apiKey, httpClient: client}, nil
}

func (p *RESTProvider) ModelName() string { return p.model }

func (p *RESTProvider) Close() error { return nil }

// Generate performs a single generateContent call.
func (p *RESTProvider) Generate(ctx context.Context, messages []Message, settings Settings) (*Response, error) {
	const op = "llm.rest.generate"

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.host, p.model, p.apiKey)

	body, err := p.post(ctx, op, url, p.buildRequest(messages, settings))
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fault.Transient(op, "parse response", err)
	}
	if resp.Error != nil {
		return nil, apiError(op, resp.Error)
	}

	return p.parseResponse(&resp)
}

// GenerateStream performs a streaming generateContent call over SSE.
func (p *RESTProvider) GenerateStream(ctx context.Context, messages []Message, settings Settings) (<-chan StreamChunk, error) {
	const op = "llm.rest.stream"

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", p.host, p.model, p.apiKey)

	reqBody, err := json.Marshal(p.buildRequest(messages, settings))
	if err != nil {
		return nil, fault.Invalid(op, "encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fault.Invalid(op, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, httpError(op, resp.StatusCode, body)
	}

	chunks := make(chan StreamChunk, 10)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()
		p.parseStream(resp.Body, chunks)
	}()
	return chunks, nil
}

// parseStream reads "data: " SSE lines into chunks.
func (p *RESTProvider) parseStream(body io.Reader, chunks chan<- StreamChunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	totalTokens := 0

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var resp geminiResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}
		if resp.Error != nil {
			chunks <- StreamChunk{Type: "error", Error: apiError("llm.rest.stream", resp.Error)}
			return
		}

		if len(resp.Candidates) > 0 {
			calls := 0
			for _, part := range resp.Candidates[0].Content.Parts {
				if text, ok := part["text"].(string); ok {
					chunks <- StreamChunk{Type: "text", Text: text}
				}
				if fc, ok := part["functionCall"].(map[string]any); ok {
					name, _ := fc["name"].(string)
					args, _ := fc["args"].(map[string]any)
					chunks <- StreamChunk{Type: "tool_call", ToolCall: &ToolCall{
						ID:        fmt.Sprintf("call_%d", calls),
						Name:      name,
						Arguments: args,
					}}
					calls++
				}
			}
		}
		if resp.UsageMetadata != nil {
			totalTokens = resp.UsageMetadata.TotalTokenCount
		}
	}

	if err := scanner.Err(); err != nil {
		chunks <- StreamChunk{Type: "error", Error: fault.Transient("llm.rest.stream", "read stream", err)}
		return
	}
	chunks <- StreamChunk{Type: "done", Tokens: totalTokens}
}

// SubmitBatch wraps the requests into one batch operation and returns its
// name as the handle.
func (p *RESTProvider) SubmitBatch(ctx context.Context, requests []BatchRequest) (BatchHandle, error) {
	const op = "llm.rest.submit_batch"

	if len(requests) == 0 {
		return "", fault.Invalid(op, "batch is empty", nil)
	}

	envelope := batchEnvelope{}
	envelope.Batch.DisplayName = fmt.Sprintf("egregora-batch-%d", len(requests))
	items := make([]batchRequestItem, 0, len(requests))
	for _, r := range requests {
		items = append(items, batchRequestItem{
			Request:  *p.buildRequest(r.Messages, r.Settings),
			Metadata: map[string]string{"index": strconv.Itoa(r.Index)},
		})
	}
	envelope.Batch.InputConfig.Requests.Requests = items

	url := fmt.Sprintf("%s/v1beta/models/%s:batchGenerateContent?key=%s", p.host, p.model, p.apiKey)
	body, err := p.post(ctx, op, url, envelope)
	if err != nil {
		return "", err
	}

	var operation batchOperation
	if err := json.Unmarshal(body, &operation); err != nil {
		return "", fault.Transient(op, "parse operation", err)
	}
	if operation.Error != nil {
		return "", apiError(op, operation.Error)
	}
	if operation.Name == "" {
		return "", fault.Transient(op, "operation has no name", nil)
	}
	return BatchHandle(operation.Name), nil
}

// PollBatch reads the operation once and maps its state.
func (p *RESTProvider) PollBatch(ctx context.Context, handle BatchHandle) (*BatchStatus, error) {
	const op = "llm.rest.poll_batch"

	url := fmt.Sprintf("%s/v1beta/%s?key=%s", p.host, string(handle), p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Invalid(op, "build request", err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transient(op, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(op, resp.StatusCode, body)
	}

	var operation batchOperation
	if err := json.Unmarshal(body, &operation); err != nil {
		return nil, fault.Transient(op, "parse operation", err)
	}

	switch {
	case operation.Error != nil:
		return &BatchStatus{State: BatchFailed, Reason: operation.Error.Message}, nil
	case strings.HasSuffix(operation.Metadata.State, "FAILED"),
		strings.HasSuffix(operation.Metadata.State, "CANCELLED"),
		strings.HasSuffix(operation.Metadata.State, "EXPIRED"):
		return &BatchStatus{State: BatchFailed, Reason: operation.Metadata.State}, nil
	case operation.Done || strings.HasSuffix(operation.Metadata.State, "SUCCEEDED"):
		return p.collectBatchResults(&operation)
	default:
		return &BatchStatus{State: BatchPending}, nil
	}
}

func (p *RESTProvider) collectBatchResults(operation *batchOperation) (*BatchStatus, error) {
	status := &BatchStatus{State: BatchDone}
	if operation.Response == nil {
		return status, nil
	}

	for i, inline := range operation.Response.InlinedResponses.InlinedResponses {
		index := i
		if s, ok := inline.Metadata["index"]; ok {
			if parsed, err := strconv.Atoi(s); err == nil {
				index = parsed
			}
		}

		result := BatchResult{Index: index}
		switch {
		case inline.Error != nil:
			result.Err = inline.Error.Message
		case inline.Response != nil:
			parsed, err := p.parseResponse(inline.Response)
			if err != nil {
				result.Err = err.Error()
			} else {
				result.Response = parsed
			}
		default:
			result.Err = "empty batch item"
		}
		status.Results = append(status.Results, result)
	}
	return status, nil
}

// =============================================================================
// Request/response mapping
// =============================================================================

func (p *RESTProvider) buildRequest(messages []Message, settings Settings) *geminiRequest {
	req := &geminiRequest{
		GenerationConfig: &geminiGenerationConfig{
			MaxOutputTokens:  settings.MaxOutputTokens,
			ResponseMimeType: settings.ResponseMIMEType,
		},
	}
	if settings.Temperature > 0 {
		temp := settings.Temperature
		req.GenerationConfig.Temperature = &temp
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// System turns ride the dedicated instruction slot.
			if req.SystemInstruction == nil {
				req.SystemInstruction = &geminiContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, geminiPart{"text": msg.Content})
			continue
		case RoleTool:
			req.Contents = append(req.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					"functionResponse": map[string]any{
						"name":     msg.Name,
						"response": map[string]any{"content": msg.Content},
					},
				}},
			})
			continue
		}

		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}

		var parts []geminiPart
		if msg.Content != "" {
			parts = append(parts, geminiPart{"text": msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			parts = append(parts, geminiPart{
				"functionCall": map[string]any{"name": tc.Name, "args": tc.Arguments},
			})
		}
		if len(parts) > 0 {
			req.Contents = append(req.Contents, geminiContent{Role: role, Parts: parts})
		}
	}

	if len(settings.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(settings.Tools))
		for _, tool := range settings.Tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		req.Tools = []geminiToolSet{{FunctionDeclarations: decls}}
	}

	return req
}

func (p *RESTProvider) parseResponse(resp *geminiResponse) (*Response, error) {
	const op = "llm.rest.parse"

	if len(resp.Candidates) == 0 {
		return nil, fault.Transient(op, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	var textParts []string
	var toolCalls []ToolCall

	for _, part := range candidate.Content.Parts {
		if text, ok := part["text"].(string); ok {
			textParts = append(textParts, text)
		}
		if fc, ok := part["functionCall"].(map[string]any); ok {
			name, _ := fc["name"].(string)
			args, _ := fc["args"].(map[string]any)
			toolCalls = append(toolCalls, ToolCall{
				ID:        fmt.Sprintf("call_%d", len(toolCalls)),
				Name:      name,
				Arguments: args,
			})
		}
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = resp.UsageMetadata.TotalTokenCount
	}

	return &Response{
		Text:         strings.Join(textParts, ""),
		ToolCalls:    toolCalls,
		TokensUsed:   tokens,
		Model:        p.model,
		FinishReason: candidate.FinishReason,
	}, nil
}

// post sends a JSON body and returns the response bytes, mapping non-200
// statuses to classified errors.
func (p *RESTProvider) post(ctx context.Context, op, url string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Invalid(op, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fault.Invalid(op, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		// Rate-limit and retry errors pass through for the rotation layer.
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transient(op, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(op, resp.StatusCode, body)
	}
	return body, nil
}

// httpError maps HTTP failures onto the fault taxonomy: auth problems are
// fatal, server trouble is transient, the rest is invalid input.
func httpError(op string, status int, body []byte) error {
	msg := fmt.Sprintf("HTTP %d: %s", status, truncate(string(body), 300))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.Fatal(op, msg, nil)
	case status == http.StatusTooManyRequests:
		return &httpclient.RateLimitError{}
	case status >= 500:
		return fault.Transient(op, msg, nil)
	default:
		return fault.Invalid(op, msg, nil)
	}
}

func apiError(op string, e *geminiError) error {
	msg := fmt.Sprintf("%s (%s)", e.Message, e.Status)
	switch {
	case e.Code == http.StatusTooManyRequests || e.Status == "RESOURCE_EXHAUSTED":
		return &httpclient.RateLimitError{}
	case e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
		return fault.Fatal(op, msg, nil)
	case e.Code >= 500:
		return fault.Transient(op, msg, nil)
	default:
		return fault.Invalid(op, msg, nil)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
