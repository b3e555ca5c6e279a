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

package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/httpclient"
	"github.com/franklinbaldo/egregora-sub012/pkg/llm"
)

// Wire types for the embedContent endpoints. Kept independent of the SDK so
// tests can stand up a plain httptest server.

type embedPart struct {
	Text string `json:"text"`
}

type embedContentBody struct {
	Parts []embedPart `json:"parts"`
}

type embedRequest struct {
	Model                string           `json:"model"`
	Content              embedContentBody `json:"content"`
	TaskType             string           `json:"taskType"`
	OutputDimensionality int              `json:"outputDimensionality,omitempty"`
}

type embedBatchRequest struct {
	Requests []embedRequest `json:"requests"`
}

type embedVector struct {
	Values []float32 `json:"values"`
}

type embedAPIErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type embedResponse struct {
	Embedding embedVector        `json:"embedding"`
	Error     *embedAPIErrorBody `json:"error,omitempty"`
}

type embedBatchResponse struct {
	Embeddings []embedVector      `json:"embeddings"`
	Error      *embedAPIErrorBody `json:"error,omitempty"`
}

// RESTEmbedder talks to the embedContent endpoints directly. It exists for
// the same reason the REST generation provider does: tests point it at a
// local server and inspect the exact wire traffic.
type RESTEmbedder struct {
	host       string
	model      string
	apiKey     string
	dimension  int
	batchSize  int
	httpClient *httpclient.Client
}

// NewRESTEmbedder creates a REST embedder. A nil httpClient gets the default
// retrying transport, which surfaces rate limits instead of absorbing them.
func NewRESTEmbedder(cfg EmbedderConfig, client *httpclient.Client) (*RESTEmbedder, error) {
	const op = "rag.embedder.rest"

	cfg.SetDefaults()
	if cfg.APIKey == "" {
		return nil, fault.Invalid(op, "API key is required", nil)
	}
	if cfg.Host == "" {
		cfg.Host = llm.DefaultGeminiHost
	}
	if client == nil {
		client = httpclient.New()
	}

	return &RESTEmbedder{
		host:       cfg.Host,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		dimension:  cfg.Dimension,
		batchSize:  cfg.BatchSize,
		httpClient: client,
	}, nil
}

func (e *RESTEmbedder) Dimension() int { return e.dimension }

func (e *RESTEmbedder) Model() string { return e.model }

func (e *RESTEmbedder) Close() error { return nil }

// EmbedQuery embeds one search query via embedContent.
func (e *RESTEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	const op = "rag.embedder.rest.query"

	if text == "" {
		return nil, fault.Invalid(op, "query text is empty", nil)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:embedContent?key=%s", e.host, e.model, e.apiKey)
	body, err := e.post(ctx, op, url, e.request(text, taskQuery))
	if err != nil {
		return nil, err
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Invalid(op, "decode response", err)
	}
	if parsed.Error != nil {
		return nil, embedAPIError(op, parsed.Error)
	}
	if err := e.checkDimension(op, 0, parsed.Embedding.Values); err != nil {
		return nil, err
	}
	return parsed.Embedding.Values, nil
}

// EmbedDocuments embeds texts via batchEmbedContents, chunked to the
// configured batch size, preserving input order.
func (e *RESTEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "rag.embedder.rest.documents"

	if len(texts) == 0 {
		return nil, nil
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents?key=%s", e.host, e.model, e.apiKey)

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		chunk := texts[start:end]

		payload := embedBatchRequest{Requests: make([]embedRequest, len(chunk))}
		for i, t := range chunk {
			payload.Requests[i] = e.request(t, taskDocument)
		}

		body, err := e.post(ctx, op, url, payload)
		if err != nil {
			return nil, err
		}

		var parsed embedBatchResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fault.Invalid(op, "decode response", err)
		}
		if parsed.Error != nil {
			return nil, embedAPIError(op, parsed.Error)
		}
		if len(parsed.Embeddings) != len(chunk) {
			return nil, fault.Transient(op,
				fmt.Sprintf("embedded %d of %d texts", len(parsed.Embeddings), len(chunk)), nil)
		}
		for i, emb := range parsed.Embeddings {
			if err := e.checkDimension(op, start+i, emb.Values); err != nil {
				return nil, err
			}
			out = append(out, emb.Values)
		}
	}
	return out, nil
}

// request builds one wire request. Batch entries must repeat the model name.
func (e *RESTEmbedder) request(text, task string) embedRequest {
	return embedRequest{
		Model:                "models/" + e.model,
		Content:              embedContentBody{Parts: []embedPart{{Text: text}}},
		TaskType:             task,
		OutputDimensionality: e.dimension,
	}
}

func (e *RESTEmbedder) checkDimension(op string, index int, values []float32) error {
	if len(values) != e.dimension {
		return fault.Invalid(op,
			fmt.Sprintf("embedding %d has dimension %d, want %d", index, len(values), e.dimension), nil)
	}
	return nil
}

// post sends a JSON body and returns the response bytes, mapping non-200
// statuses to classified errors.
func (e *RESTEmbedder) post(ctx context.Context, op, url string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Invalid(op, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fault.Invalid(op, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
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
		return nil, embedHTTPError(op, resp.StatusCode, body)
	}
	return body, nil
}

// embedHTTPError maps HTTP failures onto the fault taxonomy: auth problems
// are fatal, server trouble is transient, the rest is invalid input.
func embedHTTPError(op string, status int, body []byte) error {
	msg := fmt.Sprintf("HTTP %d: %s", status, truncateBody(string(body), 300))
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

func embedAPIError(op string, e *embedAPIErrorBody) error {
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

func truncateBody(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	_ Embedder = (*GeminiEmbedder)(nil)
	_ Embedder = (*RESTEmbedder)(nil)
)
