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

// Package rag maintains the vector index over archive documents and answers
// similarity queries for the writer's retrieval context.
//
// Embeddings are asymmetric: documents are embedded for storage and queries
// for lookup, each with its own task type. The Embedder interface keeps the
// two roles on separate methods so they cannot be mixed at a call site.
package rag

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
	"github.com/franklinbaldo/egregora-sub012/pkg/httpclient"
)

// Task types the Gemini embedding endpoints distinguish. Document vectors
// and query vectors are tuned differently and are not interchangeable.
const (
	taskDocument = "RETRIEVAL_DOCUMENT"
	taskQuery    = "RETRIEVAL_QUERY"
)

const (
	// DefaultEmbeddingModel is the embedding model used when none is
	// configured.
	DefaultEmbeddingModel = "text-embedding-004"

	// DefaultDimension is the output dimensionality requested by default.
	DefaultDimension = 768

	defaultEmbedBatchSize = 100
)

// Embedder converts text into vectors. Documents and queries go through
// separate methods carrying their respective task types.
type Embedder interface {
	// EmbedDocuments embeds texts for storage in the index.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds one search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed output dimensionality.
	Dimension() int

	// Model returns the embedding model identifier.
	Model() string

	Close() error
}

// EmbedderConfig configures the Gemini-backed embedders.
type EmbedderConfig struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`

	// Host overrides the API endpoint, mainly for tests.
	Host string `yaml:"host,omitempty"`
}

// SetDefaults fills unset fields with production defaults.
func (c *EmbedderConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = DefaultEmbeddingModel
	}
	if c.Dimension <= 0 {
		c.Dimension = DefaultDimension
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultEmbedBatchSize
	}
}

// GeminiEmbedder embeds through the official SDK.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
	batchSize int
}

// NewGeminiEmbedder creates an embedder bound to one API key.
func NewGeminiEmbedder(ctx context.Context, cfg EmbedderConfig) (*GeminiEmbedder, error) {
	const op = "rag.embedder"

	cfg.SetDefaults()
	if cfg.APIKey == "" {
		return nil, fault.Invalid(op, "API key is required", nil)
	}

	clientCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Host != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Host}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fault.Fatal(op, "create client", err)
	}

	return &GeminiEmbedder{
		client:    client,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
	}, nil
}

func (e *GeminiEmbedder) Dimension() int { return e.dimension }

func (e *GeminiEmbedder) Model() string { return e.model }

func (e *GeminiEmbedder) Close() error { return nil }

// EmbedDocuments embeds texts in batches of the configured size, preserving
// input order.
func (e *GeminiEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "rag.embedder.documents"

	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.embed(ctx, op, texts[start:end], taskDocument)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds one search query.
func (e *GeminiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	const op = "rag.embedder.query"

	if text == "" {
		return nil, fault.Invalid(op, "query text is empty", nil)
	}
	vecs, err := e.embed(ctx, op, []string{text}, taskQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *GeminiEmbedder) embed(ctx context.Context, op string, texts []string, task string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	config := &genai.EmbedContentConfig{
		TaskType:             task,
		OutputDimensionality: genai.Ptr(int32(e.dimension)),
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, config)
	if err != nil {
		return nil, wrapEmbedErr(op, err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, fault.Transient(op, fmt.Sprintf("embedded %d of %d texts", got, len(texts)), nil)
	}

	vecs := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, fault.Transient(op, fmt.Sprintf("embedding %d missing from response", i), nil)
		}
		if len(emb.Values) != e.dimension {
			return nil, fault.Invalid(op,
				fmt.Sprintf("embedding %d has dimension %d, want %d", i, len(emb.Values), e.dimension), nil)
		}
		vecs[i] = emb.Values
	}
	return vecs, nil
}

// wrapEmbedErr normalizes SDK errors onto the shared taxonomy so the router
// and the rotation layer classify embedding failures the same way they
// classify generation failures.
func wrapEmbedErr(op string, err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	msg := fmt.Sprintf("%s (%s)", apiErr.Message, apiErr.Status)
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED":
		return &httpclient.RateLimitError{}
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return fault.Fatal(op, msg, nil)
	case apiErr.Code >= 500:
		return fault.Transient(op, msg, nil)
	default:
		return fault.Invalid(op, msg, nil)
	}
}
